package cli

import (
	"reflect"
	"testing"
)

func TestMatchID(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		patterns []string
		expected bool
	}{
		{"no patterns", "todo", nil, true},
		{"exact match", "todo", []string{"todo"}, true},
		{"exact mismatch", "todo", []string{"tod"}, false},
		{"wildcard prefix", "work/meeting", []string{"work/*"}, true},
		{"wildcard does not cross slash", "work/a/b", []string{"work/*"}, false},
		{"question mark", "n1", []string{"n?"}, true},
		{"any of several", "journal", []string{"work/*", "journal"}, true},
		{"character class", "n2", []string{"n[0-3]"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchID(tt.id, tt.patterns); got != tt.expected {
				t.Errorf("MatchID(%q, %v) = %v, want %v", tt.id, tt.patterns, got, tt.expected)
			}
		})
	}
}

func TestValidatePatterns(t *testing.T) {
	if err := ValidatePatterns([]string{"work/*", "n?"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePatterns([]string{"[invalid"}); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestFilter(t *testing.T) {
	ids := []string{"a1", "b1", "a2", "c"}
	self := func(s string) string { return s }

	got := Filter(ids, self, []string{"a*"})
	if want := []string{"a1", "a2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Filter = %v, want %v", got, want)
	}

	if got := Filter(ids, self, nil); !reflect.DeepEqual(got, ids) {
		t.Errorf("Filter without patterns = %v, want %v", got, ids)
	}

	if got := Filter(ids, self, []string{"zzz"}); len(got) != 0 {
		t.Errorf("expected no matches, got %v", got)
	}
}
