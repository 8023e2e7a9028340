package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blacknote-ops/blacknote/pkg/audit"
	"github.com/blacknote-ops/blacknote/pkg/engine"
	"github.com/blacknote-ops/blacknote/pkg/store"
)

// RecordResult is one entry of ListRecords. Err is set, and Content nil,
// when that record alone could not be decrypted.
type RecordResult struct {
	ID        string
	Content   any
	UpdatedAt time.Time
	Err       error
}

// SaveRecord encrypts content under the held key and stores it as id,
// replacing any previous record with that id. Strings and byte slices are
// stored as-is; other values as JSON.
func (v *Vault) SaveRecord(ctx context.Context, id string, content any) error {
	if err := validateRecordID(id); err != nil {
		return err
	}

	sealed, err := v.engine.Encrypt(content)
	if err != nil {
		return err
	}
	if size := len(sealed.Ciphertext) / 2; size > MaxContentSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes", ErrContentTooLarge, size, MaxContentSize)
	}

	st, err := v.currentStore()
	if err != nil {
		return err
	}
	if err := v.checkDiskSpaceForWrite(len(sealed.Ciphertext)); err != nil {
		v.auditError(audit.OpRecordSave, id, err)
		return err
	}

	err = st.UpsertRecord(ctx, store.Record{
		ID:        id,
		IV:        sealed.IV,
		Data:      sealed.Ciphertext,
		AuthTag:   sealed.Tag,
		UpdatedAt: v.now().UnixMilli(),
	})
	if err != nil {
		v.auditError(audit.OpRecordSave, id, err)
		return fmt.Errorf("vault: %w", err)
	}

	v.auditSuccess(audit.OpRecordSave, id)
	return nil
}

// LoadRecord decrypts the record id.
func (v *Vault) LoadRecord(ctx context.Context, id string) (any, error) {
	if v.IsLocked() {
		return nil, ErrVaultLocked
	}
	st, err := v.currentStore()
	if err != nil {
		return nil, err
	}

	rec, err := st.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		v.auditError(audit.OpRecordLoad, id, ErrRecordNotFound)
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	content, err := v.engine.Decrypt(sealedOf(rec))
	if err != nil {
		v.auditError(audit.OpRecordLoad, id, err)
		return nil, fmt.Errorf("vault: record %q: %w", id, err)
	}

	v.auditSuccess(audit.OpRecordLoad, id)
	return content, nil
}

// ListRecords decrypts every record, ordered by id. A record that fails to
// decrypt is reported in its own RecordResult and does not stop the listing.
func (v *Vault) ListRecords(ctx context.Context) ([]RecordResult, error) {
	if v.IsLocked() {
		return nil, ErrVaultLocked
	}
	st, err := v.currentStore()
	if err != nil {
		return nil, err
	}

	rows, err := st.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	results := make([]RecordResult, 0, len(rows))
	failed := 0
	for _, rec := range rows {
		r := RecordResult{ID: rec.ID, UpdatedAt: time.UnixMilli(rec.UpdatedAt)}
		r.Content, r.Err = v.engine.Decrypt(sealedOf(rec))
		if r.Err != nil {
			if errors.Is(r.Err, engine.ErrVaultLocked) {
				// Locked mid-listing: nothing further can be decrypted.
				return nil, ErrVaultLocked
			}
			failed++
			v.log.Warn().Err(r.Err).Msg("record failed to decrypt")
		}
		results = append(results, r)
	}

	v.auditSuccess(audit.OpRecordList, "")
	v.log.Debug().Int("records", len(results)).Int("failed", failed).Msg("records listed")
	return results, nil
}

func sealedOf(rec store.Record) engine.Sealed {
	return engine.Sealed{IV: rec.IV, Ciphertext: rec.Data, Tag: rec.AuthTag}
}

// validateRecordID accepts printable ids up to MaxRecordIDLength bytes.
func validateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(id) > MaxRecordIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidRecordID, MaxRecordIDLength)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidRecordID)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character", ErrInvalidRecordID)
		}
	}
	return nil
}
