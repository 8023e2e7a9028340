package vault

import (
	"context"

	"github.com/blacknote-ops/blacknote/pkg/crypto"
)

// flight holds the single Create/Open slot. When a caller gives up on a
// running derivation the slot passes to the worker, so a new attempt cannot
// start until the abandoned one has finished and its key is wiped.
type flight struct {
	v         *Vault
	handedOff bool
}

func (v *Vault) beginFlight() (*flight, error) {
	if !v.inflight.TryAcquire(1) {
		return nil, ErrOperationInProgress
	}
	return &flight{v: v}, nil
}

func (f *flight) release() {
	if !f.handedOff {
		f.v.inflight.Release(1)
	}
}

type derived struct {
	key []byte
	err error
}

// derive runs the key derivation on a worker goroutine. The caller waits for
// the key or for ctx; a key that arrives after ctx is done is wiped.
func (v *Vault) derive(ctx context.Context, f *flight, password string, salt []byte, fingerprint string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := v.params
	done := make(chan derived, 1)
	go func() {
		key, err := v.deriveKey(password, salt, fingerprint, params)
		done <- derived{key: key, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.key, nil
	case <-ctx.Done():
		f.handedOff = true
		go func() {
			r := <-done
			crypto.SecureWipe(r.key)
			v.inflight.Release(1)
			v.log.Debug().Msg("abandoned key derivation finished; key wiped")
		}()
		v.log.Debug().Err(ctx.Err()).Msg("key derivation abandoned by caller")
		return nil, ctx.Err()
	}
}
