package token

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/hablas/sessiongate/internal/util"
)

// MinSecretLength is the minimum signing secret size in bytes.
const MinSecretLength = 32

const derivedKeyLength = 32

var (
	// ErrMissingSecret is returned when no signing secret is configured in production.
	ErrMissingSecret = errors.New("signing secret is not configured")
	// ErrInvalidSecret is returned for secrets shorter than MinSecretLength.
	ErrInvalidSecret = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
)

// Secret is an HMAC signing key held in a memguard enclave. The plaintext
// only exists in locked memory while a token is being signed or verified.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals a copy of raw. The caller's slice is left untouched.
func NewSecret(raw []byte) (*Secret, error) {
	if len(raw) < MinSecretLength {
		return nil, ErrInvalidSecret
	}
	return &Secret{enclave: memguard.NewEnclave(bytes.Clone(raw))}, nil
}

// LoadSecret resolves the configured secret for name (e.g. JWT_SECRET).
// In production a missing or short secret is an error so the process
// refuses to start. Outside production a missing secret is replaced by a
// random one, which invalidates all tokens on restart.
func LoadSecret(logger *slog.Logger, production bool, name, raw string) (*Secret, error) {
	if raw == "" {
		if production {
			return nil, fmt.Errorf("%s: %w", name, ErrMissingSecret)
		}
		generated, err := util.RandomBytes(MinSecretLength)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Warn("no signing secret configured; using a random development secret", "secret", name)
		}
		return NewSecret(generated)
	}
	s, err := NewSecret([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// with opens the enclave for the duration of fn.
func (s *Secret) with(fn func(key []byte) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening signing secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// DeriveKey derives a 32-byte subkey bound to info, e.g. for sealing
// records at rest.
func (s *Secret) DeriveKey(info string) ([]byte, error) {
	var out []byte
	err := s.with(func(key []byte) error {
		out = make([]byte, derivedKeyLength)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), out); err != nil {
			return fmt.Errorf("deriving %s: %w", info, err)
		}
		return nil
	})
	return out, err
}
