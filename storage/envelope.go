package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	envelopeVersion = 1
	sealScheme      = "aes256gcm"

	// RecordKeySize is the length of a record sealing key.
	RecordKeySize = 32
)

// ErrSealedRecord is returned when an envelope fails authentication: wrong
// key, tampered bytes, or a record moved to a different bucket or id.
var ErrSealedRecord = errors.New("sealed record cannot be opened")

// Envelope is an AES-256-GCM sealed record as stored by a Repository.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// NewRecordKey returns a random sealing key.
func NewRecordKey() ([]byte, error) {
	key := make([]byte, RecordKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating record key: %w", err)
	}
	return key, nil
}

func recordAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != RecordKeySize {
		return nil, fmt.Errorf("record key must be %d bytes, got %d", RecordKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealRecord encrypts plaintext under recordKey, authenticating aad.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	aead, err := recordAEAD(recordKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     sealScheme,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// OpenRecord reverses SealRecord.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, ErrSealedRecord
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != sealScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	aead, err := recordAEAD(recordKey)
	if err != nil {
		return nil, err
	}
	if len(envelope.Nonce) != aead.NonceSize() {
		return nil, ErrSealedRecord
	}
	plain, err := aead.Open(nil, envelope.Nonce, envelope.Ciphertext, aad)
	if err != nil {
		return nil, ErrSealedRecord
	}
	return plain, nil
}

// RecordAAD binds a sealed record to its location so an envelope copied to
// another bucket or id fails to open.
func RecordAAD(bucket, id string) []byte {
	return []byte("sessiongate:" + bucket + ":" + id)
}
