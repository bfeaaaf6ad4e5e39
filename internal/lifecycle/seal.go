package lifecycle

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrInvalidSealingKey is returned when the sealing key is not exactly
// 32 bytes (required by secretbox).
var ErrInvalidSealingKey = errors.New("invalid sealing key")

// sealer encrypts payloads at rest with NaCl secretbox. Action payloads
// carry health data, so they are never written to SQLite in the clear.
type sealer struct {
	key [32]byte
}

// newSealer accepts either 32 raw bytes or 64 hex characters.
func newSealer(key string) (*sealer, error) {
	var keyBytes []byte
	switch len(key) {
	case 32:
		keyBytes = []byte(key)
	case 64:
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("%w: not valid hex: %v", ErrInvalidSealingKey, err)
		}
		keyBytes = decoded
	default:
		return nil, fmt.Errorf("%w: must be 32 bytes or 64 hex characters, got %d", ErrInvalidSealingKey, len(key))
	}

	s := &sealer{}
	copy(s.key[:], keyBytes)
	return s, nil
}

// seal encrypts plaintext and returns base64(nonce || ciphertext).
func (s *sealer) seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open decrypts a value produced by seal.
func (s *sealer) open(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed payload: %w", err)
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed payload too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("opening sealed payload: decryption failed")
	}
	return plaintext, nil
}
