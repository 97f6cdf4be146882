package kvstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

var errSealedTooShort = errors.New("sealed value shorter than nonce")

// sealer encrypts values with AES-256-GCM. A nil *sealer passes values
// through unchanged, so engines without a configured key skip the branch.
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(secret, instanceID string) (*sealer, error) {
	if secret == "" {
		return nil, nil
	}
	key, err := deriveKey(secret, instanceID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &sealer{gcm: gcm}, nil
}

// seal returns nonce || ciphertext. The key is bound as additional data so a
// value copied under another key fails to open.
func (s *sealer) seal(key string, plain []byte) ([]byte, error) {
	if s == nil {
		return plain, nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (s *sealer) open(key string, sealed []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}
	n := s.gcm.NonceSize()
	if len(sealed) < n {
		return nil, errSealedTooShort
	}
	plain, err := s.gcm.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plain, nil
}
