// ABOUTME: At-rest sealing of tenant credentials with NaCl secretbox
// ABOUTME: Sealed values carry a version prefix so plain-text rows stay readable

package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

// ErrBadCredentialKey is returned when the configured credential key is not 32 bytes of base64
var ErrBadCredentialKey = errors.New("credential key must be 32 bytes, base64 encoded")

type credentialSealer struct {
	key [32]byte
}

func newCredentialSealer(encodedKey string) (*credentialSealer, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrBadCredentialKey
	}
	var c credentialSealer
	copy(c.key[:], raw)
	return &c, nil
}

func (c *credentialSealer) seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &c.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

func (c *credentialSealer) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(box) < 24 {
		return "", errors.New("malformed sealed credential")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &c.key)
	if !ok {
		return "", errors.New("sealed credential failed authentication")
	}
	return string(plain), nil
}

// sealCredential seals a credential when a key is configured
func (s *SQLiteStore) sealCredential(plain string) (string, error) {
	if s.sealer == nil {
		return plain, nil
	}
	return s.sealer.seal(plain)
}

// openCredential reverses sealCredential
func (s *SQLiteStore) openCredential(stored string) (string, error) {
	if s.sealer == nil {
		if strings.HasPrefix(stored, sealedPrefix) {
			return "", errors.New("credential is sealed but no credential key is configured")
		}
		return stored, nil
	}
	return s.sealer.open(stored)
}
