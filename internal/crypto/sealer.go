package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Sealed credentials are stored as "v1.<key id>.<nonce>.<ciphertext>" with
// both binary parts in unpadded base64url. The binding (owner and credential
// name) is authenticated but never stored, so a sealed value copied onto a
// different user or key fails to open.
const sealedVersion = "v1"

var (
	ErrMalformed  = errors.New("malformed sealed value")
	ErrUnknownKey = errors.New("unknown master key")
)

type Sealer struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	s := &Sealer{currentKeyID: currentKeyID, aeads: make(map[string]cipher.AEAD, len(keys))}
	for id, key := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("key id %q must not contain '.'", id)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		s.aeads[id] = aead
	}
	return s, nil
}

func (s *Sealer) CurrentKeyID() string { return s.currentKeyID }

func (s *Sealer) Seal(binding, plaintext string) (string, error) {
	aead := s.aeads[s.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), []byte(binding))
	return strings.Join([]string{
		sealedVersion,
		s.currentKeyID,
		base64.RawURLEncoding.EncodeToString(nonce),
		base64.RawURLEncoding.EncodeToString(ct),
	}, "."), nil
}

func (s *Sealer) Open(binding, sealed string) (string, error) {
	keyID, nonce, ct, err := split(sealed)
	if err != nil {
		return "", err
	}
	aead, ok := s.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	if len(nonce) != aead.NonceSize() {
		return "", ErrMalformed
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(binding))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(pt), nil
}

// Reseal re-encrypts under the current key. It reports false when the value
// is already sealed with the current key and leaves it untouched.
func (s *Sealer) Reseal(binding, sealed string) (string, bool, error) {
	keyID, _, _, err := split(sealed)
	if err != nil {
		return "", false, err
	}
	if keyID == s.currentKeyID {
		return sealed, false, nil
	}
	plain, err := s.Open(binding, sealed)
	if err != nil {
		return "", false, err
	}
	out, err := s.Seal(binding, plain)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

func split(sealed string) (keyID string, nonce, ct []byte, err error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 4 || parts[0] != sealedVersion || parts[1] == "" {
		return "", nil, nil, ErrMalformed
	}
	nonce, err = base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	ct, err = base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	return parts[1], nonce, ct, nil
}
