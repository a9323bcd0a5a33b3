package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const signerInfo = "devicegate device cookie v1"

// Signer authenticates device ids with HMAC-SHA256 so a client cannot pick
// another device's id.
type Signer struct {
	key []byte
}

// NewSigner derives the signing key from secret with HKDF. An empty secret
// yields a random key, which invalidates every cookie on restart.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cookie secret: %w", err)
		}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(signerInfo)), key); err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}
	return &Signer{key: key}, nil
}

func (s *Signer) mac(value string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(value))
	return h.Sum(nil)
}

// Sign returns "value.signature".
func (s *Signer) Sign(value string) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(s.mac(value))
}

// Verify returns the value carried by a signed token.
func (s *Signer) Verify(token string) (string, bool) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", false
	}
	value, sig := token[:idx], token[idx+1:]
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, s.mac(value)) {
		return "", false
	}
	return value, true
}
