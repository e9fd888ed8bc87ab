// Package pii encrypts extracted identity fields at rest and derives keyed
// fingerprints so equality checks (duplicate document numbers) work without
// ever decrypting anything.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Fields is the plaintext shape of extracted document data. It only ever
// exists in memory; persistence goes through Codec.EncryptFields.
type Fields struct {
	FullName       string `json:"full_name"`
	DateOfBirth    string `json:"date_of_birth"`
	DocumentNumber string `json:"document_number"`
	ExpiryDate     string `json:"expiry_date,omitempty"`
	Nationality    string `json:"nationality,omitempty"`
}

// Codec holds the process encryption material.
type Codec struct {
	aead  cipher.AEAD
	fpKey []byte
}

// NewCodec builds a codec from a base64 AES-256 key and a fingerprint HMAC
// key. Both are required; there is no plaintext fallback.
func NewCodec(encryptionKeyB64, fingerprintKey string) (*Codec, error) {
	if encryptionKeyB64 == "" || fingerprintKey == "" {
		return nil, errors.New("pii: encryption and fingerprint keys are required")
	}
	key, err := base64.StdEncoding.DecodeString(encryptionKeyB64)
	if err != nil {
		return nil, fmt.Errorf("pii: decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("pii: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pii: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pii: init gcm: %w", err)
	}
	return &Codec{aead: aead, fpKey: []byte(fingerprintKey)}, nil
}

// EncryptFields serializes and seals the fields. The random nonce is
// prepended to the ciphertext.
func (c *Codec) EncryptFields(fields Fields) ([]byte, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("pii: marshal fields: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pii: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptFields opens a blob produced by EncryptFields.
func (c *Codec) DecryptFields(blob []byte) (Fields, error) {
	var fields Fields
	if len(blob) < c.aead.NonceSize() {
		return fields, errors.New("pii: ciphertext too short")
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fields, fmt.Errorf("pii: decrypt: %w", err)
	}
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return fields, fmt.Errorf("pii: unmarshal fields: %w", err)
	}
	return fields, nil
}

// Fingerprint derives a deterministic keyed digest of a document number.
// Input is normalized first so formatting differences (spacing, hyphens,
// case) collapse to the same fingerprint.
func (c *Codec) Fingerprint(documentNumber string) string {
	normalized := normalize(documentNumber)
	if normalized == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.fpKey)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

func normalize(value string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(value) {
		if r == ' ' || r == '-' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
