// Package envcrypt seals and opens the encrypted blobs that hold tenant
// env-vars and per-user secrets. Two wire formats coexist: v2 carries a
// per-record salt, v1 (legacy) derives its key from a fixed global salt.
// Decryption is the single place that knows about both.
package envcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Version tags which wire format a blob was sealed with.
type Version int

const (
	V1 Version = 1 // base64(iv(12) || ct), fixed legacy salt
	V2 Version = 2 // base64(salt(16) || iv(12) || ct)
)

const (
	saltSize   = 16
	ivSize     = 12
	keySize    = 32
	iterations = 100000

	// legacySalt predates per-record salts. It stays until every v1 blob
	// has been rewritten by a migration epoch.
	legacySalt = "ultralight-env-vars-salt"
)

var ErrDecrypt = errors.New("envcrypt: cannot decrypt blob")

// Envelope derives AES-GCM keys from a master key and performs
// seal/open on versioned blobs.
type Envelope struct {
	masterKey []byte
}

// New rejects an empty master key outright rather than encrypting
// under a guessable default.
func New(masterKey string) (*Envelope, error) {
	if masterKey == "" {
		return nil, errors.New("envcrypt: empty master key")
	}
	return &Envelope{masterKey: []byte(masterKey)}, nil
}

func (e *Envelope) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(e.masterKey, salt, iterations, keySize, sha256.New)
}

// Encrypt seals plaintext into a v2 blob with a fresh salt and IV.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := e.aead(salt)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+ivSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, iv...)
	out = gcm.Seal(out, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob, trying the v2 layout first and falling back to
// the legacy v1 layout on authentication failure. The returned Version
// reports which path succeeded so callers can schedule re-encryption.
func (e *Envelope) Decrypt(blob string) (string, Version, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", 0, fmt.Errorf("envcrypt: decode base64: %w", err)
	}

	if plaintext, err := e.openV2(raw); err == nil {
		return plaintext, V2, nil
	}
	plaintext, err := e.openV1(raw)
	if err != nil {
		return "", 0, ErrDecrypt
	}
	return plaintext, V1, nil
}

func (e *Envelope) openV2(raw []byte) (string, error) {
	if len(raw) < saltSize+ivSize+1 {
		return "", ErrDecrypt
	}
	salt, iv, ct := raw[:saltSize], raw[saltSize:saltSize+ivSize], raw[saltSize+ivSize:]
	gcm, err := e.aead(salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (e *Envelope) openV1(raw []byte) (string, error) {
	if len(raw) < ivSize+1 {
		return "", ErrDecrypt
	}
	iv, ct := raw[:ivSize], raw[ivSize:]
	gcm, err := e.aead([]byte(legacySalt))
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (e *Envelope) aead(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// EncryptV1 seals plaintext in the legacy layout. Only tests and the
// migration tool need it; the serving path always writes v2.
func (e *Envelope) EncryptV1(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	gcm, err := e.aead([]byte(legacySalt))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, ivSize+len(plaintext)+gcm.Overhead())
	out = append(out, iv...)
	out = gcm.Seal(out, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}
