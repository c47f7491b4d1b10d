// Package secretstore seals credential payloads with AES-256-GCM.
//
// A sealed blob is laid out as nonce(12) | tag(16) | ciphertext. The key is the
// SHA-256 digest of the configured secret.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	NonceSize = 12
	TagSize   = 16
	// HeaderSize is the minimum length of a sealed blob.
	HeaderSize = NonceSize + TagSize
)

var (
	// ErrMissingSecret is returned when the store is built without a secret.
	ErrMissingSecret = errors.New("encryption secret is not configured")
	// ErrDecryption is returned for any blob that fails to open: truncated,
	// tampered, or sealed with a different key.
	ErrDecryption = errors.New("failed to decrypt data")
	// ErrEncryption is returned when a value cannot be sealed.
	ErrEncryption = errors.New("failed to encrypt data")
)

// Store seals and opens JSON-serializable values.
type Store struct {
	aead cipher.AEAD
	rand io.Reader
}

func New(secret string) (*Store, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return &Store{aead: aead, rand: rand.Reader}, nil
}

// Encrypt serializes v to JSON and seals it under a fresh random nonce.
func (s *Store) Encrypt(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return s.Seal(plaintext)
}

// Seal encrypts raw bytes.
func (s *Store) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	// GCM appends the tag after the ciphertext; the stored layout puts it first.
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, HeaderSize+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Open authenticates and decrypts a sealed blob.
func (s *Store) Open(blob []byte) ([]byte, error) {
	if len(blob) < HeaderSize {
		return nil, ErrDecryption
	}

	nonce := blob[:NonceSize]
	tag := blob[NonceSize:HeaderSize]
	ciphertext := blob[HeaderSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Decrypt opens blob and unmarshals the JSON plaintext into out.
func (s *Store) Decrypt(blob []byte, out any) error {
	plaintext, err := s.Open(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: payload is not JSON", ErrDecryption)
	}
	return nil
}

// EncryptString seals v and returns the blob as standard base64 text, the
// form stored in text columns.
func (s *Store) EncryptString(v any) (string, error) {
	blob, err := s.Encrypt(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString is the inverse of EncryptString.
func (s *Store) DecryptString(text string, out any) error {
	blob, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return ErrDecryption
	}
	return s.Decrypt(blob, out)
}
