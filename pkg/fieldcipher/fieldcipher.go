// Package fieldcipher implements the authenticated field encryption used for
// persisted secrets and vault payloads: AES-256-GCM with a random 16-byte IV
// per encryption and a 16-byte authentication tag.
//
// Ciphertext wire format is three base64 segments joined by ':':
//
//	base64(iv) ':' base64(tag) ':' base64(ct)
//
// The same master key also seeds per-vault-type sub-keys via HKDF-SHA256 so
// vault files of different types live in disjoint key spaces.
package fieldcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the nonce length in bytes. 16, not GCM's default 12.
	IVSize = 16
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrKeyLength is returned when the key is absent or not 32 bytes.
	ErrKeyLength = errors.New("fieldcipher: key must be exactly 32 bytes")
	// ErrMalformed is returned when a ciphertext does not parse into
	// three base64 segments of plausible lengths.
	ErrMalformed = errors.New("fieldcipher: malformed ciphertext")
	// ErrAuthentication is returned when the GCM tag check fails: tag
	// mismatch, tampered IV, or truncated payload.
	ErrAuthentication = errors.New("fieldcipher: authentication failed")
)

// Cipher encrypts and decrypts short field values under one 32-byte key.
type Cipher struct {
	key  []byte
	aead cipher.AEAD
}

// New builds a Cipher. The key must be exactly 32 bytes; anything else
// fails loudly here rather than at first use.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: gcm: %w", err)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k, aead: aead}, nil
}

// NewFromBase64 builds a Cipher from a base64-encoded 32-byte key, the form
// keys take in configuration.
func NewFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("fieldcipher: decode key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext under a fresh random IV. Two encryptions of the
// same plaintext produce distinct ciphertexts.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("fieldcipher: iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// EncryptString is Encrypt for string plaintexts.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// Decrypt opens a ciphertext produced by Encrypt. Any mutation of any
// segment yields ErrAuthentication (or ErrMalformed when the segment no
// longer parses at all).
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformed, len(parts))
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: iv segment: %v", ErrMalformed, err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: tag segment: %v", ErrMalformed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ct segment: %v", ErrMalformed, err)
	}
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: iv=%d tag=%d bytes", ErrMalformed, len(iv), len(tag))
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// DecryptString is Decrypt for string plaintexts.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	pt, err := c.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// DeriveSubCipher returns a Cipher keyed by HKDF-SHA256(master, label).
// Distinct labels give cryptographically independent key spaces; the same
// (master, label) pair always derives the same sub-key.
func (c *Cipher) DeriveSubCipher(label string) (*Cipher, error) {
	reader := hkdf.New(sha256.New, c.key, []byte("seal-vault-kdf"), []byte(label))
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, fmt.Errorf("fieldcipher: hkdf %q: %w", label, err)
	}
	return New(sub)
}
