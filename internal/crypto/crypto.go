// Package crypto protects session configuration cached outside the process.
//
// Configs are sealed with AES-256-GCM under a process-wide key loaded from
// configuration. Every Encrypt draws a fresh random nonce and binds the
// ciphertext to a fixed application label (additional authenticated data), so
// a bundle produced by another application or under another key fails
// authentication instead of decrypting to garbage.
//
// Key material is accepted in the same encodings as fernet keys (hex or
// base64, 32 bytes), and older keys may be kept for decryption during a
// rotation window.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/fernet/fernet-go"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32

	// NonceSize is the GCM standard nonce length.
	NonceSize = 12

	// TagSize is the GCM authentication tag length.
	TagSize = 16

	// AAD binds every bundle to this application and payload kind.
	AAD = "ftpbroker/session-config/v1"
)

// integrityError is returned when a bundle fails authentication.
type integrityError struct{}

func (integrityError) Error() string { return "credential bundle failed integrity check" }

// Permanent reports that retrying the same bundle cannot succeed.
func (integrityError) Permanent() bool { return true }

// ErrIntegrity is returned by Decrypt when the authentication tag does not
// verify: the bundle was tampered with, truncated, or sealed under a key this
// process does not hold.
var ErrIntegrity error = integrityError{}

// Bundle is a sealed configuration. Byte slices serialize as base64 in JSON.
type Bundle struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
}

// Cipher seals and opens Bundles. It is safe for concurrent use.
type Cipher struct {
	primary cipher.AEAD
	// previous keys, tried in order after the primary on Decrypt
	previous []cipher.AEAD
	rand     io.Reader
}

// ParseKey decodes key material given as hex or base64 (standard or URL
// alphabet). The decoded key must be exactly KeySize bytes.
func ParseKey(s string) ([]byte, error) {
	k, err := fernet.DecodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("decode cipher key: %w", err)
	}
	out := make([]byte, KeySize)
	copy(out, k[:])
	return out, nil
}

// GenerateKey returns a fresh random key in base64 encoding, suitable for the
// CIPHER_KEY setting.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}

// NewCipher builds a Cipher from a primary key and optional previous keys.
func NewCipher(primary []byte, previous ...[]byte) (*Cipher, error) {
	p, err := newAEAD(primary)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	c := &Cipher{primary: p, rand: rand.Reader}
	for i, k := range previous {
		a, err := newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		c.previous = append(c.previous, a)
	}
	return c, nil
}

// NewCipherFromStrings parses encoded keys and builds a Cipher.
func NewCipherFromStrings(primary string, previous []string) (*Cipher, error) {
	if primary == "" {
		return nil, errors.New("cipher key is not configured")
	}
	pk, err := ParseKey(primary)
	if err != nil {
		return nil, err
	}
	var prev [][]byte
	for _, s := range previous {
		if s == "" {
			continue
		}
		k, err := ParseKey(s)
		if err != nil {
			return nil, err
		}
		prev = append(prev, k)
	}
	return NewCipher(pk, prev...)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plain under the primary key with a fresh random nonce.
func (c *Cipher) Encrypt(plain []byte) (Bundle, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Bundle{}, fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.primary.Seal(nil, nonce, plain, []byte(AAD))
	split := len(sealed) - TagSize
	return Bundle{
		Ciphertext: sealed[:split:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a bundle. Any structural or authentication failure yields
// ErrIntegrity; callers must not retry it.
func (c *Cipher) Decrypt(b Bundle) ([]byte, error) {
	if len(b.Nonce) != NonceSize || len(b.Tag) != TagSize {
		return nil, ErrIntegrity
	}
	sealed := make([]byte, 0, len(b.Ciphertext)+TagSize)
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.Tag...)

	if plain, err := c.primary.Open(nil, b.Nonce, sealed, []byte(AAD)); err == nil {
		return plain, nil
	}
	for _, a := range c.previous {
		if plain, err := a.Open(nil, b.Nonce, sealed, []byte(AAD)); err == nil {
			return plain, nil
		}
	}
	return nil, ErrIntegrity
}
