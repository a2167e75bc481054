package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testKey(0x42))
	require.NoError(t, err)
	return c
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	inputs := [][]byte{
		[]byte(`{"host":"ftp.example.com","port":21,"username":"u","password":"p"}`),
		{},
		bytes.Repeat([]byte("x"), 64*1024),
	}
	for _, in := range inputs {
		b, err := c.Encrypt(in)
		require.NoError(t, err)
		assert.Len(t, b.Nonce, NonceSize)
		assert.Len(t, b.Tag, TagSize)

		out, err := c.Decrypt(b)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(in, out), "round trip mismatch for %d bytes", len(in))
	}
}

func TestEncrypt_FreshNonceEveryCall(t *testing.T) {
	c := newTestCipher(t)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		b, err := c.Encrypt([]byte("same plaintext"))
		require.NoError(t, err)
		n := hex.EncodeToString(b.Nonce)
		require.False(t, seen[n], "nonce reused after %d calls", i)
		seen[n] = true
	}
}

func TestDecrypt_TamperDetection(t *testing.T) {
	c := newTestCipher(t)
	b, err := c.Encrypt([]byte(`{"host":"h","username":"u","password":"p"}`))
	require.NoError(t, err)

	flip := func(src []byte, bit int) []byte {
		out := append([]byte(nil), src...)
		out[bit/8] ^= 1 << (bit % 8)
		return out
	}

	for bit := 0; bit < len(b.Ciphertext)*8; bit++ {
		tampered := b
		tampered.Ciphertext = flip(b.Ciphertext, bit)
		_, err := c.Decrypt(tampered)
		require.ErrorIs(t, err, ErrIntegrity, "ciphertext bit %d", bit)
	}
	for bit := 0; bit < NonceSize*8; bit++ {
		tampered := b
		tampered.Nonce = flip(b.Nonce, bit)
		_, err := c.Decrypt(tampered)
		require.ErrorIs(t, err, ErrIntegrity, "nonce bit %d", bit)
	}
	for bit := 0; bit < TagSize*8; bit++ {
		tampered := b
		tampered.Tag = flip(b.Tag, bit)
		_, err := c.Decrypt(tampered)
		require.ErrorIs(t, err, ErrIntegrity, "tag bit %d", bit)
	}
}

func TestDecrypt_MalformedBundle(t *testing.T) {
	c := newTestCipher(t)
	b, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	short := b
	short.Tag = b.Tag[:TagSize-1]
	_, err = c.Decrypt(short)
	assert.ErrorIs(t, err, ErrIntegrity)

	noNonce := b
	noNonce.Nonce = nil
	_, err = c.Decrypt(noNonce)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDecrypt_WrongKey(t *testing.T) {
	a := newTestCipher(t)
	other, err := NewCipher(testKey(0x07))
	require.NoError(t, err)

	b, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Decrypt(b)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDecrypt_PreviousKeyDuringRotation(t *testing.T) {
	oldKey, newKey := testKey(0x01), testKey(0x02)
	old, err := NewCipher(oldKey)
	require.NoError(t, err)
	b, err := old.Encrypt([]byte("sealed before rotation"))
	require.NoError(t, err)

	rotated, err := NewCipher(newKey, oldKey)
	require.NoError(t, err)
	out, err := rotated.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, "sealed before rotation", string(out))

	// New bundles are sealed with the new key only.
	nb, err := rotated.Encrypt([]byte("fresh"))
	require.NoError(t, err)
	_, err = old.Decrypt(nb)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestIntegrityErrorIsPermanent(t *testing.T) {
	var p interface{ Permanent() bool }
	require.True(t, errors.As(ErrIntegrity, &p))
	assert.True(t, p.Permanent())
}

func TestNewCipher_RejectsBadKeyLength(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	assert.Error(t, err)

	_, err = NewCipher(testKey(1), make([]byte, 31))
	assert.Error(t, err)
}

func TestParseKey_Encodings(t *testing.T) {
	gen, err := GenerateKey()
	require.NoError(t, err)
	k, err := ParseKey(gen)
	require.NoError(t, err)
	assert.Len(t, k, KeySize)

	hexKey := hex.EncodeToString(testKey(0xAB))
	k, err = ParseKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, testKey(0xAB), k)

	_, err = ParseKey("not-a-key")
	assert.Error(t, err)
}

func TestNewCipherFromStrings(t *testing.T) {
	_, err := NewCipherFromStrings("", nil)
	assert.Error(t, err)

	primary, err := GenerateKey()
	require.NoError(t, err)
	prev, err := GenerateKey()
	require.NoError(t, err)

	c, err := NewCipherFromStrings(primary, []string{"", prev})
	require.NoError(t, err)
	assert.Len(t, c.previous, 1)
}

func TestBundle_JSONShape(t *testing.T) {
	c := newTestCipher(t)
	b, err := c.Encrypt([]byte("x"))
	require.NoError(t, err)

	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, field := range []string{"ciphertext", "nonce", "tag"} {
		assert.Contains(t, m, field)
	}

	var back Bundle
	require.NoError(t, json.Unmarshal(raw, &back))
	out, err := c.Decrypt(back)
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))
}
