package crypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte { return bytes.Repeat([]byte{b}, KeySize) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("k1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, r.Register("k1", []byte("short")), ErrInvalidKeySize)
	require.NoError(t, r.Register("k1", testKey(1)))

	k, err := r.Lookup("k1")
	require.NoError(t, err)
	assert.Equal(t, testKey(1), k[:])
}

func TestRegistry_Embedded(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	calls := 0
	r.SetEmbeddedResolver(func() (Key, error) {
		calls++
		var k Key
		copy(k[:], testKey(7))
		return k, nil
	})

	for range 3 {
		k, err := r.Lookup("")
		require.NoError(t, err)
		assert.Equal(t, byte(7), k[0])
	}
	assert.Equal(t, 1, calls, "embedded key is resolved once")

	r.SetEmbeddedResolver(func() (Key, error) { return Key{}, errors.New("no key") })
	_, err = r.Lookup("")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, r.Register("", testKey(9)))
	k, err := r.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, byte(9), k[0])
}

func TestEncryptDecrypt(t *testing.T) {
	var key Key
	copy(key[:], testKey(3))

	plain := bytes.Repeat([]byte("0123456789abcdef"), 8)
	data := append([]byte(nil), plain...)

	require.NoError(t, EncryptInPlace(key, data))
	assert.NotEqual(t, plain, data)
	require.NoError(t, DecryptInPlace(key, data))
	assert.Equal(t, plain, data)

	assert.ErrorIs(t, DecryptInPlace(key, make([]byte, 15)), ErrUnaligned)
}

func TestPaddedLen(t *testing.T) {
	assert.Equal(t, int64(0), PaddedLen(0))
	assert.Equal(t, int64(16), PaddedLen(1))
	assert.Equal(t, int64(16), PaddedLen(16))
	assert.Equal(t, int64(32), PaddedLen(17))
}
