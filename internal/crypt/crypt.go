package crypt

import (
	"crypto/aes"
	"errors"
	"fmt"
	"sync"
)

// BlockSize is the cipher block size; encrypted spans are padded to it.
const BlockSize = aes.BlockSize

// KeySize is the length of an AES-256 key.
const KeySize = 32

var (
	// ErrKeyNotFound is returned when no key is registered for an id.
	ErrKeyNotFound = errors.New("crypt: key not found")
	// ErrInvalidKeySize is returned for keys that are not 32 bytes long.
	ErrInvalidKeySize = errors.New("crypt: key must be 32 bytes")
	// ErrUnaligned is returned when ciphertext is not a multiple of BlockSize.
	ErrUnaligned = errors.New("crypt: data is not block aligned")
)

// Key is an AES-256 key.
type Key [KeySize]byte

// Resolver produces the embedded key on demand.
type Resolver func() (Key, error)

// Registry maps key ids to keys. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	keys     map[string]Key
	embedded Resolver
	resolved *Key
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]Key)}
}

// Register adds or replaces the key for id. The empty id sets the embedded
// key directly.
func (r *Registry) Register(id string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d", ErrInvalidKeySize, len(key))
	}
	var k Key
	copy(k[:], key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.resolved = &k
		return nil
	}
	r.keys[id] = k
	return nil
}

// SetEmbeddedResolver installs the resolver consulted for the empty key id.
// A previously resolved embedded key is forgotten.
func (r *Registry) SetEmbeddedResolver(fn Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedded = fn
	r.resolved = nil
}

// Lookup returns the key registered for id.
func (r *Registry) Lookup(id string) (Key, error) {
	r.mu.RLock()
	if id != "" {
		k, ok := r.keys[id]
		r.mu.RUnlock()
		if !ok {
			return Key{}, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
		}
		return k, nil
	}
	if r.resolved != nil {
		k := *r.resolved
		r.mu.RUnlock()
		return k, nil
	}
	fn := r.embedded
	r.mu.RUnlock()

	if fn == nil {
		return Key{}, fmt.Errorf("%w: embedded key", ErrKeyNotFound)
	}
	k, err := fn()
	if err != nil {
		return Key{}, fmt.Errorf("%w: embedded key: %v", ErrKeyNotFound, err)
	}

	r.mu.Lock()
	r.resolved = &k
	r.mu.Unlock()
	return k, nil
}

// PaddedLen rounds n up to a multiple of BlockSize.
func PaddedLen(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// DecryptInPlace decrypts data block by block.
func DecryptInPlace(key Key, data []byte) error {
	if len(data)%BlockSize != 0 {
		return ErrUnaligned
	}
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += BlockSize {
		c.Decrypt(data[off:off+BlockSize], data[off:off+BlockSize])
	}
	return nil
}

// EncryptInPlace encrypts data block by block.
func EncryptInPlace(key Key, data []byte) error {
	if len(data)%BlockSize != 0 {
		return ErrUnaligned
	}
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += BlockSize {
		c.Encrypt(data[off:off+BlockSize], data[off:off+BlockSize])
	}
	return nil
}
