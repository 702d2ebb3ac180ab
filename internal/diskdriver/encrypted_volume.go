package diskdriver

import (
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// Key is a zero-on-drop container for a per-tenant volume key (spec §9
// "Ownership and zeroization"). Callers must call Wipe on every exit
// path once the key is no longer needed.
type Key struct {
	bytes [chacha20poly1305.KeySize]byte
}

// NewKey copies raw into a Key; raw should itself be wiped by the
// caller's KeyProvider once copied.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != chacha20poly1305.KeySize {
		return nil, ferr.New(ferr.KindCrypto, "key must be 32 bytes")
	}
	k := &Key{}
	copy(k.bytes[:], raw)
	return k, nil
}

// Wipe zeroes the key material in place. Never log k.bytes before this
// is called, and never after either — the backing array is reused.
func (k *Key) Wipe() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// EncryptedVolume wraps a data volume's bytes with an AEAD seal
// (format: nonce || ciphertext || tag, spec §4.6/§4.4).
type EncryptedVolume struct {
	aead cipher.AEAD
}

// Open constructs the AEAD cipher for key. Named "Open" to mirror the
// spec's open_encrypted_volume/close pairing; no handle or file
// descriptor is held beyond the cipher itself.
func Open(key *Key) (*EncryptedVolume, error) {
	aead, err := chacha20poly1305.New(key.bytes[:])
	if err != nil {
		return nil, ferr.Wrap(ferr.KindCrypto, "constructing AEAD cipher", err)
	}
	return &EncryptedVolume{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext||tag.
func (v *EncryptedVolume) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, ferr.Wrap(ferr.KindCrypto, "generating nonce", err)
	}
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Open decrypts a nonce||ciphertext||tag blob. A single flipped
// ciphertext byte fails authentication (spec testable property 8).
func (v *EncryptedVolume) Open(blob []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(blob) < n {
		return nil, ferr.New(ferr.KindCrypto, "ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:n], blob[n:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindCrypto, "authentication failed", err)
	}
	return plaintext, nil
}

// Close releases the cipher. The underlying key must be wiped
// separately by the caller that owns the *Key.
func (v *EncryptedVolume) Close() {
	v.aead = nil
}
