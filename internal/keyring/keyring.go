// Package keyring provides the key agreement and authenticated
// encryption used by the end-to-end encrypted channel between the app
// and bridge peers. It uses X25519 for key exchange, HKDF-SHA256 for
// key derivation and XChaCha20-Poly1305 for sealing. The broker never
// holds any of this material.
package keyring

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and XChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of XChaCha20-Poly1305 nonces in bytes.
	// The extended nonce makes fresh random nonces collision-safe for
	// the message volumes a pairing session can produce.
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "pairlink-e2e-v1"
)

var (
	// ErrNoSharedKey is returned by Seal/Open before a shared key has
	// been derived. This indicates a sequencing bug in the caller.
	ErrNoSharedKey = errors.New("no shared key derived")

	// ErrAuthenticationFailed is returned when opening a sealed payload
	// fails integrity verification: wrong key, corruption or tampering.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidPeerKey is returned for a zero or low-order peer key.
	ErrInvalidPeerKey = errors.New("invalid peer public key")
)

// GenerateKeyPair generates a new X25519 keypair.
func GenerateKeyPair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// Keyring holds one peer's keypair and, once the counterpart public key
// has arrived, the derived shared session key. It is safe for
// concurrent use.
type Keyring struct {
	privateKey [KeySize]byte
	publicKey  [KeySize]byte

	mu        sync.Mutex
	sharedKey [KeySize]byte
	hasShared bool
	peerKey   [KeySize]byte
}

// New creates a keyring around an existing keypair.
func New(privateKey, publicKey [KeySize]byte) *Keyring {
	return &Keyring{
		privateKey: privateKey,
		publicKey:  publicKey,
	}
}

// NewEphemeral creates a keyring with a freshly generated keypair.
func NewEphemeral() (*Keyring, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv, pub), nil
}

// PublicKey returns the local public key.
func (k *Keyring) PublicKey() [KeySize]byte {
	return k.publicKey
}

// HasSharedKey reports whether a shared key has been derived.
func (k *Keyring) HasSharedKey() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hasShared
}

// PeerPublicKey returns the counterpart public key the shared key was
// derived from, and whether one has been set.
func (k *Keyring) PeerPublicKey() ([KeySize]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.peerKey, k.hasShared
}

// DeriveSharedKey computes the symmetric session key from the
// counterpart's public key. The derivation is a pure function of the
// two public keys and the local private key, so both peers arrive at
// the same key independently. Calling it again with a different peer
// key re-keys the session; that is the explicit re-pairing path and
// must never happen implicitly mid-session.
func (k *Keyring) DeriveSharedKey(peerPublic [KeySize]byte) error {
	var zero [KeySize]byte
	if peerPublic == zero {
		return ErrInvalidPeerKey
	}

	var secret [KeySize]byte
	curve25519.ScalarMult(&secret, &k.privateKey, &peerPublic)
	if secret == zero {
		return fmt.Errorf("%w: low-order point", ErrInvalidPeerKey)
	}
	defer zeroKey(&secret)

	// Salt is the two public keys in lexicographic order so both sides
	// build the identical derivation input.
	salt := make([]byte, KeySize*2)
	if bytes.Compare(k.publicKey[:], peerPublic[:]) <= 0 {
		copy(salt[:KeySize], k.publicKey[:])
		copy(salt[KeySize:], peerPublic[:])
	} else {
		copy(salt[:KeySize], peerPublic[:])
		copy(salt[KeySize:], k.publicKey[:])
	}

	reader := hkdf.New(sha256.New, secret[:], salt, []byte(hkdfInfo))

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := io.ReadFull(reader, k.sharedKey[:]); err != nil {
		return fmt.Errorf("derive shared key: %w", err)
	}
	k.peerKey = peerPublic
	k.hasShared = true
	return nil
}

// Seal encrypts plaintext under the shared key with a fresh random
// nonce. It fails with ErrNoSharedKey before DeriveSharedKey.
func (k *Keyring) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	k.mu.Lock()
	if !k.hasShared {
		k.mu.Unlock()
		return nil, nil, ErrNoSharedKey
	}
	key := k.sharedKey
	k.mu.Unlock()
	defer zeroKey(&key)

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts a sealed payload. It fails with ErrNoSharedKey before
// derivation and ErrAuthenticationFailed when the integrity check
// fails; the latter must be treated as a security event by the caller,
// not retried.
func (k *Keyring) Open(nonce, ciphertext []byte) ([]byte, error) {
	k.mu.Lock()
	if !k.hasShared {
		k.mu.Unlock()
		return nil, ErrNoSharedKey
	}
	key := k.sharedKey
	k.mu.Unlock()
	defer zeroKey(&key)

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrAuthenticationFailed, len(nonce))
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Zero clears all key material. The keyring is unusable afterwards.
func (k *Keyring) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	zeroKey(&k.privateKey)
	zeroKey(&k.sharedKey)
	zeroKey(&k.peerKey)
	k.hasShared = false
}

// zeroKey zeroes out a key array.
func zeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
