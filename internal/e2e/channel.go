// Package e2e implements the end-to-end encrypted channel between agent and
// viewer: ephemeral ECDH P-256 key agreement, HKDF-SHA256 key derivation and
// AES-256-GCM framing. The relay forwards these frames without the key.
package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// hkdfSalt and hkdfInfo pin the derivation context; both peers must agree.
	hkdfSalt = "servidesk-e2e"
	hkdfInfo = "aes-key"

	keySize         = 32
	nonceSize       = 12
	noncePrefixSize = 4
	publicKeySize   = 65 // uncompressed P-256 point, leading 0x04
)

var (
	ErrNotReady     = errors.New("e2e: shared key not derived")
	ErrBadPublicKey = errors.New("e2e: invalid peer public key")
	ErrBadPacket    = errors.New("e2e: ciphertext too short")
)

// Channel holds the per-connection E2E state. A Channel is created per
// session; Reset must be called before it is reused for another peer.
type Channel struct {
	mu          sync.Mutex
	private     *ecdh.PrivateKey
	aead        cipher.AEAD
	noncePrefix [noncePrefixSize]byte
	counter     uint64 // incremented before every seal; never reused per key
}

// NewChannel generates a fresh ephemeral key pair and nonce prefix.
func NewChannel() (*Channel, error) {
	c := &Channel{}
	if err := c.generate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) generate() error {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("e2e: generate key pair: %w", err)
	}
	var prefix [noncePrefixSize]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return fmt.Errorf("e2e: generate nonce prefix: %w", err)
	}
	c.private = private
	c.noncePrefix = prefix
	c.counter = 0
	return nil
}

// PublicKey returns the local public key as base64 of the 65-byte
// uncompressed point, the wire form of e2e_key_exchange.
func (c *Channel) PublicKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.private == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(c.private.PublicKey().Bytes())
}

// DeriveSharedKey completes the handshake with the peer's base64 public key.
// The 32-byte symmetric key is HKDF-SHA256 over the raw ECDH shared secret.
func (c *Channel) DeriveSharedKey(peerPublicB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(peerPublicB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(raw) != publicKeySize || raw[0] != 0x04 {
		return ErrBadPublicKey
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.private == nil {
		return ErrNotReady
	}
	secret, err := c.private.ECDH(peer)
	if err != nil {
		return fmt.Errorf("e2e: ecdh: %w", err)
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("e2e: hkdf: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("e2e: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("e2e: gcm: %w", err)
	}
	c.aead = aead
	c.counter = 0
	return nil
}

// IsReady reports whether a shared key has been derived. Binary frames are
// sent plaintext while this is false (legacy fallback).
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aead != nil
}

// Encrypt seals plaintext into [12B nonce][ciphertext][16B tag]. The nonce
// is the 4-byte random prefix followed by a little-endian counter that is
// incremented before each seal.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, ErrNotReady
	}
	c.counter++
	nonce := make([]byte, nonceSize)
	copy(nonce, c.noncePrefix[:])
	binary.LittleEndian.PutUint64(nonce[noncePrefixSize:], c.counter)
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a frame produced by the peer's Encrypt. Failure means the
// caller drops the packet; it never terminates the session.
func (c *Channel) Decrypt(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aead == nil {
		return nil, ErrNotReady
	}
	if len(data) < nonceSize+c.aead.Overhead() {
		return nil, ErrBadPacket
	}
	return c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
}

// Reset clears the key pair, derived key and nonce state atomically and
// generates a fresh ephemeral key pair for the next handshake.
func (c *Channel) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aead = nil
	return c.generate()
}

// Counter exposes the nonce counter for diagnostics and tests.
func (c *Channel) Counter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
