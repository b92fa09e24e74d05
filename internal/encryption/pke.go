package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/meshtalk/callkit/internal/helpers"
)

const (
	x25519PrivateKeySize = 32
	x25519PublicKeySize  = 32

	aesKeySize   = 32
	aesNonceSize = 12
	gcmTagSize   = 16
)

// SealToRecipient encrypts a control payload to one recipient device
// using ECIES over X25519 with AES-256-GCM. The relay forwards the
// result without being able to read it.
//
// Output layout: ephemeralPublic (32) || nonce (12) || ciphertext+tag.
func SealToRecipient(recipientPublicKey, plaintext []byte) ([]byte, error) {
	if len(recipientPublicKey) != x25519PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", x25519PublicKeySize, len(recipientPublicKey))
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}

	ephemeralPrivate := make([]byte, x25519PrivateKeySize)
	if _, err := io.ReadFull(rand.Reader, ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ephemeral public key: %w", err)
	}

	sharedSecret, err := curve25519.X25519(ephemeralPrivate, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer helpers.WipeBytes(sharedSecret)

	aesKey, err := deriveKey(sharedSecret, ephemeralPublic, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer helpers.WipeBytes(aesKey)

	gcm, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, ephemeralPublic)

	return helpers.ConcatBytes(ephemeralPublic, nonce, ciphertext), nil
}

// OpenWithPrivateKey reverses SealToRecipient with the recipient's
// X25519 private key.
func OpenWithPrivateKey(privateKey, sealed []byte) ([]byte, error) {
	if len(privateKey) != x25519PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size: expected %d, got %d", x25519PrivateKeySize, len(privateKey))
	}

	minSize := x25519PublicKeySize + aesNonceSize + gcmTagSize
	if len(sealed) < minSize {
		return nil, fmt.Errorf("ciphertext too short: minimum %d bytes required", minSize)
	}

	ephemeralPublic := sealed[:x25519PublicKeySize]
	nonce := sealed[x25519PublicKeySize : x25519PublicKeySize+aesNonceSize]
	encrypted := sealed[x25519PublicKeySize+aesNonceSize:]

	myPublicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}

	sharedSecret, err := curve25519.X25519(privateKey, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer helpers.WipeBytes(sharedSecret)

	aesKey, err := deriveKey(sharedSecret, ephemeralPublic, myPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer helpers.WipeBytes(aesKey)

	gcm, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, encrypted, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// Keygen generates a fresh X25519 keypair for a device.
func Keygen() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, x25519PrivateKeySize)
	if _, err := io.ReadFull(rand.Reader, privateKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute public key: %w", err)
	}

	return privateKey, publicKey, nil
}

// deriveKey derives the AES key from the shared secret with HKDF-SHA256,
// bound to both public keys.
func deriveKey(sharedSecret, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	info := helpers.ConcatBytes(ephemeralPublic, recipientPublic)

	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, info)
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}

	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
