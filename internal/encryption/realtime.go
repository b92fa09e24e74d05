package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Realtime in-call messages (chat, mute, resume, end) are symmetric:
// every participant holds the 32-byte call key distributed at call
// setup, and each sender encrypts under a key derived from the call key
// and its own identity. A receiver derives the sender's key from the
// identity on the packet, so one compromised frame never exposes
// another sender's traffic.

const callKeySize = 32

// NewCallKey generates a fresh symmetric key for a call.
func NewCallKey() ([]byte, error) {
	key := make([]byte, callKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate call key: %w", err)
	}
	return key, nil
}

// SenderKey derives the per-sender AES key from the call key and the
// sender's full identity ("uid.deviceId").
func SenderKey(callKey []byte, senderIdentity string) ([]byte, error) {
	if len(callKey) != callKeySize {
		return nil, fmt.Errorf("invalid call key size: expected %d, got %d", callKeySize, len(callKey))
	}
	if senderIdentity == "" {
		return nil, fmt.Errorf("sender identity cannot be empty")
	}

	hkdfReader := hkdf.New(sha256.New, callKey, nil, []byte(senderIdentity))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealRealtime encrypts a realtime payload as the given sender.
// Output layout: nonce (12) || ciphertext+tag.
func SealRealtime(callKey []byte, senderIdentity string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}

	key, err := SenderKey(callKey, senderIdentity)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(senderIdentity))

	result := make([]byte, 0, aesNonceSize+len(ciphertext))
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// OpenRealtime decrypts a realtime payload sealed by senderIdentity.
func OpenRealtime(callKey []byte, senderIdentity string, sealed []byte) ([]byte, error) {
	minSize := aesNonceSize + gcmTagSize
	if len(sealed) < minSize {
		return nil, fmt.Errorf("ciphertext too short: minimum %d bytes required", minSize)
	}

	key, err := SenderKey(callKey, senderIdentity)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := sealed[:aesNonceSize]
	encrypted := sealed[aesNonceSize:]

	plaintext, err := gcm.Open(nil, nonce, encrypted, []byte(senderIdentity))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
