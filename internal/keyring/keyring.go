// Package keyring derives room keys from shared passwords and seals payloads
// with them.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 iteration count shared by every client in a room.
	Iterations = 100000
	// KeySize selects AES-256.
	KeySize = 32

	nonceSize = 12
)

var (
	// ErrTruncated is returned when a sealed payload is too short to contain
	// the declared nonce and a ciphertext.
	ErrTruncated = errors.New("sealed payload truncated")
	// ErrAuthentication is returned when the payload fails to authenticate
	// under the given key.
	ErrAuthentication = errors.New("message authentication failed")
)

// Derive computes the symmetric room key. The room name doubles as the salt
// so the same password yields different keys in different rooms.
func Derive(password, roomName string) []byte {
	return pbkdf2.Key([]byte(password), []byte(roomName), Iterations, KeySize, sha256.New)
}

// Seal encrypts plaintext under key. The envelope layout is
// [nonce_length:1][nonce][ciphertext] with a fresh random 96-bit nonce.
func Seal(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := make([]byte, 0, 1+nonceSize+len(plaintext)+gcm.Overhead())
	sealed = append(sealed, byte(nonceSize))
	sealed = append(sealed, nonce...)
	sealed = gcm.Seal(sealed, nonce, plaintext, nil)
	return sealed, nil
}

// Open decrypts a sealed payload. It reads the declared nonce length, slices
// the nonce, then the ciphertext, and fails closed when authentication fails.
func Open(sealed, key []byte) ([]byte, error) {
	if len(sealed) < 2 {
		return nil, ErrTruncated
	}
	nonceLen := int(sealed[0])
	if len(sealed) < 1+nonceLen {
		return nil, ErrTruncated
	}
	nonce := sealed[1 : 1+nonceLen]
	ciphertext := sealed[1+nonceLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
