package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

const aesNonceLen = 12

// SealWithPassphrase encrypts plaintext with AES-256-GCM under a key derived
// from passphrase. Used for credentials at rest, never for payloads.
func SealWithPassphrase(plaintext []byte, passphrase string) (ciphertext, salt, nonce []byte, err error) {
	salt = GenerateSalt()
	key := DeriveKey(passphrase, salt)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, aesNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, salt, nonce, nil
}

// OpenWithPassphrase reverses SealWithPassphrase. A wrong passphrase and a
// tampered ciphertext fail the same way.
func OpenWithPassphrase(ciphertext []byte, passphrase string, salt, nonce []byte) ([]byte, error) {
	key := DeriveKey(passphrase, salt)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("open: nonce length %d: %w", len(nonce), media.ErrCrypto)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", media.ErrCrypto)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", media.ErrCrypto)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", media.ErrCrypto)
	}
	return gcm, nil
}
