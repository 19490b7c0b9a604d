package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

func TestSeal_OpenRoundtrip(t *testing.T) {
	plaintext := []byte(`{"shared_secret":"c2VjcmV0","token":"abc"}`)
	passphrase := "strong-passphrase-42"

	ciphertext, salt, nonce, err := SealWithPassphrase(plaintext, passphrase)
	if err != nil {
		t.Fatalf("SealWithPassphrase failed: %v", err)
	}

	opened, err := OpenWithPassphrase(ciphertext, passphrase, salt, nonce)
	if err != nil {
		t.Fatalf("OpenWithPassphrase failed: %v", err)
	}

	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("opened text does not match original: got %q, want %q", opened, plaintext)
	}
}

func TestOpen_WrongPassphraseIsCryptoError(t *testing.T) {
	ciphertext, salt, nonce, err := SealWithPassphrase([]byte("secret data"), "correct")
	if err != nil {
		t.Fatalf("SealWithPassphrase failed: %v", err)
	}

	_, err = OpenWithPassphrase(ciphertext, "wrong", salt, nonce)
	if !errors.Is(err, media.ErrCrypto) {
		t.Fatalf("expected ErrCrypto, got %v", err)
	}
}

func TestOpen_BadNonce(t *testing.T) {
	ciphertext, salt, _, err := SealWithPassphrase([]byte("x"), "p")
	if err != nil {
		t.Fatalf("SealWithPassphrase failed: %v", err)
	}
	if _, err := OpenWithPassphrase(ciphertext, "p", salt, []byte{1, 2}); !errors.Is(err, media.ErrCrypto) {
		t.Fatalf("expected ErrCrypto for short nonce, got %v", err)
	}
}

func TestSeal_CiphertextDiffersFromPlaintext(t *testing.T) {
	plaintext := []byte("this should be encrypted, not stored in plain")

	ciphertext, _, _, err := SealWithPassphrase(plaintext, "p")
	if err != nil {
		t.Fatalf("SealWithPassphrase failed: %v", err)
	}

	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext should not contain the plaintext")
	}
}
