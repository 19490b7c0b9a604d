package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveKey_ProducesDeterministicOutput(t *testing.T) {
	passphrase := "test-passphrase-123"
	salt := []byte("0123456789abcdef0123456789abcdef") // 32 bytes

	key1 := DeriveKey(passphrase, salt)
	key2 := DeriveKey(passphrase, salt)

	if len(key1) != 32 {
		t.Fatalf("expected key length 32, got %d", len(key1))
	}

	if !bytes.Equal(key1, key2) {
		t.Fatal("same passphrase and salt should produce the same key")
	}
}

func TestDeriveKey_DifferentPassphrasesDifferentKeys(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")

	key1 := DeriveKey("passphrase-one", salt)
	key2 := DeriveKey("passphrase-two", salt)

	if bytes.Equal(key1, key2) {
		t.Fatal("different passphrases should produce different keys")
	}
}

func TestGenerateSalt(t *testing.T) {
	salt1 := GenerateSalt()
	salt2 := GenerateSalt()

	if len(salt1) != 32 || len(salt2) != 32 {
		t.Fatalf("expected salt length 32, got %d and %d", len(salt1), len(salt2))
	}

	if bytes.Equal(salt1, salt2) {
		t.Fatal("two generated salts should not be equal")
	}
}

func TestRandomBytes(t *testing.T) {
	if got := len(RandomBytes(16)); got != 16 {
		t.Fatalf("RandomBytes(16) length: got %d", got)
	}
	if bytes.Equal(RandomBytes(16), RandomBytes(16)) {
		t.Fatal("two random draws should differ")
	}
}
