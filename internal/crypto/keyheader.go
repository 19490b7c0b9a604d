package crypto

import (
	"crypto/aes"
	"encoding/base64"
	"fmt"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// KeyHeader is the per-payload AES key and IV. It lives for one
// encrypt or decrypt and is never persisted.
type KeyHeader struct {
	AESKey []byte
	IV     []byte
}

// EncryptedKeyHeader is a KeyHeader encrypted under the shared secret, as
// carried in the sharedsecretencryptedheader64 response header.
type EncryptedKeyHeader struct {
	IV              []byte
	EncryptedAESKey []byte
}

// Base64 renders the header in its wire form: iv followed by ciphertext.
func (h EncryptedKeyHeader) Base64() string {
	b := make([]byte, 0, len(h.IV)+len(h.EncryptedAESKey))
	b = append(b, h.IV...)
	b = append(b, h.EncryptedAESKey...)
	return base64.StdEncoding.EncodeToString(b)
}

// SplitEncryptedKeyHeader parses the wire form of an encrypted key header.
func SplitEncryptedKeyHeader(header64 string) (EncryptedKeyHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(header64)
	if err != nil {
		return EncryptedKeyHeader{}, fmt.Errorf("decode key header: %w", media.ErrCrypto)
	}
	if len(raw) <= aes.BlockSize {
		return EncryptedKeyHeader{}, fmt.Errorf("key header too short (%d bytes): %w", len(raw), media.ErrCrypto)
	}
	return EncryptedKeyHeader{IV: raw[:aes.BlockSize], EncryptedAESKey: raw[aes.BlockSize:]}, nil
}

// DecryptKeyHeader unwraps an encrypted key header with the shared secret.
// The plaintext is the payload IV followed by the AES key.
func DecryptKeyHeader(h EncryptedKeyHeader, sharedSecret []byte) (KeyHeader, error) {
	if err := checkSharedSecret(sharedSecret); err != nil {
		return KeyHeader{}, err
	}
	pt, err := CBCDecrypt(h.EncryptedAESKey, sharedSecret, h.IV)
	if err != nil {
		return KeyHeader{}, fmt.Errorf("key header: %w", err)
	}
	switch len(pt) - aes.BlockSize {
	case 16, 32:
	default:
		return KeyHeader{}, fmt.Errorf("key header: plaintext length %d: %w", len(pt), media.ErrCrypto)
	}
	return KeyHeader{IV: pt[:aes.BlockSize], AESKey: pt[aes.BlockSize:]}, nil
}

// EncryptKeyHeader wraps kh under the shared secret with a fresh transfer IV.
func EncryptKeyHeader(kh KeyHeader, sharedSecret []byte) (EncryptedKeyHeader, error) {
	if err := checkSharedSecret(sharedSecret); err != nil {
		return EncryptedKeyHeader{}, err
	}
	if len(kh.IV) != aes.BlockSize {
		return EncryptedKeyHeader{}, fmt.Errorf("key header iv length %d: %w", len(kh.IV), media.ErrCrypto)
	}
	pt := make([]byte, 0, len(kh.IV)+len(kh.AESKey))
	pt = append(pt, kh.IV...)
	pt = append(pt, kh.AESKey...)

	iv := RandomBytes(aes.BlockSize)
	ct, err := CBCEncrypt(pt, sharedSecret, iv)
	if err != nil {
		return EncryptedKeyHeader{}, err
	}
	return EncryptedKeyHeader{IV: iv, EncryptedAESKey: ct}, nil
}

// GenerateKeyHeader returns a key header for content about to be encrypted.
// A nil aesKey gets a fresh 128-bit key.
func GenerateKeyHeader(aesKey []byte) KeyHeader {
	if aesKey == nil {
		aesKey = RandomBytes(16)
	}
	return KeyHeader{AESKey: aesKey, IV: RandomBytes(aes.BlockSize)}
}
