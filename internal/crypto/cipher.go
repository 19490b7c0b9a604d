// Package crypto implements the engine's cryptography: AES-CBC for payloads,
// URL query protection and key headers, plus passphrase sealing for stored
// credentials.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// streamChunk is the read size for file encryption. Must be a multiple of
// aes.BlockSize.
const streamChunk = 64 * 1024

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv length %d: %w", len(iv), media.ErrCrypto)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("key length %d: %w", len(key), media.ErrCrypto)
	}
	return block, nil
}

// CBCEncrypt encrypts plaintext with AES-CBC and PKCS#7 padding.
func CBCEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	out := pkcs7Pad(plaintext)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, out)
	return out, nil
}

// CBCDecrypt reverses CBCEncrypt. Misaligned input and bad padding both
// report ErrCrypto without saying which.
func CBCDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("decrypt: %w", media.ErrCrypto)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// EncryptStream encrypts src into dst chunk by chunk so large payloads never
// sit in memory whole. Returns the number of ciphertext bytes written.
func EncryptStream(dst io.Writer, src io.Reader, key, iv []byte) (int64, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return 0, err
	}
	mode := cipher.NewCBCEncrypter(block, iv)
	buf := make([]byte, streamChunk)
	var written int64

	for {
		n, rerr := io.ReadFull(src, buf)
		if rerr == nil {
			mode.CryptBlocks(buf, buf)
			w, err := dst.Write(buf)
			written += int64(w)
			if err != nil {
				return written, fmt.Errorf("write ciphertext: %v: %w", err, media.ErrIO)
			}
			continue
		}
		if rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return written, fmt.Errorf("read plaintext: %v: %w", rerr, media.ErrIO)
		}
		final := pkcs7Pad(buf[:n])
		mode.CryptBlocks(final, final)
		w, err := dst.Write(final)
		written += int64(w)
		if err != nil {
			return written, fmt.Errorf("write ciphertext: %v: %w", err, media.ErrIO)
		}
		return written, nil
	}
}

// DecryptStream decrypts src into dst. The last block is held back until the
// end of input so the padding can be stripped.
func DecryptStream(dst io.Writer, src io.Reader, key, iv []byte) (int64, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return 0, err
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	buf := make([]byte, streamChunk)
	var pending []byte
	var written int64

	write := func(p []byte) error {
		w, err := dst.Write(p)
		written += int64(w)
		if err != nil {
			return fmt.Errorf("write plaintext: %v: %w", err, media.ErrIO)
		}
		return nil
	}

	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if n%aes.BlockSize != 0 {
				return written, fmt.Errorf("decrypt: %w", media.ErrCrypto)
			}
			chunk := buf[:n]
			mode.CryptBlocks(chunk, chunk)
			if pending != nil {
				if err := write(pending); err != nil {
					return written, err
				}
			}
			if err := write(chunk[:n-aes.BlockSize]); err != nil {
				return written, err
			}
			pending = append(pending[:0], chunk[n-aes.BlockSize:]...)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read ciphertext: %v: %w", rerr, media.ErrIO)
		}
	}

	if pending == nil {
		return written, fmt.Errorf("decrypt: empty ciphertext: %w", media.ErrCrypto)
	}
	last, err := pkcs7Unpad(pending)
	if err != nil {
		return written, err
	}
	return written, write(last)
}

func pkcs7Pad(p []byte) []byte {
	n := aes.BlockSize - len(p)%aes.BlockSize
	out := make([]byte, len(p), len(p)+n)
	copy(out, p)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(p []byte) ([]byte, error) {
	if len(p) == 0 || len(p)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("decrypt: %w", media.ErrCrypto)
	}
	n := int(p[len(p)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("decrypt: %w", media.ErrCrypto)
	}
	for _, b := range p[len(p)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("decrypt: %w", media.ErrCrypto)
		}
	}
	return p[:len(p)-n], nil
}
