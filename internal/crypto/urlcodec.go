package crypto

import (
	"crypto/aes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// EncryptedQuery is the JSON carried, base64 encoded, in the ss parameter.
type EncryptedQuery struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// EncryptURL replaces the query string of rawURL with a single ss parameter
// holding the query encrypted under sharedSecret. URLs without a query are
// returned unchanged. File and drive queries get a derived IV so the same
// request always encrypts to the same URL.
func EncryptURL(rawURL string, sharedSecret []byte) (string, error) {
	base, query, ok := strings.Cut(rawURL, "?")
	if !ok || query == "" {
		return rawURL, nil
	}
	if err := checkSharedSecret(sharedSecret); err != nil {
		return "", err
	}

	iv := queryIV(query)
	if iv == nil {
		iv = RandomBytes(aes.BlockSize)
	}

	ct, err := CBCEncrypt([]byte(query), sharedSecret, iv)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(EncryptedQuery{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("encode query: %w", err)
	}
	ss := base64.StdEncoding.EncodeToString(payload)
	return base + "?ss=" + url.QueryEscape(ss), nil
}

// queryIV derives the IV for a query string, or returns nil when the query
// should use a random one.
func queryIV(query string) []byte {
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil
	}

	var unique string
	switch {
	case params.Has("fileId"):
		key := param(params, "key")
		if key == "null" {
			key = param(params, "payloadKey")
		}
		unique = fmt.Sprintf("%s %s-%sx%s",
			param(params, "fileId"), key, param(params, "height"), param(params, "width"))
	case params.Has("alias"):
		unique = query
	default:
		return nil
	}

	sum := sha1.Sum([]byte(unique))
	return sum[:aes.BlockSize]
}

// param renders a missing or empty parameter as "null", the form the hosts
// hash when deriving the same IV.
func param(v url.Values, name string) string {
	if s := v.Get(name); s != "" {
		return s
	}
	return "null"
}

// DecryptURLQuery recovers the plaintext parameters from a URL produced by
// EncryptURL. URLs without an ss parameter have their query parsed as is.
func DecryptURLQuery(rawURL string, sharedSecret []byte) (url.Values, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	ss := q.Get("ss")
	if ss == "" {
		return q, nil
	}
	if err := checkSharedSecret(sharedSecret); err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(ss)
	if err != nil {
		return nil, fmt.Errorf("decode ss: %w", media.ErrCrypto)
	}
	var payload EncryptedQuery
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode ss: %w", media.ErrCrypto)
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", media.ErrCrypto)
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", media.ErrCrypto)
	}
	pt, err := CBCDecrypt(ct, sharedSecret, iv)
	if err != nil {
		return nil, err
	}
	values, err := url.ParseQuery(string(pt))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", media.ErrCrypto)
	}
	return values, nil
}

func checkSharedSecret(ss []byte) error {
	switch len(ss) {
	case 16, 24, 32:
		return nil
	case 0:
		return fmt.Errorf("shared secret missing: %w", media.ErrCrypto)
	}
	return fmt.Errorf("shared secret length %d: %w", len(ss), media.ErrCrypto)
}
