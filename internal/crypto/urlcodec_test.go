package crypto

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

var testSecret = []byte("0123456789abcdef")

func ssParam(t *testing.T, raw string) EncryptedQuery {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	ss := u.Query().Get("ss")
	require.NotEmpty(t, ss, "ss parameter missing from %s", raw)
	js, err := base64.StdEncoding.DecodeString(ss)
	require.NoError(t, err)
	var q EncryptedQuery
	require.NoError(t, json.Unmarshal(js, &q))
	return q
}

func TestEncryptURLIsDeterministicForFileRequests(t *testing.T) {
	raw := "https://alice.example/api/owner/v1/drive/files/thumb?alias=a&fileId=F&height=300&payloadKey=img&type=t&width=400"

	first, err := EncryptURL(raw, testSecret)
	require.NoError(t, err)
	second, err := EncryptURL(raw, testSecret)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, ssParam(t, first), ssParam(t, second))

	u, err := url.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, "/api/owner/v1/drive/files/thumb", u.Path)
	assert.Len(t, u.Query(), 1, "only ss should remain")
}

func TestEncryptURLDerivesIVFromFileSize(t *testing.T) {
	raw := "https://h/drive/files/thumb?fileId=F&payloadKey=img&width=400&height=300"
	enc, err := EncryptURL(raw, testSecret)
	require.NoError(t, err)

	sum := sha1.Sum([]byte("F img-300x400"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:16]), ssParam(t, enc).IV)
}

func TestEncryptURLMissingParamsHashAsNull(t *testing.T) {
	enc, err := EncryptURL("https://h/drive/files/payload?fileId=F&key=img", testSecret)
	require.NoError(t, err)

	sum := sha1.Sum([]byte("F img-nullxnull"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:16]), ssParam(t, enc).IV)
}

func TestEncryptURLDriveQueryHashesWholeQuery(t *testing.T) {
	query := "alias=a&type=t&maxRecords=10"
	enc, err := EncryptURL("https://h/drive/query/batch?"+query, testSecret)
	require.NoError(t, err)

	sum := sha1.Sum([]byte(query))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:16]), ssParam(t, enc).IV)
}

func TestEncryptURLRandomIVOtherwise(t *testing.T) {
	raw := "https://h/auth/verify?nonce=1"
	a, err := EncryptURL(raw, testSecret)
	require.NoError(t, err)
	b, err := EncryptURL(raw, testSecret)
	require.NoError(t, err)
	assert.NotEqual(t, ssParam(t, a).IV, ssParam(t, b).IV)
}

func TestEncryptURLWithoutQueryIsUnchanged(t *testing.T) {
	for _, raw := range []string{"https://h/drive/files/payload", "https://h/x?"} {
		got, err := EncryptURL(raw, nil)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
}

func TestEncryptURLRequiresSharedSecret(t *testing.T) {
	_, err := EncryptURL("https://h/x?fileId=1", nil)
	assert.True(t, errors.Is(err, media.ErrCrypto))

	_, err = EncryptURL("https://h/x?fileId=1", []byte("short"))
	assert.True(t, errors.Is(err, media.ErrCrypto))
}

func TestDecryptURLQueryRoundTrip(t *testing.T) {
	params := url.Values{}
	params.Set("alias", "photos")
	params.Set("type", "t1")
	params.Set("fileId", "F")
	params.Set("key", "img")
	params.Set("lastModified", "1700000000")

	enc, err := EncryptURL("https://h/drive/files/payload?"+params.Encode(), testSecret)
	require.NoError(t, err)

	got, err := DecryptURLQuery(enc, testSecret)
	require.NoError(t, err)
	assert.Equal(t, params, got)

	wrong, err := DecryptURLQuery(enc, []byte("fedcba9876543210"))
	if err == nil {
		assert.NotEqual(t, params, wrong)
	}
}

func TestDecryptURLQueryPlainPassesThrough(t *testing.T) {
	got, err := DecryptURLQuery("https://h/x?a=1&b=2", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Get("a"))
	assert.Equal(t, "2", got.Get("b"))
}
