package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/mediacache"
	"github.com/ssd-technologies/nocturne-media/internal/ratelimit"
)

const (
	ownIdentity = media.Identity("me.example")
	authToken   = "tok-123"
)

var testDrive = media.Drive{Alias: "photos", Type: "1f2e"}

// fakeHost plays the identity host API: it decrypts ss queries, records
// every call and serves headers, thumbs and payloads, encrypting them when
// the file is encrypted.
type fakeHost struct {
	t  *testing.T
	ss []byte

	mu     sync.Mutex
	paths  []string
	params []url.Values

	encrypted      bool
	omitKeyHeader  bool
	headerStatus   int
	headerFileID   string
	payloads       []PayloadDescriptor
	payload        []byte
	payloadMissing bool
	thumb          []byte
	keyHeader      crypto.KeyHeader
}

func newFakeHost(t *testing.T, ss []byte) *fakeHost {
	return &fakeHost{
		t:            t,
		ss:           ss,
		headerFileID: "F",
		payload:      []byte("full payload bytes"),
		keyHeader:    crypto.GenerateKeyHeader(nil),
	}
}

func (h *fakeHost) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

func (h *fakeHost) lastParams() url.Values {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.params[len(h.params)-1]
}

func (h *fakeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q, err := crypto.DecryptURLQuery("http://host"+r.URL.RequestURI(), h.ss)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Header.Get(HeaderAuthToken) != authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.mu.Lock()
	h.paths = append(h.paths, r.URL.Path)
	h.params = append(h.params, q)
	h.mu.Unlock()

	switch strings.TrimSuffix(path.Base(r.URL.Path), "_byglobaltransitid") {
	case "header":
		if h.headerStatus != 0 {
			w.WriteHeader(h.headerStatus)
			return
		}
		fh := FileHeader{
			FileID:       h.headerFileID,
			FileMetadata: FileMetadata{IsEncrypted: h.encrypted, Payloads: h.payloads},
		}
		if h.encrypted && !h.omitKeyHeader {
			ekh, err := crypto.EncryptKeyHeader(h.keyHeader, h.ss)
			require.NoError(h.t, err)
			fh.SharedSecretEncryptedKeyHeader = &WireKeyHeader{IV: ekh.IV, EncryptedAESKey: ekh.EncryptedAESKey}
		}
		json.NewEncoder(w).Encode(fh)
	case "thumb":
		if h.thumb == nil {
			http.NotFound(w, r)
			return
		}
		h.serveContent(w, h.thumb, "image/jpeg")
	case "payload":
		if h.payloadMissing {
			http.NotFound(w, r)
			return
		}
		h.serveContent(w, h.payload, "image/png")
	default:
		http.NotFound(w, r)
	}
}

func (h *fakeHost) serveContent(w http.ResponseWriter, data []byte, contentType string) {
	w.Header().Set(HeaderContentType, contentType)
	if !h.encrypted {
		w.Write(data)
		return
	}
	ct, err := crypto.CBCEncrypt(data, h.keyHeader.AESKey, h.keyHeader.IV)
	require.NoError(h.t, err)
	w.Header().Set(HeaderPayloadEncrypted, "True")
	if !h.omitKeyHeader {
		ekh, err := crypto.EncryptKeyHeader(h.keyHeader, h.ss)
		require.NoError(h.t, err)
		w.Header().Set(HeaderKeyHeader, ekh.Base64())
	}
	w.Write(ct)
}

type fixture struct {
	host     *fakeHost
	client   *Client
	resolver *Resolver
	store    *blob.Store
}

func setup(t *testing.T, guest bool, opts ...ClientOption) *fixture {
	t.Helper()
	ss := crypto.RandomBytes(16)
	host := newFakeHost(t, ss)
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	store, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	creds := Credentials{Identity: ownIdentity, SharedSecret: ss, AuthToken: authToken}
	if guest {
		creds = Credentials{Identity: ownIdentity}
	}
	client := NewClient(ClientConfig{
		APIEndpoint:    srv.URL + "/api/owner/v1",
		DirectEndpoint: "https://{identity}/api/guest/v1",
	}, creds, store, append([]ClientOption{WithHTTPClient(srv.Client())}, opts...)...)
	return &fixture{host: host, client: client, resolver: New(client, nil, nil), store: store}
}

func ref(identity media.Identity) media.PayloadReference {
	return media.PayloadReference{Identity: identity, Drive: testDrive, FileID: "F", PayloadKey: "img"}
}

func localBytes(t *testing.T, h media.Handle) []byte {
	t.Helper()
	lf, ok := h.(media.LocalFile)
	require.True(t, ok, "got %T", h)
	data, err := os.ReadFile(lf.Blob.Path())
	require.NoError(t, err)
	return data
}

func TestResolveRemotePlainShortCircuitsToDirectURL(t *testing.T) {
	f := setup(t, false)

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("alice")})
	require.NoError(t, err)

	remote, ok := h.(media.RemoteURL)
	require.True(t, ok, "got %T", h)
	assert.True(t, strings.HasPrefix(remote.URL, "https://alice/api/guest/v1/drive/files/payload?"), remote.URL)
	assert.NotContains(t, remote.URL, "ss=")
	u, err := url.Parse(remote.URL)
	require.NoError(t, err)
	assert.Equal(t, "F", u.Query().Get("fileId"))
	assert.Equal(t, "img", u.Query().Get("key"))
	assert.Equal(t, "Standard", u.Query().Get("xfst"))

	assert.Equal(t, []string{"/api/owner/v1/transit/query/header"}, f.host.calls())
	assert.Equal(t, "alice", f.host.lastParams().Get("odinId"))
}

func TestResolveOwnEncryptedPayload(t *testing.T) {
	f := setup(t, false)
	f.host.encrypted = true

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)
	assert.Equal(t, f.host.payload, localBytes(t, h))
	assert.Contains(t, h.(media.LocalFile).Blob.Path(), "-decrypted.png")

	assert.Equal(t, []string{"/api/owner/v1/drive/files/payload"}, f.host.calls())
	params := f.host.lastParams()
	assert.Equal(t, "F", params.Get("fileId"))
	assert.Equal(t, "img", params.Get("key"))
	assert.False(t, params.Has("odinId"))

	// A second resolve of any size is served by the full-resolution entry.
	again, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity), Size: &media.ImageSize{PixelWidth: 100, PixelHeight: 100}})
	require.NoError(t, err)
	assert.Equal(t, h, again)
	assert.Len(t, f.host.calls(), 1)
}

func TestResolveThumbThenCache(t *testing.T) {
	f := setup(t, false)
	f.host.thumb = []byte("thumb bytes")
	size := &media.ImageSize{PixelWidth: 612, PixelHeight: 588}

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("bob"), Size: size, ProbablyEncrypted: true})
	require.NoError(t, err)
	assert.Equal(t, f.host.thumb, localBytes(t, h))
	assert.Equal(t, []string{"/api/owner/v1/transit/query/thumb"}, f.host.calls())
	params := f.host.lastParams()
	assert.Equal(t, "612", params.Get("width"))
	assert.Equal(t, "588", params.Get("height"))
	assert.Equal(t, "img", params.Get("payloadKey"))

	entry, ok := f.resolver.Cache().Lookup(mediacache.PrefixFor(ref("bob")), &media.ImageSize{PixelWidth: 200, PixelHeight: 200})
	require.True(t, ok)
	assert.Equal(t, &media.ImageSize{PixelWidth: 600, PixelHeight: 600}, entry.Size)

	_, err = f.resolver.Resolve(context.Background(), Request{Ref: ref("bob"), Size: &media.ImageSize{PixelWidth: 300, PixelHeight: 300}, ProbablyEncrypted: true})
	require.NoError(t, err)
	assert.Len(t, f.host.calls(), 1, "smaller size served from cache")

	// A size-less request needs the payload.
	_, err = f.resolver.Resolve(context.Background(), Request{Ref: ref("bob"), ProbablyEncrypted: true})
	require.NoError(t, err)
	assert.Equal(t, "/api/owner/v1/transit/query/payload", f.host.calls()[1])
}

func TestResolveRepeatedOffGridSizeHitsCache(t *testing.T) {
	f := setup(t, false)
	f.host.thumb = []byte("thumb bytes")
	req := Request{Ref: ref("bob"), Size: &media.ImageSize{PixelWidth: 612, PixelHeight: 612}, ProbablyEncrypted: true}

	first, err := f.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)
	second, err := f.resolver.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"/api/owner/v1/transit/query/thumb"}, f.host.calls())
	assert.Equal(t, 1, f.resolver.Cache().Len())
}

func TestResolveRefetchesClosedLocalFile(t *testing.T) {
	f := setup(t, false)
	f.host.encrypted = true

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)
	require.NoError(t, h.(media.LocalFile).Blob.Close())

	again, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)
	assert.NotEqual(t, h, again)
	assert.Equal(t, f.host.payload, localBytes(t, again))
	assert.Len(t, f.host.calls(), 2)
	assert.Equal(t, 1, f.resolver.Cache().Len())
}

func TestResolveRefetchesRemovedLocalFile(t *testing.T) {
	f := setup(t, false)

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)
	require.NoError(t, os.Remove(h.(media.LocalFile).Blob.Path()))

	again, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)
	assert.Equal(t, f.host.payload, localBytes(t, again))
	assert.Len(t, f.host.calls(), 2)
}

func TestResolveRemotePlainPayloadGetsExtension(t *testing.T) {
	f := setup(t, false)

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("bob"), ProbablyEncrypted: true})
	require.NoError(t, err)
	p := h.(media.LocalFile).Blob.Path()
	assert.Equal(t, ".png", path.Ext(p))
	assert.Equal(t, f.host.payload, localBytes(t, h))

	entries, err := os.ReadDir(f.store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1, "the .bin download is removed once renamed")
	assert.Equal(t, path.Base(p), entries[0].Name())
}

func TestResolveMissingThumbFallsBackToPayload(t *testing.T) {
	f := setup(t, false)
	f.host.encrypted = true
	size := &media.ImageSize{PixelWidth: 200, PixelHeight: 200}

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("bob"), Size: size, ProbablyEncrypted: true})
	require.NoError(t, err)
	assert.Equal(t, f.host.payload, localBytes(t, h))
	assert.Equal(t, []string{
		"/api/owner/v1/transit/query/thumb",
		"/api/owner/v1/transit/query/payload",
	}, f.host.calls())

	entry, ok := f.resolver.Cache().Lookup(mediacache.PrefixFor(ref("bob")), nil)
	require.True(t, ok)
	assert.True(t, entry.FullResolution(), "payload fallback is cached as full resolution")
}

func TestResolveHeaderFailureAssumesEncrypted(t *testing.T) {
	f := setup(t, false)
	f.host.headerStatus = http.StatusInternalServerError

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("bob")})
	require.NoError(t, err)
	assert.Equal(t, f.host.payload, localBytes(t, h))
	assert.Equal(t, []string{
		"/api/owner/v1/transit/query/header",
		"/api/owner/v1/transit/query/payload",
	}, f.host.calls())
}

func TestResolveRemoteEncryptedAfterProbe(t *testing.T) {
	f := setup(t, false)
	f.host.encrypted = true

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("bob")})
	require.NoError(t, err)
	assert.Equal(t, f.host.payload, localBytes(t, h))
	assert.Len(t, f.host.calls(), 2)
}

func TestResolveGlobalTransitID(t *testing.T) {
	f := setup(t, false)
	f.host.headerFileID = "F-owner"
	r := media.PayloadReference{Identity: "bob", Drive: testDrive, GlobalTransitID: "gt-1", PayloadKey: "img"}

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: r})
	require.NoError(t, err)
	remote, ok := h.(media.RemoteURL)
	require.True(t, ok, "got %T", h)
	assert.Contains(t, remote.URL, "fileId=F-owner")

	assert.Equal(t, []string{"/api/owner/v1/transit/query/header_byglobaltransitid"}, f.host.calls())
	assert.Equal(t, "gt-1", f.host.lastParams().Get("globalTransitId"))
	assert.False(t, f.host.lastParams().Has("fileId"))
}

func TestResolveGlobalTransitIDWithoutOwnerFileID(t *testing.T) {
	f := setup(t, false)
	f.host.headerFileID = ""
	r := media.PayloadReference{Identity: "bob", Drive: testDrive, GlobalTransitID: "gt-1", PayloadKey: "img"}

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: r})
	require.NoError(t, err)
	assert.Equal(t, f.host.payload, localBytes(t, h))
	assert.Equal(t, "/api/owner/v1/transit/query/payload_byglobaltransitid", f.host.calls()[1])
}

func TestResolveGuestReturnsDirectURL(t *testing.T) {
	f := setup(t, true)
	size := &media.ImageSize{PixelWidth: 250, PixelHeight: 250}

	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref("alice"), Size: size, LastModified: 1700000000})
	require.NoError(t, err)
	remote, ok := h.(media.RemoteURL)
	require.True(t, ok, "got %T", h)
	u, err := url.Parse(remote.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/guest/v1/drive/files/thumb", u.Path)
	assert.Equal(t, "250", u.Query().Get("width"))
	assert.Equal(t, "img", u.Query().Get("payloadKey"))
	assert.Equal(t, "1700000000", u.Query().Get("lastModified"))
	assert.Empty(t, f.host.calls())
}

func TestResolveEncryptedWithoutKeyHeader(t *testing.T) {
	f := setup(t, false)
	f.host.encrypted = true
	f.host.omitKeyHeader = true

	_, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.Error(t, err)
	var refErr *media.RefError
	require.True(t, errors.As(err, &refErr))
	assert.Equal(t, "payload", refErr.Op)
	assert.True(t, errors.Is(err, media.ErrCrypto))
}

func TestResolveNotFound(t *testing.T) {
	f := setup(t, false)
	f.host.payloadMissing = true

	_, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, media.ErrNotFound))
	assert.Zero(t, f.resolver.Cache().Len())
}

func TestResolveInvalidReference(t *testing.T) {
	f := setup(t, false)
	_, err := f.resolver.Resolve(context.Background(), Request{Ref: media.PayloadReference{Identity: "bob"}})
	require.Error(t, err)
	var refErr *media.RefError
	assert.True(t, errors.As(err, &refErr))
	assert.Empty(t, f.host.calls())
}

func TestInvalidateClosesLocalFiles(t *testing.T) {
	f := setup(t, false)
	h, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)
	p := h.(media.LocalFile).Blob.Path()

	assert.Equal(t, 1, f.resolver.Invalidate(ref(ownIdentity), nil))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, f.resolver.Cache().Len())
}

func TestFileURL(t *testing.T) {
	c := NewClient(ClientConfig{APIEndpoint: "https://me.example/api/owner/v1/"}, Credentials{Identity: ownIdentity}, nil)

	u, err := url.Parse(c.FileURL(ref("bob"), KindThumb, &media.ImageSize{PixelWidth: 10, PixelHeight: 20}))
	require.NoError(t, err)
	assert.Equal(t, "/api/owner/v1/transit/query/thumb", u.Path)
	q := u.Query()
	assert.Equal(t, "bob", q.Get("odinId"))
	assert.Equal(t, "photos", q.Get("alias"))
	assert.Equal(t, "1f2e", q.Get("type"))
	assert.Equal(t, "F", q.Get("fileId"))
	assert.Equal(t, "img", q.Get("payloadKey"))
	assert.Equal(t, "10", q.Get("width"))
	assert.Equal(t, "20", q.Get("height"))

	own := ref(ownIdentity)
	own.GlobalTransitID = "gt-9"
	u, err = url.Parse(c.FileURL(own, KindPayload, nil))
	require.NoError(t, err)
	assert.Equal(t, "/api/owner/v1/drive/files/payload", u.Path, "own content with a file id uses it")
	assert.Equal(t, "F", u.Query().Get("fileId"))
	assert.Equal(t, "img", u.Query().Get("key"))
}

func TestSignedURLHidesQuery(t *testing.T) {
	ss := crypto.RandomBytes(16)
	c := NewClient(ClientConfig{APIEndpoint: "https://me.example/api/owner/v1"}, Credentials{Identity: ownIdentity, SharedSecret: ss}, nil)

	signed, err := c.SignedURL(ref(ownIdentity), KindPayload, nil)
	require.NoError(t, err)
	assert.NotContains(t, signed, "fileId")
	q, err := crypto.DecryptURLQuery(signed, ss)
	require.NoError(t, err)
	assert.Equal(t, "F", q.Get("fileId"))
}

func TestFetchHonoursRateLimit(t *testing.T) {
	limiter := ratelimit.NewKeyed(1, time.Hour)
	f := setup(t, false, WithLimiter(limiter))

	_, err := f.resolver.Resolve(context.Background(), Request{Ref: ref(ownIdentity)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.client.Payload(ctx, ref(ownIdentity))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.host.calls(), 1)
}
