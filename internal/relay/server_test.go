package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
)

func setupTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := blob.NewStore(dir)
	require.NoError(t, err)
	return New(store, nil), dir
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeManifest(t *testing.T) {
	srv, dir := setupTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc-manifest.m3u8"), []byte("#EXTM3U\n"), 0o600))

	rec := get(t, srv, "/manifest?file=abc-manifest.m3u8")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
}

func TestServeKey(t *testing.T) {
	srv, dir := setupTestServer(t)
	key := []byte("0123456789abcdef")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k.key"), key, 0o600))

	rec := get(t, srv, "/key/k.key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, key, rec.Body.Bytes())
}

func TestNotFound(t *testing.T) {
	srv, dir := setupTestServer(t)
	secret := filepath.Join(filepath.Dir(dir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o600))
	t.Cleanup(func() { os.Remove(secret) })

	for _, target := range []string{
		"/manifest?file=missing.m3u8",
		"/manifest",
		"/manifest?file=../secret.txt",
		"/manifest?file=..%5Csecret.txt",
		"/key/missing.key",
		"/other",
		"/",
	} {
		rec := get(t, srv, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.NotContains(t, rec.Body.String(), "nope", target)
	}
}

func TestOtherMethodsAreNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/manifest?file=x", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStop(t *testing.T) {
	srv, dir := setupTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.m3u8"), []byte("#EXTM3U\n"), 0o600))

	require.NoError(t, srv.Start("127.0.0.1:0"))
	addr := srv.Addr()
	require.NotEmpty(t, addr)
	assert.Error(t, srv.Start("127.0.0.1:0"), "one listener per server")

	resp, err := http.Get("http://" + addr + "/manifest?file=m.m3u8")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "#EXTM3U\n", string(body))

	require.NoError(t, srv.Stop(context.Background()))
	assert.Empty(t, srv.Addr())
	_, err = http.Get("http://" + addr + "/manifest?file=m.m3u8")
	assert.Error(t, err)

	require.NoError(t, srv.Stop(context.Background()), "stop is a no-op when stopped")
}
