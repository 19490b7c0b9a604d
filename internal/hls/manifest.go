package hls

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// Writer puts rewritten manifests and raw keys into the cache directory. In
// relay mode it hands back loopback URLs served by the relay; otherwise the
// manifest is returned as a path and keys are inlined as data URLs.
type Writer struct {
	dir       string
	relayAddr string
	relay     bool
}

func NewWriter(dir, relayAddr string, relay bool) *Writer {
	return &Writer{dir: dir, relayAddr: relayAddr, relay: relay}
}

// WriteManifest stores text as {uuid}-manifest.m3u8 and returns the location
// a player should open.
func (w *Writer) WriteManifest(text string) (string, error) {
	name := uuid.NewString() + "-manifest.m3u8"
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return "", fmt.Errorf("write manifest: %v: %w", err, media.ErrIO)
	}
	if w.relay {
		return fmt.Sprintf("http://%s/manifest?file=%s", w.relayAddr, url.QueryEscape(name)), nil
	}
	return path, nil
}

// KeyURL returns a URL the player can load the AES key from. Relay mode
// writes the key to {uuid}.key; otherwise the key is inlined.
func (w *Writer) KeyURL(aesKey []byte) (string, error) {
	if !w.relay {
		return "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(aesKey), nil
	}
	name := uuid.NewString() + ".key"
	if err := os.WriteFile(filepath.Join(w.dir, name), aesKey, 0o600); err != nil {
		return "", fmt.Errorf("write key: %v: %w", err, media.ErrIO)
	}
	return fmt.Sprintf("http://%s/key/%s", w.relayAddr, name), nil
}
