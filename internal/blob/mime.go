package blob

import (
	"path/filepath"
	"strings"
)

var specialExtensions = map[string]string{
	"audio/mpeg":                    "mp3",
	"image/svg+xml":                 "svg",
	"application/vnd.apple.mpegurl": "m3u8",
	"video/mp2t":                    "ts",
}

// ExtensionForMimeType returns the file extension used for a MIME type.
// Unknown types use their subtype; an empty type is "bin".
func ExtensionForMimeType(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "" {
		return "bin"
	}
	if ext, ok := specialExtensions[mt]; ok {
		return ext
	}
	_, sub, ok := strings.Cut(mt, "/")
	if !ok || sub == "" {
		return "bin"
	}
	// Strip anything that would escape the cache directory or break a name.
	sub = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '+', r == '.':
			return r
		}
		return -1
	}, sub)
	sub = strings.Trim(sub, ".")
	if sub == "" {
		return "bin"
	}
	return sub
}

// hasExtensionFor reports whether path already ends in the extension for
// mimeType.
func hasExtensionFor(path, mimeType string) bool {
	return strings.EqualFold(strings.TrimPrefix(filepath.Ext(path), "."), ExtensionForMimeType(mimeType))
}
