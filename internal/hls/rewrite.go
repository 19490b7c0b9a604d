// Package hls rewrites stored HLS playlists into playable manifests and
// writes them, with their keys, where a native player can load them.
package hls

import (
	"regexp"
	"strings"
)

const keyTag = "#EXT-X-KEY:"

var keyURI = regexp.MustCompile(`URI="([^"]+)"`)

// SegmentURLFunc maps a segment reference to its fetch URL. index counts
// segment lines from zero.
type SegmentURLFunc func(uri string, index int) string

// KeyURLFunc maps a key URI to the URL the player should load the key from.
type KeyURLFunc func(uri string) string

// Rewrite replaces segment and key URIs in a playlist. Every other line,
// including its line ending, is kept as is. Key tags without a URI attribute
// are left untouched.
func Rewrite(playlist string, segmentURL SegmentURLFunc, keyURL KeyURLFunc) string {
	lines := strings.Split(playlist, "\n")
	index := 0
	for i, line := range lines {
		body, cr := strings.CutSuffix(line, "\r")
		switch {
		case strings.HasPrefix(body, keyTag):
			m := keyURI.FindStringSubmatchIndex(body)
			if m == nil || keyURL == nil {
				continue
			}
			uri := body[m[2]:m[3]]
			body = body[:m[2]] + keyURL(uri) + body[m[3]:]
		case strings.HasPrefix(body, "#") || strings.TrimSpace(body) == "":
			continue
		default:
			if segmentURL == nil {
				continue
			}
			body = segmentURL(strings.TrimSpace(body), index)
			index++
		}
		if cr {
			body += "\r"
		}
		lines[i] = body
	}
	return strings.Join(lines, "\n")
}

// Segments returns the segment references of a playlist in order.
func Segments(playlist string) []string {
	var out []string
	Rewrite(playlist, func(uri string, _ int) string {
		out = append(out, uri)
		return uri
	}, nil)
	return out
}
