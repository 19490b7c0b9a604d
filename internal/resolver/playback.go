package resolver

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nocturne-media/internal/hls"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/video"
)

// PlaybackManifest rewrites the stored HLS playlist of ref so a player can
// fetch its segments and key, writes it with w and returns where to open it.
// An empty playlist is read from the payload's descriptor in the header.
func (r *Resolver) PlaybackManifest(ctx context.Context, ref media.PayloadReference, playlist string, w *hls.Writer) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
	}
	header, err := r.client.Header(ctx, ref)
	if err != nil {
		return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
	}
	if playlist == "" {
		if playlist, err = playlistFromHeader(header, ref.PayloadKey); err != nil {
			return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
		}
	}

	fileID := header.FileID
	if fileID == "" {
		fileID = ref.FileID
	}
	encrypted := header.FileMetadata.IsEncrypted

	var segmentURL string
	if encrypted {
		if segmentURL, err = r.client.SignedURL(ref, KindPayload, nil); err != nil {
			return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
		}
	} else {
		segmentURL = r.client.DirectURL(ref, fileID, nil, 0)
	}

	var keyURL string
	if header.SharedSecretEncryptedKeyHeader != nil {
		kh, err := r.client.KeyHeader(header)
		if err != nil {
			return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
		}
		if keyURL, err = w.KeyURL(kh.AESKey); err != nil {
			return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
		}
	}

	text := hls.Rewrite(playlist,
		func(uri string, _ int) string { return segmentURL },
		func(uri string) string {
			if keyURL == "" {
				return uri
			}
			return keyURL
		},
	)
	loc, err := w.WriteManifest(text)
	if err != nil {
		return "", &media.RefError{Op: "manifest", Ref: ref, Err: err}
	}
	r.log.Info("playback manifest", "identity", ref.Identity, "file_id", ref.ID(),
		"payload_key", ref.PayloadKey, "encrypted", encrypted, "location", loc)
	return loc, nil
}

func playlistFromHeader(h *FileHeader, key string) (string, error) {
	p, ok := h.FileMetadata.Payload(key)
	if !ok || p.DescriptorContent == "" {
		return "", fmt.Errorf("payload %q has no descriptor: %w", key, media.ErrNotFound)
	}
	meta, err := video.DecodeDescriptor(p.DescriptorContent)
	if err != nil {
		return "", err
	}
	hm, ok := meta.(video.HlsMetadata)
	if !ok {
		return "", fmt.Errorf("payload %q is not an hls stream: %w", key, media.ErrNotFound)
	}
	return hm.HlsPlaylist, nil
}
