package resolver

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/mediacache"
)

// Request is one resolve call.
type Request struct {
	Ref  media.PayloadReference
	Size *media.ImageSize
	// ProbablyEncrypted skips the header probe for remote content the caller
	// already expects to be encrypted.
	ProbablyEncrypted bool
	LastModified      int64
}

// Resolver turns payload references into renderable handles, consulting
// the session cache first.
type Resolver struct {
	client *Client
	cache  *mediacache.Cache
	log    *slog.Logger
}

func New(client *Client, cache *mediacache.Cache, log *slog.Logger) *Resolver {
	if cache == nil {
		cache = mediacache.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{client: client, cache: cache, log: log}
}

// Cache returns the resolver's session cache.
func (r *Resolver) Cache() *mediacache.Cache { return r.cache }

// Resolve returns a local file or a URL for req. Fatal failures are
// *media.RefError values wrapping the error taxonomy.
func (r *Resolver) Resolve(ctx context.Context, req Request) (media.Handle, error) {
	ref := req.Ref
	if err := ref.Validate(); err != nil {
		return nil, &media.RefError{Op: "resolve", Ref: ref, Err: err}
	}
	prefix := mediacache.PrefixFor(ref)
	for {
		e, ok := r.cache.Lookup(prefix, req.Size)
		if !ok {
			break
		}
		if !missingOnDisk(e.Handle) {
			r.log.Debug("cache hit", "ref", ref.String(), "full", e.FullResolution())
			return e.Handle, nil
		}
		r.log.Warn("cached file missing on disk, refetching", "ref", ref.String(), "path", e.Handle.(media.LocalFile).Blob.Path())
		if r.cache.Drop(e) {
			e.Handle.(media.LocalFile).Blob.Close()
		}
	}

	creds := r.client.Credentials()
	if creds.Guest() {
		return r.direct(prefix, req, ref.ID()), nil
	}

	if ref.Identity != creds.Identity && !req.ProbablyEncrypted {
		h, err := r.client.Header(ctx, ref)
		switch {
		case err != nil:
			r.log.Debug("header probe failed, fetching authenticated", "ref", ref.String(), "err", err)
		case !h.FileMetadata.IsEncrypted:
			fileID := ref.FileID
			if ref.GlobalTransitID != "" {
				fileID = h.FileID
			}
			if fileID != "" {
				return r.direct(prefix, req, fileID), nil
			}
		}
	}

	return r.fetch(ctx, prefix, req)
}

// missingOnDisk reports whether h is a local file that was closed or removed
// behind the cache's back.
func missingOnDisk(h media.Handle) bool {
	lf, ok := h.(media.LocalFile)
	if !ok {
		return false
	}
	if c, ok := lf.Blob.(interface{ Closed() bool }); ok && c.Closed() {
		return true
	}
	_, err := os.Stat(lf.Blob.Path())
	return err != nil
}

func (r *Resolver) direct(prefix mediacache.Prefix, req Request, fileID string) media.Handle {
	h := media.RemoteURL{URL: r.client.DirectURL(req.Ref, fileID, req.Size, req.LastModified)}
	r.cache.Store(mediacache.Entry{Prefix: prefix, Size: req.Size, Handle: h})
	return h
}

// fetch downloads a thumb when a size was asked for and falls back to the
// payload when no thumb can be had.
func (r *Resolver) fetch(ctx context.Context, prefix mediacache.Prefix, req Request) (media.Handle, error) {
	ref := req.Ref
	if req.Size != nil {
		b, err := r.client.Thumb(ctx, ref, *req.Size)
		if err == nil {
			h := media.LocalFile{Blob: b}
			r.cache.Store(mediacache.Entry{Prefix: prefix, Size: req.Size, Handle: h})
			return h, nil
		}
		if errors.Is(err, media.ErrCrypto) || ctx.Err() != nil {
			return nil, &media.RefError{Op: "thumb", Ref: ref, Err: err}
		}
		r.log.Debug("thumb unavailable, fetching payload", "ref", ref.String(), "size", req.Size.String(), "err", err)
	}

	b, err := r.client.Payload(ctx, ref)
	if err != nil {
		return nil, &media.RefError{Op: "payload", Ref: ref, Err: err}
	}
	h := media.LocalFile{Blob: b}
	r.cache.Store(mediacache.Entry{Prefix: prefix, Handle: h})
	return h, nil
}

// Invalidate drops cached results for ref, closing any local files. A nil
// size drops every size.
func (r *Resolver) Invalidate(ref media.PayloadReference, size *media.ImageSize) int {
	removed := r.cache.Invalidate(mediacache.PrefixFor(ref), size)
	for _, e := range removed {
		if lf, ok := e.Handle.(media.LocalFile); ok {
			if err := lf.Blob.Close(); err != nil {
				r.log.Warn("close evicted blob", "path", lf.Blob.Path(), "err", err)
			}
		}
	}
	return len(removed)
}
