package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (e *Engine) StartWorkers(ctx context.Context) {
	go e.runCacheCleanup(ctx)
	go e.runLimiterCleanup(ctx)
}

// --- Cache Cleanup Worker ---

func (e *Engine) runCacheCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.CleanupInterval):
			e.Cleanup(time.Now())
		}
	}
}

// CleanupStats reports what one cleanup pass removed.
type CleanupStats struct {
	LeakedBlobs  int
	StaleFiles   int
	PurgedRows   int64
	CacheEntries int
}

// Cleanup removes cache state older than the configured maximum age as of
// now: blobs never closed by their owner, stray files in the cache
// directory, closed ledger rows and session cache entries.
func (e *Engine) Cleanup(now time.Time) CleanupStats {
	cutoff := now.Add(-e.cfg.CacheMaxAge)
	var st CleanupStats

	st.CacheEntries = e.evictCache(cutoff)

	leaked, err := e.db.ListOpenBlobsBefore(cutoff.Unix())
	if err != nil {
		e.log.Error("list open blobs", "err", err)
	}
	for _, b := range leaked {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("remove leaked blob", "id", b.ID, "path", b.Path, "err", err)
			continue
		}
		if err := e.db.MarkBlobClosed(b.ID); err != nil {
			e.log.Warn("mark leaked blob closed", "id", b.ID, "err", err)
			continue
		}
		st.LeakedBlobs++
	}

	st.StaleFiles = e.removeStaleFiles(cutoff)

	if n, err := e.db.PurgeClosedBlobs(cutoff.Unix()); err != nil {
		e.log.Error("purge closed blobs", "err", err)
	} else {
		st.PurgedRows = n
	}

	if st != (CleanupStats{}) {
		e.log.Info("cache cleanup",
			"leaked_blobs", st.LeakedBlobs,
			"stale_files", st.StaleFiles,
			"purged_rows", st.PurgedRows,
			"cache_entries", st.CacheEntries,
		)
	}
	return st
}

// evictCache drops session cache entries stored before cutoff and closes
// their local files.
func (e *Engine) evictCache(cutoff time.Time) int {
	removed := e.Cache.Expire(cutoff)
	for _, entry := range removed {
		if lf, ok := entry.Handle.(media.LocalFile); ok {
			lf.Blob.Close()
		}
	}
	return len(removed)
}

// removeStaleFiles deletes regular files in the cache directory last
// modified before cutoff, such as rewritten manifests and relay keys.
func (e *Engine) removeStaleFiles(cutoff time.Time) int {
	dir := e.Store.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		e.log.Error("read cache dir", "path", dir, "err", err)
		return 0
	}
	n := 0
	for _, de := range entries {
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), filepath.Base(e.cfg.DBPath())) {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("remove stale file", "path", path, "err", err)
			continue
		}
		n++
	}
	return n
}

// --- Rate Limiter Cleanup Worker ---

func (e *Engine) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			if n := e.limiter.Cleanup(); n > 0 {
				e.log.Debug("rate limiter cleanup", "hosts", n)
			}
		}
	}
}
