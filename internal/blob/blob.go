// Package blob implements the engine's on-disk binary objects. A Blob owns
// exactly one file in the cache directory; every transformation writes a new
// file and returns a new Blob.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/storage"
)

// DefaultWriteTimeout bounds how long a reader waits for an async write.
const DefaultWriteTimeout = 20 * time.Second

// Ledger records blobs so files that are never closed can be swept later.
// *storage.DB satisfies it.
type Ledger interface {
	RecordBlob(b *storage.BlobRecord) error
	MarkBlobClosed(id string) error
}

// Store creates blobs in one flat cache directory.
type Store struct {
	dir          string
	ledger       Ledger
	log          *slog.Logger
	writeTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

func WithLedger(l Ledger) Option { return func(s *Store) { s.ledger = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func WithWriteTimeout(d time.Duration) Option { return func(s *Store) { s.writeTimeout = d } }

// NewStore creates the cache directory if needed.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob store: cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blob store: %v: %w", err, media.ErrIO)
	}
	s := &Store{dir: dir, log: slog.Default(), writeTimeout: DefaultWriteTimeout}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the cache path for a file name, rejecting names that would
// leave the directory.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid cache file name %q: %w", name, media.ErrNotFound)
	}
	return filepath.Join(s.dir, name), nil
}

// Blob is a file in the cache directory with an async write-completion
// signal.
type Blob struct {
	store    *Store
	id       string
	path     string
	mimeType string

	done     chan struct{}
	writeErr error
	size     int64

	mu     sync.Mutex
	closed bool
}

// Create starts writing data to {id}.{ext} and returns immediately. An empty
// id gets a fresh uuid. Readers block in Wait until the write finishes.
func (s *Store) Create(data []byte, mimeType, id string) *Blob {
	if id == "" {
		id = uuid.NewString()
	}
	b := s.newBlob(id, id+"."+ExtensionForMimeType(mimeType), mimeType)

	go func() {
		defer close(b.done)
		n, err := s.writeFile(b.path, bytes.NewReader(data))
		b.size = n
		if err != nil {
			b.writeErr = err
			s.log.Error("blob write failed", "id", id, "path", b.path, "err", err)
			return
		}
		s.record(b)
	}()
	return b
}

// FromFile wraps an existing file without copying it. The blob is written
// immediately.
func (s *Store) FromFile(path, mimeType string) (*Blob, error) {
	path = strings.TrimPrefix(path, "file://")
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("blob from file: %v: %w", err, media.ErrIO)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	b := &Blob{store: s, id: id, path: path, mimeType: mimeType, done: make(chan struct{}), size: fi.Size()}
	close(b.done)
	return b, nil
}

// Adopt wraps a file some other writer produced in the cache directory and
// records it in the ledger so it is swept if never closed.
func (s *Store) Adopt(path, mimeType string) (*Blob, error) {
	b, err := s.FromFile(path, mimeType)
	if err != nil {
		return nil, err
	}
	s.record(b)
	return b, nil
}

// NewPath allocates a fresh {uuid}{suffix} path in the cache directory for an
// external writer such as ffmpeg.
func (s *Store) NewPath(suffix string) (id, path string) {
	id = uuid.NewString()
	return id, filepath.Join(s.dir, id+suffix)
}

// CreateFromReader streams r into a new blob and returns once it is written.
// Used for fetch responses so payloads never sit in memory whole.
func (s *Store) CreateFromReader(r io.Reader, mimeType string) (*Blob, error) {
	return s.createFromReader(r, mimeType, ExtensionForMimeType(mimeType))
}

// CreateRawFromReader is CreateFromReader for content whose reported MIME
// type is not yet trusted. The file is written as {id}.bin; FixExtension
// moves it to its final name.
func (s *Store) CreateRawFromReader(r io.Reader, mimeType string) (*Blob, error) {
	return s.createFromReader(r, mimeType, "bin")
}

func (s *Store) createFromReader(r io.Reader, mimeType, ext string) (*Blob, error) {
	id := uuid.NewString()
	b := s.newBlob(id, id+"."+ext, mimeType)
	defer close(b.done)

	n, err := s.writeFile(b.path, r)
	if err != nil {
		return nil, err
	}
	b.size = n
	s.record(b)
	return b, nil
}

func (s *Store) newBlob(id, name, mimeType string) *Blob {
	return &Blob{
		store:    s,
		id:       id,
		path:     filepath.Join(s.dir, name),
		mimeType: mimeType,
		done:     make(chan struct{}),
	}
}

// writeFile writes to a .part sibling and renames on success so a partially
// written file is never visible under its final name.
func (s *Store) writeFile(path string, r io.Reader) (int64, error) {
	return s.writeWith(path, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, r)
		if err != nil {
			return n, fmt.Errorf("write blob: %v: %w", err, media.ErrIO)
		}
		return n, nil
	})
}

func (s *Store) writeWith(path string, fill func(io.Writer) (int64, error)) (int64, error) {
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create blob: %v: %w", err, media.ErrIO)
	}
	n, err := fill(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close blob: %v: %w", cerr, media.ErrIO)
	}
	if err != nil {
		os.Remove(tmp)
		return n, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("rename blob: %v: %w", err, media.ErrIO)
	}
	return n, nil
}

func (s *Store) record(b *Blob) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.RecordBlob(&storage.BlobRecord{
		ID:        b.id,
		Path:      b.path,
		MimeType:  b.mimeType,
		Size:      b.size,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		s.log.Warn("ledger record failed", "id", b.id, "err", err)
	}
}

func (b *Blob) ID() string       { return b.id }
func (b *Blob) Path() string     { return b.path }
func (b *Blob) URI() string      { return "file://" + b.path }
func (b *Blob) MimeType() string { return b.mimeType }

// Written reports whether the backing file is complete, without blocking.
func (b *Blob) Written() bool {
	select {
	case <-b.done:
		return b.writeErr == nil
	default:
		return false
	}
}

// Size returns the byte size once written, or 0 before.
func (b *Blob) Size() int64 {
	if !b.Written() {
		return 0
	}
	return b.size
}

// Wait blocks until the write completes, ctx ends, or the store's write
// timeout passes. A timeout is ErrIO.
func (b *Blob) Wait(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	timer := time.NewTimer(b.store.writeTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		return b.writeErr
	case <-timer.C:
		return fmt.Errorf("blob %s not written after %s: %w", b.id, b.store.writeTimeout, media.ErrIO)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bytes reads the whole file once written.
func (b *Blob) Bytes(ctx context.Context) ([]byte, error) {
	if err := b.Wait(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %v: %w", b.id, err, media.ErrIO)
	}
	return data, nil
}

// Encrypt writes an AES-CBC encrypted copy to {uuid}-encrypted.{ext}.
func (b *Blob) Encrypt(ctx context.Context, key, iv []byte) (*Blob, error) {
	return b.transform(ctx, "encrypted", func(dst io.Writer, src io.Reader) (int64, error) {
		return crypto.EncryptStream(dst, src, key, iv)
	})
}

// Decrypt writes the plaintext of an AES-CBC encrypted blob to
// {uuid}-decrypted.{ext}.
func (b *Blob) Decrypt(ctx context.Context, key, iv []byte) (*Blob, error) {
	return b.transform(ctx, "decrypted", func(dst io.Writer, src io.Reader) (int64, error) {
		return crypto.DecryptStream(dst, src, key, iv)
	})
}

func (b *Blob) transform(ctx context.Context, suffix string, fn func(io.Writer, io.Reader) (int64, error)) (*Blob, error) {
	if err := b.Wait(ctx); err != nil {
		return nil, err
	}
	src, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %v: %w", b.id, err, media.ErrIO)
	}
	defer src.Close()

	id := uuid.NewString()
	out := b.store.newBlob(id, id+"-"+suffix+"."+ExtensionForMimeType(b.mimeType), b.mimeType)
	defer close(out.done)

	n, err := b.store.writeWith(out.path, func(w io.Writer) (int64, error) {
		return fn(w, src)
	})
	if err != nil {
		return nil, err
	}
	out.size = n
	b.store.record(out)
	return out, nil
}

// FixExtension moves the file to {id}.{ext} for the blob's MIME type and
// returns the blob for the new path. The receiver is closed.
func (b *Blob) FixExtension(ctx context.Context) (*Blob, error) {
	if err := b.Wait(ctx); err != nil {
		return nil, err
	}
	if hasExtensionFor(b.path, b.mimeType) {
		return b, nil
	}
	src, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %v: %w", b.id, err, media.ErrIO)
	}
	defer src.Close()

	out := b.store.newBlob(b.id, b.id+"."+ExtensionForMimeType(b.mimeType), b.mimeType)
	defer close(out.done)

	n, err := b.store.writeFile(out.path, src)
	if err != nil {
		return nil, err
	}
	out.size = n
	b.store.record(out)

	// The new file keeps the id, so the ledger row must stay open.
	if _, err := b.release(); err != nil {
		b.store.log.Warn("remove superseded blob", "id", b.id, "path", b.path, "err", err)
	}
	return out, nil
}

// Close deletes the backing file. Later use of the blob returns ErrClosed.
// Closing twice is a no-op, as is closing a blob FixExtension superseded.
func (b *Blob) Close() error {
	released, err := b.release()
	if err != nil {
		return err
	}
	if released && b.store.ledger != nil {
		if err := b.store.ledger.MarkBlobClosed(b.id); err != nil {
			b.store.log.Debug("ledger close", "id", b.id, "err", err)
		}
	}
	return nil
}

// Closed reports whether Close has been called, or the blob was superseded.
func (b *Blob) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// release removes the backing file once. It reports false when the blob was
// already released.
func (b *Blob) release() (bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, nil
	}
	b.closed = true
	b.mu.Unlock()

	// Let an in-flight write land before removing it.
	<-b.done
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove blob %s: %v: %w", b.id, err, media.ErrIO)
	}
	return true, nil
}

func (b *Blob) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("blob %s: %w", b.id, media.ErrClosed)
	}
	return nil
}
