// Package relay serves cached manifests and keys over loopback HTTP for
// players that cannot stream from file:// manifests.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultAddr is where players expect the relay.
const DefaultAddr = "localhost:3000"

// Files resolves a bare cache file name to a path, rejecting names that
// would leave the cache directory.
type Files interface {
	Path(name string) (string, error)
}

// Server is the relay's HTTP handler and listener.
type Server struct {
	files   Files
	log     *slog.Logger
	mux     *http.ServeMux
	handler http.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New creates a Server with all routes registered.
func New(files Files, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		files: files,
		log:   log,
		mux:   http.NewServeMux(),
	}
	s.routes()
	s.handler = logRequests(s.log, s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /manifest", s.handleManifest)
	s.mux.HandleFunc("GET /key/{name}", s.handleKey)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, r.URL.Query().Get("file"), "application/vnd.apple.mpegurl")
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, r.PathValue("name"), "application/octet-stream")
}

func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, name, contentType string) {
	path, err := s.files.Path(cleanName(name))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("relay open", "path", path, "err", err)
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", fi.ModTime(), f)
}

// cleanName normalizes backslash separators so Windows-style paths are
// rejected the same way as slash paths.
func cleanName(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}

// Start listens on addr and serves in the background. Use port 0 to pick a
// free port; Addr reports the bound address.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("relay already listening on %s", s.ln.Addr())
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv, s.ln = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay serve", "err", err)
		}
	}()
	s.log.Info("relay listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down, waiting for in-flight requests until ctx
// ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
