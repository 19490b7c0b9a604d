// Package engine wires the media components together from configuration
// and runs the background cache workers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
	"github.com/ssd-technologies/nocturne-media/internal/config"
	"github.com/ssd-technologies/nocturne-media/internal/hls"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/mediacache"
	"github.com/ssd-technologies/nocturne-media/internal/progress"
	"github.com/ssd-technologies/nocturne-media/internal/ratelimit"
	"github.com/ssd-technologies/nocturne-media/internal/relay"
	"github.com/ssd-technologies/nocturne-media/internal/resolver"
	"github.com/ssd-technologies/nocturne-media/internal/storage"
	"github.com/ssd-technologies/nocturne-media/internal/thumbnail"
	"github.com/ssd-technologies/nocturne-media/internal/video"
)

// Engine owns every long-lived component. Build one per process with New
// and release it with Close.
type Engine struct {
	cfg *config.Config
	log *slog.Logger
	db  *storage.DB

	Store    *blob.Store
	Vault    *Vault
	Cache    *mediacache.Cache
	Thumbs   *thumbnail.Generator
	Video    *video.Pipeline
	Relay    *relay.Server
	Progress *progress.Hub

	limiter    *ratelimit.Keyed
	httpClient *http.Client
}

// Option customizes New.
type Option func(*options)

type options struct {
	runner     video.Runner
	httpClient *http.Client
}

// WithRunner replaces the ffmpeg runner.
func WithRunner(r video.Runner) Option { return func(o *options) { o.runner = r } }

// WithHTTPClient replaces the client used for identity host requests.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

func New(cfg *config.Config, log *slog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	for _, dir := range []string{cfg.CacheDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %v: %w", dir, err, media.ErrIO)
		}
	}
	db, err := storage.NewDB(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	store, err := blob.NewStore(cfg.CacheDir,
		blob.WithLedger(db),
		blob.WithLogger(log),
		blob.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	pipeline := video.New(video.Config{
		FFmpeg:               cfg.FFmpeg,
		FFprobe:              cfg.FFprobe,
		SegmentThreshold:     cfg.SegmentThresholdBytes,
		SegmentSeconds:       cfg.HLSSegmentSeconds,
		CompressMaxDimension: cfg.CompressMaxDimension,
		CompressBitrate:      cfg.CompressBitrate,
		FragmentProgressive:  cfg.FragmentProgressive,
	}, o.runner, store, log)

	return &Engine{
		cfg:        cfg,
		log:        log,
		db:         db,
		Store:      store,
		Vault:      NewVault(db),
		Cache:      mediacache.New(),
		Thumbs:     thumbnail.NewGenerator(store, log),
		Video:      pipeline,
		Relay:      relay.New(store, log),
		Progress:   progress.NewHub(log),
		limiter:    ratelimit.NewKeyed(cfg.RateLimit, cfg.RateWindow),
		httpClient: o.httpClient,
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Resolver builds a resolver for creds sharing the engine's cache and rate
// limiter.
func (e *Engine) Resolver(creds resolver.Credentials) *resolver.Resolver {
	opts := []resolver.ClientOption{resolver.WithLimiter(e.limiter), resolver.WithLogger(e.log)}
	if e.httpClient != nil {
		opts = append(opts, resolver.WithHTTPClient(e.httpClient))
	}
	client := resolver.NewClient(resolver.ClientConfig{
		APIEndpoint:    e.cfg.APIRoot(),
		DirectEndpoint: e.cfg.DirectEndpoint,
	}, creds, e.Store, opts...)
	return resolver.New(client, e.Cache, e.log)
}

// Session unlocks the configured identity's secrets and returns a resolver
// authenticated as it.
func (e *Engine) Session(passphrase string) (*resolver.Resolver, error) {
	s, err := e.Vault.Unlock(e.cfg.Identity, passphrase)
	if err != nil {
		return nil, err
	}
	token := s.AuthToken
	if e.cfg.AuthToken != "" {
		token = e.cfg.AuthToken
	}
	return e.Resolver(resolver.Credentials{
		Identity:     media.Identity(e.cfg.Identity),
		SharedSecret: s.SharedSecret,
		AuthToken:    token,
	}), nil
}

// ManifestWriter returns a writer for playback manifests, handing out relay
// URLs when the relay is enabled.
func (e *Engine) ManifestWriter() *hls.Writer {
	return hls.NewWriter(e.cfg.CacheDir, e.cfg.RelayAddr, e.cfg.RelayEnabled)
}

// StartRelay starts the loopback relay on the configured address.
func (e *Engine) StartRelay() error {
	return e.Relay.Start(e.cfg.RelayAddr)
}

// Close stops the relay and closes the data store.
func (e *Engine) Close() error {
	if err := e.Relay.Stop(context.Background()); err != nil {
		e.log.Warn("stop relay", "err", err)
	}
	return e.db.Close()
}
