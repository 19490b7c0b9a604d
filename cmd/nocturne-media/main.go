// cmd/nocturne-media/main.go
//
// nocturne-media drives the media engine from the command line: it stores
// identity credentials, resolves payload references to local files or URLs,
// renders thumbnails, transcodes video and serves rewritten HLS manifests
// over the loopback relay.
//
// Usage:
//
//	nocturne-media login     --identity h --secret <b64> --token t --passphrase p
//	nocturne-media fetch     --ref identity/alias/type/id/key [--gtid] [--size WxH] [--encrypted] --passphrase p
//	nocturne-media thumbs    --in image.jpg [--type image/jpeg] [--key k]
//	nocturne-media transcode --in video.mp4 [--compress] [--encrypt] [--key k] [--progress-addr :3001]
//	nocturne-media manifest  --ref identity/alias/type/id/key [--playlist file.m3u8] --passphrase p
//	nocturne-media relay     [--addr localhost:3000]
//	nocturne-media cleanup
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ssd-technologies/nocturne-media/internal/config"
	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/engine"
	"github.com/ssd-technologies/nocturne-media/internal/logging"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/resolver"
	"github.com/ssd-technologies/nocturne-media/internal/video"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmds := map[string]func([]string) error{
		"login":     cmdLogin,
		"fetch":     cmdFetch,
		"thumbs":    cmdThumbs,
		"transcode": cmdTranscode,
		"manifest":  cmdManifest,
		"relay":     cmdRelay,
		"cleanup":   cmdCleanup,
	}
	run, ok := cmds[os.Args[1]]
	if !ok {
		printUsage()
		os.Exit(1)
	}
	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "nocturne-media %s: %v\n", os.Args[1], err)
		os.Exit(exitCode(err))
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: nocturne-media <command> [flags]

Commands:
  login      Store an identity's shared secret and auth token
  fetch      Resolve a payload reference to a local file or URL
  thumbs     Render the thumbnail ladder for an image
  transcode  Compress and segment a video for upload
  manifest   Rewrite an HLS playlist for local playback
  relay      Serve manifests and keys on the loopback relay
  cleanup    Remove expired cache files once

Every command reads NOCTURNE_MEDIA_* environment variables, a .env file and
the file given by --config.
Run 'nocturne-media <command> --help' for details on each command.
`)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, media.ErrNotFound):
		return 3
	case errors.Is(err, media.ErrCrypto):
		return 4
	case errors.Is(err, media.ErrTranscode):
		return 5
	}
	return 1
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath *string
	logLevel   *string
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		configPath: fs.String("config", "", "config file (yaml, toml or json)"),
		logLevel:   fs.String("log-level", "", "override LOG_LEVEL"),
	}
}

// open loads configuration and builds the engine.
func (c common) open() (*engine.Engine, *slog.Logger, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if *c.logLevel != "" {
		cfg.LogLevel = *c.logLevel
	}
	log := logging.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)
	log.Debug("configuration", "config", cfg.String())

	e, err := engine.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return e, log, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	c := commonFlags(fs)
	identity := fs.String("identity", "", "identity host (default IDENTITY)")
	secret := fs.String("secret", "", "base64 shared secret")
	token := fs.String("token", "", "auth token")
	passphrase := fs.String("passphrase", "", "passphrase sealing the credentials")
	fs.Parse(args)

	ss, err := base64.StdEncoding.DecodeString(*secret)
	if err != nil {
		return fmt.Errorf("decode --secret: %w", err)
	}

	e, log, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	id := *identity
	if id == "" {
		id = e.Config().Identity
	}
	if err := e.Vault.Login(id, engine.Secrets{SharedSecret: ss, AuthToken: *token}, *passphrase); err != nil {
		return err
	}
	log.Info("credentials stored", "identity", id)
	return nil
}

// session returns a resolver for the configured identity, or a guest
// resolver when no passphrase is given.
func session(e *engine.Engine, passphrase string) (*resolver.Resolver, error) {
	if passphrase == "" {
		return e.Resolver(resolver.Credentials{Identity: media.Identity(e.Config().Identity)}), nil
	}
	return e.Session(passphrase)
}

func cmdFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	c := commonFlags(fs)
	ref := fs.String("ref", "", "payload reference identity/alias/type/id/key")
	gtid := fs.Bool("gtid", false, "the id in --ref is a global transit id")
	size := fs.String("size", "", "thumbnail size WxH (default full payload)")
	encrypted := fs.Bool("encrypted", false, "skip the header probe for remote content")
	passphrase := fs.String("passphrase", "", "vault passphrase (guest access when empty)")
	fs.Parse(args)

	pr, err := media.ParseReference(*ref, *gtid)
	if err != nil {
		return err
	}
	req := resolver.Request{Ref: pr, ProbablyEncrypted: *encrypted}
	if *size != "" {
		s, err := media.ParseSize(*size)
		if err != nil {
			return err
		}
		req.Size = &s
	}

	e, _, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := session(e, *passphrase)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	h, err := r.Resolve(ctx, req)
	if err != nil {
		return err
	}
	// Local files stay in the cache directory; cleanup sweeps them later.
	fmt.Println(media.URI(h))
	return nil
}

type thumbOutput struct {
	NaturalSize media.ImageSize `json:"naturalSize"`
	TinyThumb   any             `json:"tinyThumb"`
	Files       []thumbFile     `json:"files"`
}

type thumbFile struct {
	Key         string `json:"key"`
	PixelWidth  int    `json:"pixelWidth"`
	PixelHeight int    `json:"pixelHeight"`
	ContentType string `json:"contentType"`
	Path        string `json:"path"`
}

func cmdThumbs(args []string) error {
	fs := flag.NewFlagSet("thumbs", flag.ExitOnError)
	c := commonFlags(fs)
	in := fs.String("in", "", "source image")
	contentType := fs.String("type", "", "content type (default from extension)")
	key := fs.String("key", "img", "payload key")
	fs.Parse(args)

	data, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read %s: %w", *in, err)
	}
	ct := *contentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(*in))
	}

	e, _, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := e.Thumbs.Generate(ctx, data, *key, ct, nil)
	if err != nil {
		return err
	}
	out := thumbOutput{NaturalSize: res.NaturalSize, TinyThumb: res.TinyThumb}
	for _, f := range res.Additional {
		if err := f.Payload.Wait(ctx); err != nil {
			res.Close()
			return err
		}
		out.Files = append(out.Files, thumbFile{
			Key:         f.Key,
			PixelWidth:  f.PixelWidth,
			PixelHeight: f.PixelHeight,
			ContentType: f.ContentType,
			Path:        f.Payload.Path(),
		})
	}
	return printJSON(out)
}

type transcodeOutput struct {
	TinyThumb  any              `json:"tinyThumb,omitempty"`
	Thumbnails []thumbFile      `json:"thumbnails"`
	Payloads   []payloadOutput  `json:"payloads"`
	KeyHeader  *keyHeaderOutput `json:"keyHeader,omitempty"`
}

type keyHeaderOutput struct {
	IV     string `json:"iv"`
	AESKey string `json:"aesKey"`
}

type payloadOutput struct {
	Key               string `json:"key"`
	Path              string `json:"path"`
	ContentType       string `json:"contentType"`
	DescriptorContent string `json:"descriptorContent"`
	SkipEncryption    bool   `json:"skipEncryption"`
	IV                string `json:"iv,omitempty"`
}

func cmdTranscode(args []string) error {
	fs := flag.NewFlagSet("transcode", flag.ExitOnError)
	c := commonFlags(fs)
	in := fs.String("in", "", "source video")
	compress := fs.Bool("compress", false, "downscale and re-encode before segmenting")
	encrypt := fs.Bool("encrypt", false, "encrypt HLS segments with a fresh key")
	key := fs.String("key", "video", "payload key")
	progressAddr := fs.String("progress-addr", "", "serve progress events over websocket on this address")
	fs.Parse(args)

	e, log, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var reporter video.ProgressFunc
	if *progressAddr != "" {
		srv := &http.Server{Addr: *progressAddr, Handler: e.Progress}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("progress server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
		reporter = e.Progress.Reporter(*key)
		log.Info("progress available", "url", "ws://"+*progressAddr)
	}

	f, err := os.Open(*in)
	if err != nil {
		return fmt.Errorf("open %s: %w", *in, err)
	}
	ct := mime.TypeByExtension(filepath.Ext(*in))
	if ct == "" {
		ct = "video/mp4"
	}
	src, err := e.Store.CreateFromReader(f, ct)
	f.Close()
	if err != nil {
		return err
	}
	defer src.Close()

	opts := video.ProcessOptions{Compress: *compress, Progress: reporter}
	if *encrypt {
		opts.AESKey = crypto.RandomBytes(16)
	}
	res, err := e.Video.ProcessVideo(ctx, src, *key, opts)
	if err != nil {
		return err
	}

	out := transcodeOutput{}
	if res.TinyThumb != nil {
		out.TinyThumb = res.TinyThumb
	}
	for _, t := range res.Thumbnails {
		out.Thumbnails = append(out.Thumbnails, thumbFile{
			Key:         t.Key,
			PixelWidth:  t.PixelWidth,
			PixelHeight: t.PixelHeight,
			ContentType: t.ContentType,
			Path:        t.Payload.Path(),
		})
	}
	for _, p := range res.Payloads {
		po := payloadOutput{
			Key:               p.Key,
			Path:              p.Payload.Path(),
			ContentType:       p.Payload.MimeType(),
			DescriptorContent: p.DescriptorContent,
			SkipEncryption:    p.SkipEncryption,
		}
		if p.IV != nil {
			po.IV = base64.StdEncoding.EncodeToString(p.IV)
		}
		out.Payloads = append(out.Payloads, po)
	}
	if res.KeyHeader != nil {
		out.KeyHeader = &keyHeaderOutput{
			IV:     base64.StdEncoding.EncodeToString(res.KeyHeader.IV),
			AESKey: base64.StdEncoding.EncodeToString(res.KeyHeader.AESKey),
		}
	}
	return printJSON(out)
}

func cmdManifest(args []string) error {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	c := commonFlags(fs)
	ref := fs.String("ref", "", "payload reference identity/alias/type/id/key")
	gtid := fs.Bool("gtid", false, "the id in --ref is a global transit id")
	playlist := fs.String("playlist", "", "playlist file (default from the payload descriptor)")
	passphrase := fs.String("passphrase", "", "vault passphrase")
	serve := fs.Bool("serve", false, "keep the relay running until interrupted")
	fs.Parse(args)

	pr, err := media.ParseReference(*ref, *gtid)
	if err != nil {
		return err
	}
	var text string
	if *playlist != "" {
		b, err := os.ReadFile(*playlist)
		if err != nil {
			return fmt.Errorf("read %s: %w", *playlist, err)
		}
		text = string(b)
	}

	e, log, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	r, err := session(e, *passphrase)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	url, err := r.PlaybackManifest(ctx, pr, text, e.ManifestWriter())
	if err != nil {
		return err
	}
	fmt.Println(url)

	if *serve && e.Config().RelayEnabled {
		if err := e.StartRelay(); err != nil {
			return err
		}
		log.Info("relay listening", "addr", e.Relay.Addr())
		<-ctx.Done()
	}
	return nil
}

func cmdRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	c := commonFlags(fs)
	addr := fs.String("addr", "", "listen address (default RELAY_ADDR)")
	fs.Parse(args)

	e, log, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	if *addr != "" {
		e.Config().RelayAddr = *addr
	}

	ctx, cancel := signalContext()
	defer cancel()

	e.StartWorkers(ctx)
	if err := e.StartRelay(); err != nil {
		return err
	}
	log.Info("relay listening", "addr", e.Relay.Addr(), "cache_dir", e.Store.Dir())

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func cmdCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)

	e, _, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	return printJSON(e.Cleanup(time.Now()))
}
