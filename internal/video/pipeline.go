// Package video turns a source video into an uploadable payload: optionally
// compressed, then kept whole, remuxed for progressive streaming, or cut into
// an HLS stream with optional AES-128 segment encryption.
package video

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/thumbnail"
)

// State is a step of the per-video state machine.
type State string

const (
	StateReceived    State = "received"
	StateCompressed  State = "compressed"
	StateCodecProbed State = "codec_probed"
	StateHls         State = "segmented_hls"
	StateProgressive State = "fragmented_progressive"
	StatePlain       State = "plain"
	StateDone        State = "done"
)

// Phase names reported to progress listeners.
const (
	PhaseThumbnail = "thumbnail"
	PhaseCompress  = "compress"
	PhaseSegment   = "segment"
	PhaseDone      = "done"
)

// ProgressFunc receives a phase name and a fraction in [0,1].
type ProgressFunc func(phase string, progress float64)

// KeyURIPlaceholder is written as the key URI of encrypted playlists. The
// manifest rewriter replaces it at playback time.
const KeyURIPlaceholder = "encryption.key"

// Config holds the pipeline's tunables.
type Config struct {
	FFmpeg               string
	FFprobe              string
	SegmentThreshold     int64
	SegmentSeconds       int
	CompressMaxDimension int
	CompressBitrate      int
	FragmentProgressive  bool
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		FFmpeg:               "ffmpeg",
		FFprobe:              "ffprobe",
		SegmentThreshold:     5_000_000,
		SegmentSeconds:       6,
		CompressMaxDimension: 1280,
		CompressBitrate:      3_000_000,
	}
}

// Pipeline runs ffmpeg and ffprobe against blobs in the cache directory.
type Pipeline struct {
	cfg    Config
	runner Runner
	store  *blob.Store
	thumbs *thumbnail.Generator
	log    *slog.Logger
}

func New(cfg Config, runner Runner, store *blob.Store, log *slog.Logger) *Pipeline {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		runner: runner,
		store:  store,
		thumbs: thumbnail.NewGenerator(store, log),
		log:    log,
	}
}

// EncryptionKeyInfo describes the key files handed to ffmpeg for one HLS
// encode. Both files are removed when the encode returns.
type EncryptionKeyInfo struct {
	KeyURI   string
	KeyFile  string
	InfoFile string
	IVHex    string
}

// TranscodeOptions controls one Transcode call.
type TranscodeOptions struct {
	Compress  bool
	KeyHeader *crypto.KeyHeader
	Progress  ProgressFunc
}

// Output is the result of Transcode. Video is the payload file: the
// progressive MP4 or the concatenated HLS segments.
type Output struct {
	Video    *blob.Blob
	Metadata Metadata
	State    State
	// Encrypted is set when the segments were encrypted by ffmpeg with the
	// supplied key header.
	Encrypted bool
}

// Transcode walks a source through compress, probe and the segment decision.
func (p *Pipeline) Transcode(ctx context.Context, src *blob.Blob, opts TranscodeOptions) (*Output, error) {
	if err := src.Wait(ctx); err != nil {
		return nil, err
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string, float64) {}
	}
	p.log.Debug("video state", "id", src.ID(), "state", StateReceived)

	current := src
	if opts.Compress {
		compressed, err := p.Compress(ctx, src, func(f float64) { progress(PhaseCompress, f/1.5) })
		if err != nil {
			return nil, err
		}
		current = compressed
		p.log.Debug("video state", "id", src.ID(), "state", StateCompressed)
	}

	info, err := p.Probe(ctx, current.Path())
	if err != nil {
		return nil, err
	}
	p.log.Debug("video state", "id", src.ID(), "state", StateCodecProbed, "codec", info.VideoCodec)

	size := current.Size()
	var out *Output
	switch {
	case size >= p.cfg.SegmentThreshold:
		out, err = p.segmentHLS(ctx, current, info, opts.KeyHeader)
	case p.cfg.FragmentProgressive:
		out, err = p.fragment(ctx, current, info)
	default:
		out = &Output{
			Video: current,
			Metadata: PlainMetadata{
				MimeType: mimeOr(current.MimeType(), mp4Type),
				FileSize: size,
				Duration: info.Duration,
			},
			State: StatePlain,
		}
	}
	if err != nil {
		return nil, err
	}
	if current != src && out.Video != current {
		current.Close()
	}

	progress(PhaseSegment, 1)
	p.log.Info("video transcoded", "id", src.ID(), "state", out.State, "bytes", size)
	return out, nil
}

// Compress re-encodes to H.264/AAC within the configured dimension and
// bitrate, reporting progress as a fraction of the source duration.
func (p *Pipeline) Compress(ctx context.Context, src *blob.Blob, onProgress func(float64)) (*blob.Blob, error) {
	info, err := p.Probe(ctx, src.Path())
	if err != nil {
		return nil, err
	}
	_, out := p.store.NewPath(".mp4")
	dim := p.cfg.CompressMaxDimension
	args := []string{
		"-y", "-i", src.Path(),
		"-vf", fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2", dim, dim),
		"-c:v", "libx264", "-b:v", strconv.Itoa(p.cfg.CompressBitrate),
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-progress", "pipe:1", "-nostats",
		out,
	}
	pw := newProgressWriter(info.Duration, onProgress)
	if err := p.runner.Run(ctx, p.cfg.FFmpeg, args, pw); err != nil {
		os.Remove(out)
		return nil, fmt.Errorf("compress %s: %w", src.ID(), err)
	}
	return p.store.Adopt(out, mp4Type)
}

// codecArgs stream-copies H.264 sources and re-encodes everything else.
func codecArgs(info *ProbeResult) []string {
	if info.IsH264() {
		return []string{"-codec", "copy"}
	}
	return []string{"-c:v", "libx264", "-c:a", "aac"}
}

func (p *Pipeline) fragment(ctx context.Context, src *blob.Blob, info *ProbeResult) (*Output, error) {
	_, out := p.store.NewPath(".mp4")
	args := append([]string{"-y", "-i", src.Path()}, codecArgs(info)...)
	args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof", out)
	if err := p.runner.Run(ctx, p.cfg.FFmpeg, args, nil); err != nil {
		os.Remove(out)
		return nil, fmt.Errorf("fragment %s: %w", src.ID(), err)
	}
	b, err := p.store.Adopt(out, mp4Type)
	if err != nil {
		return nil, err
	}
	return &Output{
		Video: b,
		Metadata: SegmentedMetadata{
			IsSegmented: true,
			Codec:       info.Codec,
			FileSize:    b.Size(),
			Duration:    info.Duration,
		},
		State: StateProgressive,
	}, nil
}

func (p *Pipeline) segmentHLS(ctx context.Context, src *blob.Blob, info *ProbeResult, kh *crypto.KeyHeader) (*Output, error) {
	id, playlist := p.store.NewPath(".m3u8")
	segments := strings.TrimSuffix(playlist, ".m3u8") + ".ts"

	args := append([]string{"-y", "-i", src.Path()}, codecArgs(info)...)
	if kh != nil {
		ki, err := p.writeKeyInfo(kh)
		if err != nil {
			return nil, err
		}
		defer p.removeKeyInfo(ki)
		args = append(args, "-hls_key_info_file", ki.InfoFile)
	}
	args = append(args,
		"-hls_time", strconv.Itoa(p.cfg.SegmentSeconds),
		"-hls_list_size", "0",
		"-f", "hls",
		"-hls_flags", "single_file",
		playlist,
	)

	if err := p.runner.Run(ctx, p.cfg.FFmpeg, args, nil); err != nil {
		os.Remove(playlist)
		os.Remove(segments)
		return nil, fmt.Errorf("segment %s: %w", src.ID(), err)
	}

	text, err := os.ReadFile(playlist)
	os.Remove(playlist)
	if err != nil {
		os.Remove(segments)
		return nil, fmt.Errorf("segment %s: read playlist: %v: %w", src.ID(), err, media.ErrTranscode)
	}
	if len(text) == 0 {
		os.Remove(segments)
		return nil, fmt.Errorf("segment %s: empty playlist: %w", src.ID(), media.ErrTranscode)
	}
	b, err := p.store.Adopt(segments, segmentsType)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", src.ID(), err)
	}
	p.log.Debug("hls segmented", "id", id, "playlist_bytes", len(text), "segment_bytes", b.Size())

	return &Output{
		Video: b,
		Metadata: HlsMetadata{
			IsSegmented: true,
			MimeType:    playlistType,
			HlsPlaylist: string(text),
			Duration:    info.Duration,
		},
		State:     StateHls,
		Encrypted: kh != nil,
	}, nil
}

// writeKeyInfo writes the raw key and ffmpeg's key info file under fresh
// names. The info file holds the key URI, the key path and the IV in hex.
func (p *Pipeline) writeKeyInfo(kh *crypto.KeyHeader) (*EncryptionKeyInfo, error) {
	_, keyFile := p.store.NewPath("-hls.key")
	_, infoFile := p.store.NewPath("-hls.keyinfo")
	ki := &EncryptionKeyInfo{
		KeyURI:   KeyURIPlaceholder,
		KeyFile:  keyFile,
		InfoFile: infoFile,
		IVHex:    hex.EncodeToString(kh.IV),
	}
	if err := os.WriteFile(keyFile, kh.AESKey, 0o600); err != nil {
		return nil, fmt.Errorf("write hls key: %v: %w", err, media.ErrIO)
	}
	info := ki.KeyURI + "\n" + ki.KeyFile + "\n" + ki.IVHex
	if err := os.WriteFile(infoFile, []byte(info), 0o600); err != nil {
		os.Remove(keyFile)
		return nil, fmt.Errorf("write hls key info: %v: %w", err, media.ErrIO)
	}
	return ki, nil
}

func (p *Pipeline) removeKeyInfo(ki *EncryptionKeyInfo) {
	for _, f := range []string{ki.KeyFile, ki.InfoFile} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			p.log.Error("remove hls key material", "path", f, "err", err)
		}
	}
}

// GrabFrame extracts the first video frame as a PNG blob.
func (p *Pipeline) GrabFrame(ctx context.Context, src *blob.Blob) (*blob.Blob, error) {
	if err := src.Wait(ctx); err != nil {
		return nil, err
	}
	_, out := p.store.NewPath(".png")
	args := []string{"-y", "-i", src.Path(), "-frames:v", "1", out}
	if err := p.runner.Run(ctx, p.cfg.FFmpeg, args, nil); err != nil {
		os.Remove(out)
		return nil, fmt.Errorf("grab frame %s: %w", src.ID(), err)
	}
	return p.store.Adopt(out, "image/png")
}

func mimeOr(m, fallback string) string {
	if m == "" {
		return fallback
	}
	return m
}
