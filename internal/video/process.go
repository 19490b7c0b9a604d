package video

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/thumbnail"
)

// videoThumbSizes is the ladder rendered from a video's first frame.
var videoThumbSizes = []thumbnail.Instruction{{PixelWidth: 250, PixelHeight: 250, Quality: 100}}

// PayloadFile is an upload-ready payload with its descriptor.
type PayloadFile struct {
	Key               string
	Payload           *blob.Blob
	DescriptorContent string
	// SkipEncryption is set when ffmpeg already encrypted the segments; IV is
	// the segment IV the uploader must record instead of encrypting again.
	SkipEncryption bool
	IV             []byte
}

// Processed is everything needed to upload a video.
type Processed struct {
	TinyThumb  *thumbnail.EmbeddedThumb
	Thumbnails []thumbnail.File
	Payloads   []PayloadFile
	KeyHeader  *crypto.KeyHeader
}

// ProcessOptions controls ProcessVideo.
type ProcessOptions struct {
	Compress bool
	// AESKey, when set, encrypts HLS segments with a key header generated
	// from it.
	AESKey   []byte
	Progress ProgressFunc
}

// ProcessVideo grabs a thumbnail from the first frame, then transcodes the
// video. A failed frame grab only loses the thumbnails.
func (p *Pipeline) ProcessVideo(ctx context.Context, src *blob.Blob, payloadKey string, opts ProcessOptions) (*Processed, error) {
	progress := opts.Progress
	if progress == nil {
		progress = func(string, float64) {}
	}
	var kh *crypto.KeyHeader
	if opts.AESKey != nil {
		h := crypto.GenerateKeyHeader(opts.AESKey)
		kh = &h
	}

	res := &Processed{KeyHeader: kh}

	progress(PhaseThumbnail, 0)
	if thumbs, err := p.videoThumbnails(ctx, src, payloadKey); err != nil {
		p.log.Warn("video thumbnail skipped", "id", src.ID(), "err", err)
	} else {
		res.TinyThumb = &thumbs.TinyThumb
		res.Thumbnails = thumbs.Additional
	}
	progress(PhaseThumbnail, 1)

	out, err := p.Transcode(ctx, src, TranscodeOptions{
		Compress:  opts.Compress,
		KeyHeader: kh,
		Progress:  progress,
	})
	if err != nil {
		for _, t := range res.Thumbnails {
			t.Payload.Close()
		}
		return nil, err
	}

	descriptor, err := EncodeDescriptor(out.Metadata)
	if err != nil {
		return nil, err
	}
	payload := PayloadFile{Key: payloadKey, Payload: out.Video, DescriptorContent: descriptor}
	if out.Encrypted {
		payload.SkipEncryption = true
		payload.IV = kh.IV
	}
	res.Payloads = append(res.Payloads, payload)

	progress(PhaseDone, 1)
	return res, nil
}

func (p *Pipeline) videoThumbnails(ctx context.Context, src *blob.Blob, key string) (*thumbnail.Result, error) {
	frame, err := p.GrabFrame(ctx, src)
	if err != nil {
		return nil, err
	}
	defer frame.Close()

	data, err := frame.Bytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return p.thumbs.Generate(ctx, data, key, frame.MimeType(), videoThumbSizes)
}
