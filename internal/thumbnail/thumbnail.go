// Package thumbnail renders the preview images stored next to an image or
// video payload: one tiny embedded thumb plus a ladder of larger sizes.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/nocturne-media/internal/blob"
	"github.com/ssd-technologies/nocturne-media/internal/media"
)

const (
	svgType  = "image/svg+xml"
	gifType  = "image/gif"
	jpegType = "image/jpeg"

	vectorSize = 50
)

// Instruction is one thumbnail to render: a bounding box, a JPEG quality and
// an optional byte budget.
type Instruction struct {
	PixelWidth  int `json:"pixelWidth"`
	PixelHeight int `json:"pixelHeight"`
	Quality     int `json:"quality"`
	MaxBytes    int `json:"maxBytes,omitempty"`
}

// DefaultSizes is the ladder used when the caller gives none.
var DefaultSizes = []Instruction{
	{PixelWidth: 250, PixelHeight: 250, Quality: 75},
	{PixelWidth: 600, PixelHeight: 600, Quality: 75},
	{PixelWidth: 1600, PixelHeight: 1600, Quality: 75},
}

// TinySize is the always-present preview.
var TinySize = Instruction{PixelWidth: 20, PixelHeight: 20, Quality: 10}

// EmbeddedThumb is a tiny thumb inlined into file metadata. Its size is the
// natural size of the source so a renderer can reserve the right box.
type EmbeddedThumb struct {
	PixelWidth  int    `json:"pixelWidth"`
	PixelHeight int    `json:"pixelHeight"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// File is a rendered thumbnail waiting to be uploaded.
type File struct {
	PixelWidth  int
	PixelHeight int
	ContentType string
	Key         string
	Payload     *blob.Blob
}

// Result is everything Generate produces for one source.
type Result struct {
	NaturalSize media.ImageSize
	TinyThumb   EmbeddedThumb
	Additional  []File
}

// Close releases every thumbnail blob.
func (r *Result) Close() {
	for _, f := range r.Additional {
		f.Payload.Close()
	}
}

// Generator writes thumbnails into the blob store.
type Generator struct {
	store *blob.Store
	log   *slog.Logger
}

func NewGenerator(store *blob.Store, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{store: store, log: log}
}

// Generate renders thumbnails for an image. Vector sources are passed through
// as a single 50x50 thumb, GIFs get only a tiny preview, and rasters get the
// tiny thumb plus the revised ladder. A nil sizes uses DefaultSizes.
func (g *Generator) Generate(ctx context.Context, source []byte, key, contentType string, sizes []Instruction) (*Result, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("thumbnail: no image data: %w", media.ErrTranscode)
	}
	switch contentType {
	case svgType:
		return vectorResult(source), nil
	case gifType:
		return g.animated(source)
	}

	img, _, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("thumbnail: decode: %v: %w", err, media.ErrTranscode)
	}
	natural := media.ImageSize{PixelWidth: img.Bounds().Dx(), PixelHeight: img.Bounds().Dy()}

	tinyBytes, tw, th, err := renderJPEG(img, TinySize)
	if err != nil {
		return nil, err
	}
	res := &Result{
		NaturalSize: natural,
		TinyThumb: EmbeddedThumb{
			PixelWidth:  natural.PixelWidth,
			PixelHeight: natural.PixelHeight,
			ContentType: jpegType,
			Content:     base64.StdEncoding.EncodeToString(tinyBytes),
		},
	}
	g.log.Debug("tiny thumb", "key", key, "width", tw, "height", th, "bytes", len(tinyBytes))

	if sizes == nil {
		sizes = DefaultSizes
	}
	ladder := Revise(natural, sizes)
	files := make([]File, len(ladder))

	eg, ctx := errgroup.WithContext(ctx)
	for i, ins := range ladder {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, w, h, err := renderJPEG(img, ins)
			if err != nil {
				return err
			}
			b := g.store.Create(data, jpegType, "")
			if err := b.Wait(ctx); err != nil {
				b.Close()
				return err
			}
			files[i] = File{PixelWidth: w, PixelHeight: h, ContentType: jpegType, Key: key, Payload: b}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, f := range files {
			if f.Payload != nil {
				f.Payload.Close()
			}
		}
		return nil, err
	}
	res.Additional = files
	return res, nil
}

// Revise drops ladder sizes that would upscale the source: a size is skipped
// when both source dimensions are smaller than it. When anything was skipped
// and no kept size equals the natural size, the natural size is appended at
// full quality so small sources still get one full-fidelity thumbnail.
func Revise(natural media.ImageSize, ladder []Instruction) []Instruction {
	kept := make([]Instruction, 0, len(ladder)+1)
	exact := false
	for _, ins := range ladder {
		if natural.PixelWidth < ins.PixelWidth && natural.PixelHeight < ins.PixelHeight {
			continue
		}
		if ins.PixelWidth == natural.PixelWidth && ins.PixelHeight == natural.PixelHeight {
			exact = true
		}
		kept = append(kept, ins)
	}
	if len(kept) < len(ladder) && !exact {
		kept = append(kept, Instruction{
			PixelWidth:  natural.PixelWidth,
			PixelHeight: natural.PixelHeight,
			Quality:     100,
		})
	}
	return kept
}

func vectorResult(source []byte) *Result {
	return &Result{
		NaturalSize: media.ImageSize{PixelWidth: vectorSize, PixelHeight: vectorSize},
		TinyThumb: EmbeddedThumb{
			PixelWidth:  vectorSize,
			PixelHeight: vectorSize,
			ContentType: svgType,
			Content:     base64.StdEncoding.EncodeToString(source),
		},
	}
}

// animated renders the first frame of a GIF into a tiny GIF preview.
func (g *Generator) animated(source []byte) (*Result, error) {
	img, err := gif.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("thumbnail: decode gif: %v: %w", err, media.ErrTranscode)
	}
	natural := media.ImageSize{PixelWidth: img.Bounds().Dx(), PixelHeight: img.Bounds().Dy()}
	small := scale(img, TinySize)

	var buf bytes.Buffer
	if err := gif.Encode(&buf, small, nil); err != nil {
		return nil, fmt.Errorf("thumbnail: encode gif: %v: %w", err, media.ErrTranscode)
	}
	return &Result{
		NaturalSize: natural,
		TinyThumb: EmbeddedThumb{
			PixelWidth:  natural.PixelWidth,
			PixelHeight: natural.PixelHeight,
			ContentType: gifType,
			Content:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		},
	}, nil
}

// renderJPEG scales img into the instruction's box and encodes it, lowering
// quality until the byte budget is met or quality bottoms out.
func renderJPEG(img image.Image, ins Instruction) ([]byte, int, int, error) {
	small := scale(img, ins)
	quality := clampQuality(ins.Quality)

	for {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: quality}); err != nil {
			return nil, 0, 0, fmt.Errorf("thumbnail: encode: %v: %w", err, media.ErrTranscode)
		}
		if ins.MaxBytes <= 0 || buf.Len() <= ins.MaxBytes || quality <= 1 {
			b := small.Bounds()
			return buf.Bytes(), b.Dx(), b.Dy(), nil
		}
		excess := float64(buf.Len()) / float64(ins.MaxBytes)
		drop := int(math.Floor(float64(quality) * excess * 0.5))
		drop = min(40, max(5, drop))
		quality = max(1, quality-drop)
	}
}

func clampQuality(q int) int {
	switch {
	case q <= 0:
		return jpeg.DefaultQuality
	case q > 100:
		return 100
	}
	return q
}

// scale fits img inside the instruction's box, keeping the aspect ratio and
// never enlarging.
func scale(img image.Image, ins Instruction) image.Image {
	b := img.Bounds()
	w, h := fit(b.Dx(), b.Dy(), ins.PixelWidth, ins.PixelHeight)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func fit(srcW, srcH, boxW, boxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return 1, 1
	}
	ratio := math.Min(float64(boxW)/float64(srcW), float64(boxH)/float64(srcH))
	if ratio >= 1 {
		return srcW, srcH
	}
	w := max(1, int(math.Round(float64(srcW)*ratio)))
	h := max(1, int(math.Round(float64(srcH)*ratio)))
	return w, h
}
