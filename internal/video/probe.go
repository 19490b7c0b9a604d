package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ssd-technologies/nocturne-media/internal/media"
)

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	CodecTag  string `json:"codec_tag_string"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// ProbeResult is what the pipeline needs to know about a source.
type ProbeResult struct {
	VideoCodec string
	AudioCodec string
	Width      int
	Height     int
	Duration   float64 // seconds
	// Codec is the MIME type with codecs parameter, for segmented metadata.
	Codec string
}

// IsH264 reports whether the video stream can be stream-copied.
func (p *ProbeResult) IsH264() bool {
	return p.VideoCodec == "h264"
}

// Probe inspects a file with ffprobe.
func (p *Pipeline) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{"-v", "error", "-print_format", "json", "-show_streams", "-show_format", path}
	var stdout bytes.Buffer
	if err := p.runner.Run(ctx, p.cfg.FFprobe, args, &stdout); err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("probe %s: parse output: %v: %w", path, err, media.ErrTranscode)
	}
	return parseProbe(&out), nil
}

func parseProbe(out *ffprobeOutput) *ProbeResult {
	res := &ProbeResult{}
	var tags []string
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if res.VideoCodec != "" {
				continue
			}
			res.VideoCodec = s.CodecName
			res.Width, res.Height = s.Width, s.Height
		case "audio":
			if res.AudioCodec != "" {
				continue
			}
			res.AudioCodec = s.CodecName
		default:
			continue
		}
		if tag := s.CodecTag; tag != "" && !strings.HasPrefix(tag, "[") {
			tags = append(tags, tag)
		}
	}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		res.Duration = d
	}
	res.Codec = "video/mp4"
	if len(tags) > 0 {
		res.Codec = fmt.Sprintf(`video/mp4; codecs="%s"`, strings.Join(tags, ","))
	}
	return res
}
