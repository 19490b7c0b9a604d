package video

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	mp4Type      = "video/mp4"
	playlistType = "application/vnd.apple.mpegurl"
	segmentsType = "video/mp2t"
)

// Metadata describes a transcoded video. It is one of PlainMetadata,
// SegmentedMetadata or HlsMetadata, chosen once at transcode time.
type Metadata interface {
	metadata()
}

// PlainMetadata is a single progressive file.
type PlainMetadata struct {
	IsSegmented bool    `json:"isSegmented"`
	MimeType    string  `json:"mimeType"`
	FileSize    int64   `json:"fileSize"`
	Duration    float64 `json:"duration,omitempty"`
}

// SegmentedMetadata is a fragmented MP4 that can be streamed progressively.
type SegmentedMetadata struct {
	IsSegmented bool    `json:"isSegmented"`
	Codec       string  `json:"codec"`
	FileSize    int64   `json:"fileSize"`
	Duration    float64 `json:"duration,omitempty"`
}

// HlsMetadata carries the playlist text so it can be rewritten and played
// without another fetch.
type HlsMetadata struct {
	IsSegmented bool    `json:"isSegmented"`
	MimeType    string  `json:"mimeType"`
	HlsPlaylist string  `json:"hlsPlaylist"`
	Duration    float64 `json:"duration,omitempty"`
}

func (PlainMetadata) metadata()     {}
func (SegmentedMetadata) metadata() {}
func (HlsMetadata) metadata()       {}

// EncodeDescriptor renders metadata as base64 JSON, the payload descriptor
// format.
func EncodeDescriptor(m Metadata) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode video metadata: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeDescriptor parses a descriptor back into its metadata variant.
func DecodeDescriptor(descriptor string) (Metadata, error) {
	raw, err := base64.StdEncoding.DecodeString(descriptor)
	if err != nil {
		return nil, fmt.Errorf("decode video metadata: %w", err)
	}
	var probe struct {
		IsSegmented bool   `json:"isSegmented"`
		HlsPlaylist string `json:"hlsPlaylist"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode video metadata: %w", err)
	}

	var m Metadata
	switch {
	case probe.HlsPlaylist != "":
		var h HlsMetadata
		err = json.Unmarshal(raw, &h)
		m = h
	case probe.IsSegmented:
		var s SegmentedMetadata
		err = json.Unmarshal(raw, &s)
		m = s
	default:
		var p PlainMetadata
		err = json.Unmarshal(raw, &p)
		m = p
	}
	if err != nil {
		return nil, fmt.Errorf("decode video metadata: %w", err)
	}
	return m, nil
}
