// Package media holds the data model shared by every part of the engine:
// payload references, drives, image sizes, resolver handles and the error
// taxonomy.
package media

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Identity is the string identifier of a content-owning host.
type Identity string

// SystemFileType selects the file system on the identity host. The empty
// value is sent as "Standard".
type SystemFileType string

const (
	FileSystemStandard SystemFileType = "Standard"
	FileSystemComment  SystemFileType = "Comment"
)

// Drive is a logical content partition on an identity host.
type Drive struct {
	Alias string `json:"alias"`
	Type  string `json:"type"`
}

func (d Drive) String() string {
	return d.Alias + ":" + d.Type
}

// PayloadReference identifies one binary object. FileID addresses local
// content, GlobalTransitID addresses content reached through a peer. When both
// are set the global transit id wins for remote identities.
type PayloadReference struct {
	Identity        Identity
	Drive           Drive
	FileID          string
	GlobalTransitID string
	PayloadKey      string
	SystemFileType  SystemFileType
}

// ID returns whichever identifier addresses the payload.
func (r PayloadReference) ID() string {
	if r.GlobalTransitID != "" {
		return r.GlobalTransitID
	}
	return r.FileID
}

// FileSystem returns the file system type, defaulting to Standard.
func (r PayloadReference) FileSystem() SystemFileType {
	if r.SystemFileType == "" {
		return FileSystemStandard
	}
	return r.SystemFileType
}

// Validate checks the fields every fetch needs.
func (r PayloadReference) Validate() error {
	switch {
	case r.Identity == "":
		return fmt.Errorf("payload reference: identity is required")
	case r.Drive.Alias == "" || r.Drive.Type == "":
		return fmt.Errorf("payload reference: drive alias and type are required")
	case r.FileID == "" && r.GlobalTransitID == "":
		return fmt.Errorf("payload reference: file id or global transit id is required")
	case r.PayloadKey == "":
		return fmt.Errorf("payload reference: payload key is required")
	}
	return nil
}

func (r PayloadReference) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Identity, r.Drive, r.ID(), r.PayloadKey)
}

// ParseReference parses "identity/alias/type/id/key", the form used on the
// command line.
func ParseReference(s string, globalTransit bool) (PayloadReference, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return PayloadReference{}, fmt.Errorf("reference %q: want identity/alias/type/id/key", s)
	}
	ref := PayloadReference{
		Identity:   Identity(parts[0]),
		Drive:      Drive{Alias: parts[1], Type: parts[2]},
		PayloadKey: parts[4],
	}
	if globalTransit {
		ref.GlobalTransitID = parts[3]
	} else {
		ref.FileID = parts[3]
	}
	return ref, ref.Validate()
}

// ImageSize is a pixel size, used both as a requested thumb size and as a
// cache key component.
type ImageSize struct {
	PixelWidth  int `json:"pixelWidth"`
	PixelHeight int `json:"pixelHeight"`
}

const sizeGrid = 25

// Rounded snaps both dimensions to the nearest multiple of 25 so near-equal
// requests share one cache entry.
func (s ImageSize) Rounded() ImageSize {
	return ImageSize{
		PixelWidth:  roundToGrid(s.PixelWidth),
		PixelHeight: roundToGrid(s.PixelHeight),
	}
}

func roundToGrid(v int) int {
	return int(math.Round(float64(v)/sizeGrid)) * sizeGrid
}

// CacheKey renders the rounded size as "HxW".
func (s ImageSize) CacheKey() string {
	r := s.Rounded()
	return strconv.Itoa(r.PixelHeight) + "x" + strconv.Itoa(r.PixelWidth)
}

// ParseSize parses "WxH".
func ParseSize(s string) (ImageSize, error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return ImageSize{}, fmt.Errorf("size %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return ImageSize{}, fmt.Errorf("size %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return ImageSize{}, fmt.Errorf("size %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return ImageSize{}, fmt.Errorf("size %q: dimensions must be positive", s)
	}
	return ImageSize{PixelWidth: width, PixelHeight: height}, nil
}

func (s ImageSize) String() string {
	return fmt.Sprintf("%dx%d", s.PixelWidth, s.PixelHeight)
}
