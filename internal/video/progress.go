package video

import (
	"bytes"
	"strconv"
	"strings"
)

// progressWriter parses ffmpeg -progress key=value lines and reports
// out_time as a fraction of the total duration. Reports only increase.
type progressWriter struct {
	total    float64
	fn       func(float64)
	partial  []byte
	reported float64
}

func newProgressWriter(totalSeconds float64, fn func(float64)) *progressWriter {
	return &progressWriter{total: totalSeconds, fn: fn}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(strings.TrimSpace(string(w.partial[:i])))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *progressWriter) line(l string) {
	if w.fn == nil {
		return
	}
	key, val, ok := strings.Cut(l, "=")
	if !ok {
		return
	}
	var frac float64
	switch key {
	case "out_time_us", "out_time_ms":
		// Both are microseconds.
		us, err := strconv.ParseInt(val, 10, 64)
		if err != nil || w.total <= 0 {
			return
		}
		frac = float64(us) / 1e6 / w.total
	case "progress":
		if val != "end" {
			return
		}
		frac = 1
	default:
		return
	}
	frac = min(1, max(0, frac))
	// Two decimal places is enough for a progress bar.
	frac = float64(int(frac*100)) / 100
	if frac > w.reported {
		w.reported = frac
		w.fn(frac)
	}
}
