package imageprocessor

import (
	"context"
	"errors"

	"github.com/example/doc-validation/internal/document"
)

var (
	// ErrUnreadableImage is returned when image bytes cannot be decoded.
	ErrUnreadableImage = errors.New("unreadable image")
	// ErrUnsupportedFormat is returned for image encodings the engine does not handle.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Signal names reported by analyzers.
const (
	SignalLuminanceMean   = "luminance_mean"
	SignalLuminanceStdDev = "luminance_stddev"
	SignalEdgeDensity     = "edge_density"
	SignalSaturationMean  = "saturation_mean"
)

// Features contains what the engine extracted from one image.
type Features struct {
	Role    document.ImageRole
	Format  string
	Width   int
	Height  int
	Signals map[string]float64
	// Fields holds OCR output when the engine performs recognition.
	Fields document.Fields
}

// Signal returns a named signal and whether it was reported.
func (f *Features) Signal(name string) (float64, bool) {
	if f == nil || f.Signals == nil {
		return 0, false
	}
	v, ok := f.Signals[name]
	return v, ok
}

// Analyzer exposes the subset of engine functionality used by the validation flow.
type Analyzer interface {
	Analyze(ctx context.Context, role document.ImageRole, data []byte) (*Features, error)
}

// Initializer is implemented by analyzers that need a startup handshake.
type Initializer interface {
	Init(ctx context.Context) error
}

// IsDecodeFailure reports whether err means the image itself was unusable.
func IsDecodeFailure(err error) bool {
	return errors.Is(err, ErrUnreadableImage) || errors.Is(err, ErrUnsupportedFormat)
}
