package imageprocessor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/logging"
)

const (
	maxSamplesPerAxis = 256
	edgeThreshold     = 32.0
)

// LocalAnalyzer decodes images in-process and derives coarse optical signals.
type LocalAnalyzer struct {
	hostDir string
	logger  *zap.Logger
}

// NewLocalAnalyzer builds an analyzer. hostDir, when set, must exist at Init.
func NewLocalAnalyzer(hostDir string, logger *zap.Logger) *LocalAnalyzer {
	return &LocalAnalyzer{hostDir: hostDir, logger: logger.Named("local_analyzer")}
}

// Init verifies the host directory.
func (a *LocalAnalyzer) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.hostDir == "" {
		return nil
	}
	info, err := os.Stat(a.hostDir)
	if err != nil {
		return logging.NewOperationError("imageprocessor.init", "", err)
	}
	if !info.IsDir() {
		return logging.NewOperationError("imageprocessor.init", "", fmt.Errorf("%s is not a directory", a.hostDir))
	}
	return nil
}

// Analyze decodes data and measures luminance, contrast, edges and saturation.
func (a *LocalAnalyzer) Analyze(ctx context.Context, role document.ImageRole, data []byte) (*Features, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%s: %w", role, ErrUnsupportedFormat)
		}
		return nil, fmt.Errorf("%s: %w: %v", role, ErrUnreadableImage, err)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("%s: %w: empty bounds", role, ErrUnreadableImage)
	}

	features := &Features{
		Role:    role,
		Format:  format,
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Signals: measure(img),
	}
	a.logger.Debug("image analyzed",
		zap.String("role", string(role)),
		zap.String("format", format),
		zap.Int("width", features.Width),
		zap.Int("height", features.Height),
	)
	return features, nil
}

func measure(img image.Image) map[string]float64 {
	bounds := img.Bounds()
	stepX := max(1, bounds.Dx()/maxSamplesPerAxis)
	stepY := max(1, bounds.Dy()/maxSamplesPerAxis)

	var (
		n, edges, pairs    int
		sum, sumSq, satSum float64
	)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		prev := math.NaN()
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			rf, gf, bf := float64(r>>8), float64(g>>8), float64(b>>8)
			lum := 0.299*rf + 0.587*gf + 0.114*bf
			sum += lum
			sumSq += lum * lum
			satSum += saturation(rf, gf, bf)
			n++
			if !math.IsNaN(prev) {
				pairs++
				if math.Abs(lum-prev) > edgeThreshold {
					edges++
				}
			}
			prev = lum
		}
	}

	mean := sum / float64(n)
	variance := math.Max(0, sumSq/float64(n)-mean*mean)
	density := 0.0
	if pairs > 0 {
		density = float64(edges) / float64(pairs)
	}
	return map[string]float64{
		SignalLuminanceMean:   mean,
		SignalLuminanceStdDev: math.Sqrt(variance),
		SignalEdgeDensity:     density,
		SignalSaturationMean:  satSum / float64(n),
	}
}

func saturation(r, g, b float64) float64 {
	hi := math.Max(r, math.Max(g, b))
	lo := math.Min(r, math.Min(g, b))
	if hi == 0 {
		return 0
	}
	return (hi - lo) / hi
}
