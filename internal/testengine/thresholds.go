package testengine

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ThresholdsFileName is looked up inside the host data directory.
const ThresholdsFileName = "thresholds.yaml"

// Thresholds tune the built-in tests.
type Thresholds struct {
	// UVMaxLuminance is the brightest mean a genuine UV-dull substrate may show.
	UVMaxLuminance float64 `yaml:"uv_max_luminance"`
	// UVMinPattern is the minimum luminance deviation of fluorescent features.
	UVMinPattern float64 `yaml:"uv_min_pattern"`
	// IRMinContrastDrop is the minimum fraction of visible contrast that must vanish under IR.
	IRMinContrastDrop float64 `yaml:"ir_min_contrast_drop"`
	// IRMinStdDev rejects blank IR captures.
	IRMinStdDev float64 `yaml:"ir_min_stddev"`
	// VoidMaxEdgeDensity caps high frequency content revealed by reproduction.
	VoidMaxEdgeDensity float64 `yaml:"void_max_edge_density"`
	// MatchSimilarity is the lowest similarity accepted as a partial match.
	MatchSimilarity float64 `yaml:"match_similarity"`
}

// DefaultThresholds returns the built-in tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UVMaxLuminance:     150,
		UVMinPattern:       12,
		IRMinContrastDrop:  0.15,
		IRMinStdDev:        4,
		VoidMaxEdgeDensity: 0.35,
		MatchSimilarity:    0.8,
	}
}

// LoadThresholds overlays the YAML file at path on the defaults. A missing
// file yields the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return t, fmt.Errorf("read thresholds: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse thresholds: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate rejects thresholds that would make every test pass or fail.
func (t Thresholds) Validate() error {
	switch {
	case t.UVMaxLuminance <= 0 || t.UVMaxLuminance > 255:
		return fmt.Errorf("uv_max_luminance must be in (0, 255]")
	case t.UVMinPattern <= 0:
		return fmt.Errorf("uv_min_pattern must be positive")
	case t.IRMinContrastDrop <= 0 || t.IRMinContrastDrop >= 1:
		return fmt.Errorf("ir_min_contrast_drop must be in (0, 1)")
	case t.IRMinStdDev <= 0:
		return fmt.Errorf("ir_min_stddev must be positive")
	case t.VoidMaxEdgeDensity <= 0 || t.VoidMaxEdgeDensity >= 1:
		return fmt.Errorf("void_max_edge_density must be in (0, 1)")
	case t.MatchSimilarity <= 0 || t.MatchSimilarity > 1:
		return fmt.Errorf("match_similarity must be in (0, 1]")
	}
	return nil
}
