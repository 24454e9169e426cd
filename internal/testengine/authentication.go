package testengine

import (
	"context"
	"fmt"
	"math"

	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/imageprocessor"
)

// marginConfidence maps the signed, scaled distance from a limit onto 0-100,
// with 50 exactly at the limit.
func marginConfidence(value, limit, scale float64, below bool) float64 {
	if scale <= 0 {
		scale = 1
	}
	d := (value - limit) / scale
	if below {
		d = -d
	}
	return document.ClampConfidence(50 + 50*d)
}

func outcome(pass bool, confidence float64, reason string) document.TestResult {
	status := document.StatusFail
	if pass {
		status = document.StatusPass
	}
	return document.TestResult{Status: status, Confidence: confidence, Reason: reason}
}

func signal(f *imageprocessor.Features, name string) (float64, error) {
	v, ok := f.Signal(name)
	if !ok {
		return 0, fmt.Errorf("engine did not report %s for %s", name, f.Role)
	}
	return v, nil
}

// uvPatternTest checks that the substrate stays dull under UV while
// fluorescent features stand out.
type uvPatternTest struct {
	name       string
	role       document.ImageRole
	thresholds Thresholds
}

func (t *uvPatternTest) Name() string                { return t.name }
func (t *uvPatternTest) Category() document.Category { return document.Authentication }
func (t *uvPatternTest) Requires() Requirements {
	return Requirements{Images: []document.ImageRole{t.role}}
}

func (t *uvPatternTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	f := in.Images[t.role]
	mean, err := signal(f, imageprocessor.SignalLuminanceMean)
	if err != nil {
		return document.TestResult{}, err
	}
	pattern, err := signal(f, imageprocessor.SignalLuminanceStdDev)
	if err != nil {
		return document.TestResult{}, err
	}
	dull := mean <= t.thresholds.UVMaxLuminance
	patterned := pattern >= t.thresholds.UVMinPattern
	confidence := math.Min(
		marginConfidence(mean, t.thresholds.UVMaxLuminance, t.thresholds.UVMaxLuminance, true),
		marginConfidence(pattern, t.thresholds.UVMinPattern, t.thresholds.UVMinPattern, false),
	)
	reason := ""
	switch {
	case !dull:
		reason = "substrate fluoresces under UV"
	case !patterned:
		reason = "no UV features detected"
	}
	return outcome(dull && patterned, confidence, reason), nil
}

// irInkTest checks that part of the visible print disappears under infrared.
type irInkTest struct {
	name       string
	visible    document.ImageRole
	infrared   document.ImageRole
	thresholds Thresholds
}

func (t *irInkTest) Name() string                { return t.name }
func (t *irInkTest) Category() document.Category { return document.Authentication }
func (t *irInkTest) Requires() Requirements {
	return Requirements{Images: []document.ImageRole{t.visible, t.infrared}}
}

func (t *irInkTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	visible, err := signal(in.Images[t.visible], imageprocessor.SignalLuminanceStdDev)
	if err != nil {
		return document.TestResult{}, err
	}
	infrared, err := signal(in.Images[t.infrared], imageprocessor.SignalLuminanceStdDev)
	if err != nil {
		return document.TestResult{}, err
	}
	if visible == 0 {
		return outcome(false, 0, "visible image has no contrast"), nil
	}
	maxRatio := 1 - t.thresholds.IRMinContrastDrop
	ratio := infrared / visible
	confidence := math.Min(
		marginConfidence(ratio, maxRatio, 0.5, true),
		marginConfidence(infrared, t.thresholds.IRMinStdDev, t.thresholds.IRMinStdDev, false),
	)
	reason := ""
	switch {
	case infrared < t.thresholds.IRMinStdDev:
		reason = "infrared image is blank"
	case ratio > maxRatio:
		reason = "print does not change under infrared"
	}
	return outcome(reason == "", confidence, reason), nil
}

// voidPatternTest looks for the high frequency artefacts a hidden void
// pantograph leaves on reproductions.
type voidPatternTest struct {
	name       string
	role       document.ImageRole
	thresholds Thresholds
}

func (t *voidPatternTest) Name() string                { return t.name }
func (t *voidPatternTest) Category() document.Category { return document.Authentication }
func (t *voidPatternTest) Requires() Requirements {
	return Requirements{Images: []document.ImageRole{t.role}}
}

func (t *voidPatternTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	density, err := signal(in.Images[t.role], imageprocessor.SignalEdgeDensity)
	if err != nil {
		return document.TestResult{}, err
	}
	limit := t.thresholds.VoidMaxEdgeDensity
	pass := density <= limit
	reason := ""
	if !pass {
		reason = "void pattern revealed"
	}
	return outcome(pass, marginConfidence(density, limit, limit, true), reason), nil
}
