package testengine

import "github.com/example/doc-validation/internal/document"

// BuiltinTests returns the standard roster in registration order.
func BuiltinTests(t Thresholds) []Test {
	return []Test{
		&uvPatternTest{name: "UV Front Pattern", role: document.UVFront, thresholds: t},
		&uvPatternTest{name: "UV Back Pattern", role: document.UVBack, thresholds: t},
		&irInkTest{name: "IR Front Ink", visible: document.ColorFront, infrared: document.IRFront, thresholds: t},
		&irInkTest{name: "IR Back Ink", visible: document.ColorBack, infrared: document.IRBack, thresholds: t},
		&voidPatternTest{name: "Void Pattern", role: document.ColorFront, thresholds: t},

		&crossMatchTest{name: "Barcode vs MRZ", first: document.SourcePDF417, second: document.SourceMRZ, thresholds: t},
		&crossMatchTest{name: "Barcode vs OCR", first: document.SourcePDF417, second: document.SourceOCR, thresholds: t},
		&crossMatchTest{name: "MRZ vs OCR", first: document.SourceMRZ, second: document.SourceOCR, thresholds: t},

		pdf417MandatoryTest{},
		pdf417DatesTest{},
		mrzCheckDigitsTest{},
	}
}

// DefaultRegistry builds a registry of the built-in tests.
func DefaultRegistry(t Thresholds) (*Registry, error) {
	return NewRegistry(BuiltinTests(t)...)
}
