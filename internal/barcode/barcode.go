// Package barcode turns raw strings read from document barcodes and machine
// readable zones into standard document fields.
package barcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/doc-validation/internal/document"
)

// ErrMalformedPayload is returned when a raw string cannot be structurally parsed.
var ErrMalformedPayload = errors.New("malformed payload")

// Parsed is the structured content of one raw string.
type Parsed struct {
	Source   document.RawDataSource
	Kind     document.Kind
	Fields   document.Fields
	Elements map[string]string
	AAMVA    *AAMVAHeader
	MRZ      *MRZInfo
}

// Parser decodes a raw string of a given source.
type Parser interface {
	Parse(ctx context.Context, source document.RawDataSource, raw string) (*Parsed, error)
}

// Decoder dispatches raw strings to the parser for their source.
type Decoder struct {
	now func() time.Time
}

// NewDecoder returns a Decoder using the wall clock for two-digit year pivots.
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Parse implements Parser.
func (d *Decoder) Parse(ctx context.Context, source document.RawDataSource, raw string) (*Parsed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch source {
	case document.PDF417:
		return ParseAAMVA(raw)
	case document.MRZ:
		return ParseMRZ(raw, d.now())
	default:
		return nil, fmt.Errorf("%w: unsupported source %q", ErrMalformedPayload, source)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// isoDate formats t as the canonical YYYY-MM-DD used across field sets.
func isoDate(t time.Time) string {
	return t.Format(time.DateOnly)
}
