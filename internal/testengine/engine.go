// Package testengine runs the registered document tests of one category and
// always returns a complete, registration-ordered roster.
package testengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/doc-validation/internal/barcode"
	"github.com/example/doc-validation/internal/document"
	"github.com/example/doc-validation/internal/imageprocessor"
)

// Requirements lists the decoded inputs a test needs. Raw sources only need
// to have parsed; Sources need at least one mapped field.
type Requirements struct {
	Images  []document.ImageRole
	Raw     []document.RawDataSource
	Sources []document.FieldSource
}

// Inputs is everything decoded from one request.
type Inputs struct {
	RequestID uuid.UUID
	Images    map[document.ImageRole]*imageprocessor.Features
	Parsed    map[document.RawDataSource]*barcode.Parsed
	Fields    map[document.FieldSource]document.Fields
	Now       time.Time
}

// Missing returns a description of unmet requirements, or "" when all are met.
func (in *Inputs) Missing(req Requirements) string {
	var missing []string
	for _, role := range req.Images {
		if in == nil || in.Images[role] == nil {
			missing = append(missing, "image "+string(role))
		}
	}
	for _, source := range req.Raw {
		if in == nil || in.Parsed[source] == nil {
			missing = append(missing, "raw "+string(source))
		}
	}
	for _, source := range req.Sources {
		if in == nil || len(in.Fields[source]) == 0 {
			missing = append(missing, "source "+string(source))
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return "missing " + strings.Join(missing, ", ")
}

// Test is a single named check.
type Test interface {
	Name() string
	Category() document.Category
	Requires() Requirements
	Run(ctx context.Context, in *Inputs) (document.TestResult, error)
}

// Registry is an immutable, ordered set of tests.
type Registry struct {
	tests []Test
}

// NewRegistry validates names and keeps the registration order.
func NewRegistry(tests ...Test) (*Registry, error) {
	seen := make(map[string]bool, len(tests))
	for _, t := range tests {
		if t == nil {
			return nil, fmt.Errorf("nil test in registry")
		}
		switch t.Category() {
		case document.Authentication, document.CrossMatch, document.DataValidation:
		default:
			return nil, fmt.Errorf("test %q has unknown category %q", t.Name(), t.Category())
		}
		if seen[t.Name()] {
			return nil, fmt.Errorf("duplicate test name %q", t.Name())
		}
		seen[t.Name()] = true
	}
	return &Registry{tests: append([]Test(nil), tests...)}, nil
}

// Tests returns the tests of a category in registration order.
func (r *Registry) Tests(category document.Category) []Test {
	var out []Test
	for _, t := range r.tests {
		if t.Category() == category {
			out = append(out, t)
		}
	}
	return out
}

// TestError reports a test that failed to execute.
type TestError struct {
	Test string
	Err  error
}

func (e *TestError) Error() string {
	return fmt.Sprintf("test %q: %v", e.Test, e.Err)
}

func (e *TestError) Unwrap() error {
	return e.Err
}

// Engine executes registry tests against decoded inputs.
type Engine struct {
	registry *Registry
	logger   *zap.Logger
}

// NewEngine constructs an engine over a registry.
func NewEngine(registry *Registry, logger *zap.Logger) *Engine {
	return &Engine{registry: registry, logger: logger.Named("test_engine")}
}

// Run executes every test of category in order. The returned roster always
// has one entry per registered test. If a test errors or ctx ends, that test
// and every later one are reported NotPerformed and the error is returned.
func (e *Engine) Run(ctx context.Context, category document.Category, in *Inputs) ([]document.TestResult, error) {
	tests := e.registry.Tests(category)
	results := make([]document.TestResult, 0, len(tests))
	for i, t := range tests {
		if err := ctx.Err(); err != nil {
			return abort(results, tests[i:], "cancelled"), err
		}
		if missing := in.Missing(t.Requires()); missing != "" {
			results = append(results, document.NotPerformed(t.Name(), category, missing))
			continue
		}
		res, err := t.Run(ctx, in)
		if err != nil {
			e.logger.Warn("test execution failed",
				zap.String("test", t.Name()),
				zap.String("category", string(category)),
				zap.Error(err),
			)
			return abort(results, tests[i:], "aborted"), &TestError{Test: t.Name(), Err: err}
		}
		res.Name = t.Name()
		res.Type = category
		res.Confidence = document.ClampConfidence(res.Confidence)
		if !res.Performed() {
			res.Confidence = 0
		}
		results = append(results, res)
	}
	return results, nil
}

func abort(results []document.TestResult, rest []Test, reason string) []document.TestResult {
	for _, t := range rest {
		results = append(results, document.NotPerformed(t.Name(), t.Category(), reason))
	}
	return results
}

// Skipped returns a NotPerformed roster for every test of category.
func (e *Engine) Skipped(category document.Category, reason string) []document.TestResult {
	return abort(nil, e.registry.Tests(category), reason)
}
