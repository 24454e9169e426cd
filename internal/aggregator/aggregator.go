// Package aggregator folds test rosters into one overall validation status.
package aggregator

import "github.com/example/doc-validation/internal/document"

// DefaultConfidenceThreshold is the lowest confidence a performed test may
// report without downgrading the overall status to Warning.
const DefaultConfidenceThreshold = 70.0

// Aggregator applies the overall status rule.
type Aggregator struct {
	threshold float64
}

// New returns an aggregator using threshold; non-positive values select the default.
func New(threshold float64) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Aggregator{threshold: document.ClampConfidence(threshold)}
}

// Threshold returns the configured confidence threshold.
func (a *Aggregator) Threshold() float64 {
	return a.threshold
}

// Aggregate returns Fail if any Authentication or DataValidation test failed,
// otherwise Warning if any test warned, failed a cross-match, was not
// performed, or reported confidence under the threshold, otherwise Pass.
// An empty or all-NotPerformed roster is never a Pass.
func (a *Aggregator) Aggregate(auth, crossMatch, data []document.TestResult) document.Status {
	performed := 0
	warning := false
	rosters := []struct {
		tests      []document.TestResult
		failsWhole bool
	}{
		{auth, true},
		{crossMatch, false},
		{data, true},
	}
	for _, roster := range rosters {
		for _, r := range roster.tests {
			switch r.Status {
			case document.StatusFail:
				if roster.failsWhole {
					return document.StatusFail
				}
				warning = true
			case document.StatusWarning:
				warning = true
			case document.StatusNotPerformed:
				warning = true
				continue
			}
			performed++
			if r.Confidence < a.threshold {
				warning = true
			}
		}
	}
	if performed == 0 || warning {
		return document.StatusWarning
	}
	return document.StatusPass
}

// Result assembles a ValidationResult and its overall status.
func (a *Aggregator) Result(auth, crossMatch, data []document.TestResult) *document.ValidationResult {
	return &document.ValidationResult{
		AuthenticationTests: auth,
		CrossMatchTests:     crossMatch,
		DataValidationTests: data,
		Status:              a.Aggregate(auth, crossMatch, data),
	}
}
