package testengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/doc-validation/internal/barcode"
	"github.com/example/doc-validation/internal/document"
)

type pdf417MandatoryTest struct{}

func (pdf417MandatoryTest) Name() string                { return "PDF417 Mandatory Fields" }
func (pdf417MandatoryTest) Category() document.Category { return document.DataValidation }
func (pdf417MandatoryTest) Requires() Requirements {
	return Requirements{Raw: []document.RawDataSource{document.PDF417}}
}

func (pdf417MandatoryTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	parsed := in.Parsed[document.PDF417]
	if parsed == nil {
		return document.TestResult{}, fmt.Errorf("PDF417 requirement met without parsed payload")
	}
	var missing []string
	for _, id := range barcode.MandatoryAAMVAElements {
		if parsed.Elements[id] == "" {
			missing = append(missing, id)
		}
	}
	present := len(barcode.MandatoryAAMVAElements) - len(missing)
	confidence := 100 * float64(present) / float64(len(barcode.MandatoryAAMVAElements))
	reason := ""
	if len(missing) > 0 {
		reason = "missing elements " + strings.Join(missing, ", ")
	}
	return outcome(len(missing) == 0, confidence, reason), nil
}

type pdf417DatesTest struct{}

func (pdf417DatesTest) Name() string                { return "PDF417 Dates" }
func (pdf417DatesTest) Category() document.Category { return document.DataValidation }
func (pdf417DatesTest) Requires() Requirements {
	return Requirements{Raw: []document.RawDataSource{document.PDF417}}
}

func (pdf417DatesTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	fields := in.Fields[document.SourcePDF417]
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	dates := make(map[string]time.Time, 3)
	for _, name := range []string{document.FieldDateOfBirth, document.FieldIssueDate, document.FieldExpirationDate} {
		value, ok := fields[name]
		if !ok {
			continue
		}
		t, err := time.Parse(time.DateOnly, value)
		if err != nil {
			return outcome(false, 0, fmt.Sprintf("%s %q is not a valid date", name, value)), nil
		}
		dates[name] = t
	}
	if len(dates) == 0 {
		return outcome(false, 0, "no dates encoded"), nil
	}

	birth, hasBirth := dates[document.FieldDateOfBirth]
	issue, hasIssue := dates[document.FieldIssueDate]
	expiry, hasExpiry := dates[document.FieldExpirationDate]
	switch {
	case hasBirth && birth.After(now):
		return outcome(false, 0, "date of birth is in the future"), nil
	case hasBirth && hasIssue && !birth.Before(issue):
		return outcome(false, 0, "issued before date of birth"), nil
	case hasIssue && hasExpiry && issue.After(expiry):
		return outcome(false, 0, "expires before issue"), nil
	case hasIssue && issue.After(now):
		return outcome(false, 0, "issue date is in the future"), nil
	case hasExpiry && expiry.Before(now):
		return outcome(false, 0, "document expired"), nil
	}
	return outcome(true, 100, ""), nil
}

type mrzCheckDigitsTest struct{}

func (mrzCheckDigitsTest) Name() string                { return "MRZ Check Digits" }
func (mrzCheckDigitsTest) Category() document.Category { return document.DataValidation }
func (mrzCheckDigitsTest) Requires() Requirements {
	return Requirements{Raw: []document.RawDataSource{document.MRZ}}
}

func (mrzCheckDigitsTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	parsed := in.Parsed[document.MRZ]
	if parsed == nil || parsed.MRZ == nil {
		return document.TestResult{}, fmt.Errorf("MRZ payload parsed without MRZ data")
	}
	if parsed.MRZ.Verified {
		return outcome(true, 100, ""), nil
	}
	var invalid []string
	for _, cd := range parsed.MRZ.CheckDigits {
		if !cd.Valid() {
			invalid = append(invalid, cd.Field)
		}
	}
	total := len(parsed.MRZ.CheckDigits)
	confidence := 100 * float64(total-len(invalid)) / float64(total)
	reason := ""
	if len(invalid) > 0 {
		reason = "bad check digit for " + strings.Join(invalid, ", ")
	}
	return outcome(len(invalid) == 0, confidence, reason), nil
}
