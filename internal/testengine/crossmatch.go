package testengine

import (
	"context"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/example/doc-validation/internal/document"
)

// CrossMatchFields is the order in which fields are compared.
var CrossMatchFields = []string{
	document.FieldFamilyName,
	document.FieldGivenName,
	document.FieldDateOfBirth,
	document.FieldDocumentNumber,
	document.FieldExpirationDate,
	document.FieldSex,
}

// normalizeValue folds case and diacritics and drops punctuation.
func normalizeValue(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = cases.Upper(language.Und).String(folded)
	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '<':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// similarity is 1 minus the normalized edit distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// crossMatchTest compares the same fields decoded from two sources.
type crossMatchTest struct {
	name       string
	first      document.FieldSource
	second     document.FieldSource
	thresholds Thresholds
}

func (t *crossMatchTest) Name() string                { return t.name }
func (t *crossMatchTest) Category() document.Category { return document.CrossMatch }
func (t *crossMatchTest) Requires() Requirements {
	return Requirements{Sources: []document.FieldSource{t.first, t.second}}
}

func (t *crossMatchTest) Run(_ context.Context, in *Inputs) (document.TestResult, error) {
	a, b := in.Fields[t.first], in.Fields[t.second]
	res := document.TestResult{Status: document.StatusPass}

	total := 0.0
	partial, mismatch := false, false
	for _, field := range CrossMatchFields {
		va, oka := a[field]
		vb, okb := b[field]
		if !oka || !okb {
			continue
		}
		sim := similarity(normalizeValue(va), normalizeValue(vb))
		matched := sim == 1
		res.CrossMatches = append(res.CrossMatches, document.FieldMatch{
			FieldName:  field,
			Item1:      document.MatchItem{DataSource: t.first, Value: va},
			Item2:      document.MatchItem{DataSource: t.second, Value: vb},
			Similarity: sim,
			Matched:    matched,
		})
		total += sim
		switch {
		case matched:
		case sim >= t.thresholds.MatchSimilarity:
			partial = true
		default:
			mismatch = true
		}
	}

	if len(res.CrossMatches) == 0 {
		res.Status = document.StatusWarning
		res.Reason = "no common fields to compare"
		return res, nil
	}
	res.Confidence = 100 * total / float64(len(res.CrossMatches))
	switch {
	case mismatch:
		res.Status = document.StatusFail
		res.Reason = "fields disagree"
	case partial:
		res.Status = document.StatusWarning
		res.Reason = "fields partially agree"
	}
	return res, nil
}
