package document

import "github.com/google/uuid"

// ImageRole identifies a captured image by side and illumination.
type ImageRole string

const (
	ColorFront ImageRole = "ColorFront"
	ColorBack  ImageRole = "ColorBack"
	UVFront    ImageRole = "UVFront"
	UVBack     ImageRole = "UVBack"
	IRFront    ImageRole = "IRFront"
	IRBack     ImageRole = "IRBack"
)

// ImageRoles lists every supported role in a stable order.
var ImageRoles = []ImageRole{ColorFront, ColorBack, UVFront, UVBack, IRFront, IRBack}

// Valid reports whether r is a known role.
func (r ImageRole) Valid() bool {
	for _, known := range ImageRoles {
		if r == known {
			return true
		}
	}
	return false
}

// RawDataSource is the channel a raw string was decoded from.
type RawDataSource string

const (
	PDF417 RawDataSource = "PDF417"
	MRZ    RawDataSource = "MRZ"
)

// RawDataSources lists every supported raw source in a stable order.
var RawDataSources = []RawDataSource{PDF417, MRZ}

// Valid reports whether s is a known raw source.
func (s RawDataSource) Valid() bool {
	return s == PDF417 || s == MRZ
}

// FieldSource names where a set of decoded fields came from.
type FieldSource string

const (
	SourcePDF417 FieldSource = "PDF417"
	SourceMRZ    FieldSource = "MRZ"
	SourceOCR    FieldSource = "OCR"
)

// FieldSourceFor maps a raw source to the field source it produces.
func FieldSourceFor(s RawDataSource) FieldSource {
	return FieldSource(s)
}

// Standard field names shared by every decoder.
const (
	FieldFamilyName     = "FamilyName"
	FieldGivenName      = "GivenName"
	FieldDateOfBirth    = "DateOfBirth"
	FieldDocumentNumber = "DocumentNumber"
	FieldExpirationDate = "ExpirationDate"
	FieldIssueDate      = "IssueDate"
	FieldSex            = "Sex"
	FieldCountry        = "Country"
)

// Fields holds decoded values keyed by standard field name.
type Fields map[string]string

// Kind is the detected document type.
type Kind string

const (
	KindUnknown       Kind = "Unknown"
	KindDriverLicense Kind = "DriverLicense"
	KindIDCard        Kind = "IDCard"
	KindPassport      Kind = "Passport"
)

// Document is the reference returned alongside a validation result.
type Document struct {
	RequestID uuid.UUID              `json:"request_id"`
	Kind      Kind                   `json:"kind"`
	Fields    map[FieldSource]Fields `json:"fields,omitempty"`
	Images    []ImageRole            `json:"images,omitempty"`
	Sources   []RawDataSource        `json:"sources,omitempty"`
}

// Category classifies a test.
type Category string

const (
	Authentication Category = "Authentication"
	CrossMatch     Category = "CrossMatch"
	DataValidation Category = "DataValidation"
)

// Status is the outcome of a test or a whole validation.
type Status string

const (
	StatusPass         Status = "Pass"
	StatusFail         Status = "Fail"
	StatusWarning      Status = "Warning"
	StatusNotPerformed Status = "NotPerformed"
)

// MaxConfidence bounds every confidence score.
const MaxConfidence = 100.0

// ClampConfidence bounds c to [0, MaxConfidence].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0 || c != c:
		return 0
	case c > MaxConfidence:
		return MaxConfidence
	default:
		return c
	}
}

// MatchItem is one side of a cross-match pair.
type MatchItem struct {
	DataSource FieldSource `json:"data_source"`
	Value      string      `json:"value"`
}

// FieldMatch records the comparison of one field across two sources.
type FieldMatch struct {
	FieldName  string    `json:"field_name"`
	Item1      MatchItem `json:"item1"`
	Item2      MatchItem `json:"item2"`
	Similarity float64   `json:"similarity"`
	Matched    bool      `json:"matched"`
}

// TestResult is the outcome of a single test.
type TestResult struct {
	Name         string       `json:"name"`
	Type         Category     `json:"type"`
	Status       Status       `json:"status"`
	Confidence   float64      `json:"confidence"`
	Reason       string       `json:"reason,omitempty"`
	CrossMatches []FieldMatch `json:"cross_matches,omitempty"`
}

// Performed reports whether the test actually ran.
func (r TestResult) Performed() bool {
	return r.Status != StatusNotPerformed
}

// NotPerformed builds a roster placeholder for a test that did not run.
func NotPerformed(name string, category Category, reason string) TestResult {
	return TestResult{Name: name, Type: category, Status: StatusNotPerformed, Reason: reason}
}

// ValidationResult groups the three test rosters and the overall status.
type ValidationResult struct {
	AuthenticationTests []TestResult `json:"authentication_tests"`
	CrossMatchTests     []TestResult `json:"cross_match_tests"`
	DataValidationTests []TestResult `json:"data_validation_tests"`
	Status              Status       `json:"status"`
}

// Tests returns every test result in roster order.
func (r *ValidationResult) Tests() []TestResult {
	if r == nil {
		return nil
	}
	all := make([]TestResult, 0, len(r.AuthenticationTests)+len(r.CrossMatchTests)+len(r.DataValidationTests))
	all = append(all, r.AuthenticationTests...)
	all = append(all, r.CrossMatchTests...)
	all = append(all, r.DataValidationTests...)
	return all
}

// ValidationResponse is returned exactly once per processed request.
type ValidationResponse struct {
	Document *Document         `json:"document"`
	Result   *ValidationResult `json:"result"`
	Stage    Stage             `json:"stage"`
}
