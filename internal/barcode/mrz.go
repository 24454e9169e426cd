package barcode

import (
	"strings"
	"time"

	icao "github.com/gmrtd/gmrtd/mrz"

	"github.com/example/doc-validation/internal/document"
)

// MRZ layouts defined by ICAO 9303.
const (
	FormatTD1 = "TD1"
	FormatTD2 = "TD2"
	FormatTD3 = "TD3"
)

// CheckDigit is one verified check digit of a machine readable zone.
type CheckDigit struct {
	Field    string
	Expected byte
	Computed byte
}

// Valid reports whether the printed digit matches the computed one.
func (c CheckDigit) Valid() bool {
	return c.Expected == c.Computed
}

// MRZInfo holds layout details needed by data validation.
type MRZInfo struct {
	Format      string
	Lines       []string
	CheckDigits []CheckDigit
	// Verified is set when the zone passed strict ICAO decoding, which also
	// covers extended document numbers and the TD3 optional data digit.
	Verified bool
}

type mrzSpan struct {
	line, start, end int
}

type mrzLayout struct {
	format    string
	lines     int
	width     int
	docNumber mrzSpan
	birth     mrzSpan
	sex       mrzSpan
	expiry    mrzSpan
	country   mrzSpan
	name      mrzSpan
	composite []mrzSpan
	check     mrzSpan
}

var mrzLayouts = []mrzLayout{
	{
		format:    FormatTD3,
		lines:     2,
		width:     44,
		name:      mrzSpan{0, 5, 44},
		docNumber: mrzSpan{1, 0, 9},
		country:   mrzSpan{1, 10, 13},
		birth:     mrzSpan{1, 13, 19},
		sex:       mrzSpan{1, 20, 21},
		expiry:    mrzSpan{1, 21, 27},
		composite: []mrzSpan{{1, 0, 10}, {1, 13, 20}, {1, 21, 43}},
		check:     mrzSpan{1, 43, 44},
	},
	{
		format:    FormatTD2,
		lines:     2,
		width:     36,
		name:      mrzSpan{0, 5, 36},
		docNumber: mrzSpan{1, 0, 9},
		country:   mrzSpan{1, 10, 13},
		birth:     mrzSpan{1, 13, 19},
		sex:       mrzSpan{1, 20, 21},
		expiry:    mrzSpan{1, 21, 27},
		composite: []mrzSpan{{1, 0, 10}, {1, 13, 20}, {1, 21, 35}},
		check:     mrzSpan{1, 35, 36},
	},
	{
		format:    FormatTD1,
		lines:     3,
		width:     30,
		docNumber: mrzSpan{0, 5, 14},
		birth:     mrzSpan{1, 0, 6},
		sex:       mrzSpan{1, 7, 8},
		expiry:    mrzSpan{1, 8, 14},
		country:   mrzSpan{1, 15, 18},
		name:      mrzSpan{2, 0, 30},
		composite: []mrzSpan{{0, 5, 30}, {1, 0, 7}, {1, 8, 15}, {1, 18, 29}},
		check:     mrzSpan{1, 29, 30},
	},
}

// ParseMRZ parses a TD1, TD2 or TD3 machine readable zone. Two-digit years
// are pivoted relative to now.
func ParseMRZ(raw string, now time.Time) (*Parsed, error) {
	var lines []string
	for _, line := range strings.Split(strings.ToUpper(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, strings.ReplaceAll(line, " ", ""))
		}
	}

	var layout *mrzLayout
	for i := range mrzLayouts {
		l := &mrzLayouts[i]
		if len(lines) == l.lines && len(lines[0]) == l.width {
			layout = l
			break
		}
	}
	if layout == nil {
		return nil, malformed("unrecognised MRZ layout")
	}
	for i, line := range lines {
		if len(line) != layout.width {
			return nil, malformed("MRZ line %d has length %d, want %d", i+1, len(line), layout.width)
		}
		for j := 0; j < len(line); j++ {
			if mrzValue(line[j]) < 0 {
				return nil, malformed("MRZ line %d has invalid character %q", i+1, line[j])
			}
		}
	}

	get := func(s mrzSpan) string { return lines[s.line][s.start:s.end] }
	digitAfter := func(s mrzSpan) byte { return lines[s.line][s.end] }

	info := &MRZInfo{Format: layout.format, Lines: lines}
	addCheck := func(field, data string, printed byte) {
		info.CheckDigits = append(info.CheckDigits, CheckDigit{Field: field, Expected: printed, Computed: checkDigit(data)})
	}
	addCheck(document.FieldDocumentNumber, get(layout.docNumber), digitAfter(layout.docNumber))
	addCheck(document.FieldDateOfBirth, get(layout.birth), digitAfter(layout.birth))
	addCheck(document.FieldExpirationDate, get(layout.expiry), digitAfter(layout.expiry))
	var composite strings.Builder
	for _, span := range layout.composite {
		composite.WriteString(get(span))
	}
	addCheck("Composite", composite.String(), get(layout.check)[0])

	var number, country, sex, birth, expiry, family, given string
	if decoded, err := icao.MrzDecode(strings.Join(lines, "")); err == nil {
		info.Verified = true
		number, country, sex = decoded.DocumentNumber, decoded.Nationality, decoded.Sex
		birth, expiry = decoded.DateOfBirth, decoded.DateOfExpiry
		if decoded.NameOfHolder != nil {
			family = strings.TrimSpace(decoded.NameOfHolder.Primary)
			given = strings.Join(strings.Fields(decoded.NameOfHolder.Secondary), " ")
		}
	} else {
		number = icao.DecodeValue(get(layout.docNumber))
		country = icao.DecodeValue(get(layout.country))
		sex = icao.DecodeValue(get(layout.sex))
		birth, expiry = get(layout.birth), get(layout.expiry)
		family, given = holderName(get(layout.name))
	}

	fields := document.Fields{
		document.FieldDocumentNumber: number,
		document.FieldCountry:        country,
		document.FieldSex:            mrzSex(sex),
	}
	if family != "" {
		fields[document.FieldFamilyName] = family
	}
	if given != "" {
		fields[document.FieldGivenName] = given
	}
	if t, ok := parseYYMMDD(birth); ok {
		if t.After(now) {
			t = t.AddDate(-100, 0, 0)
		}
		fields[document.FieldDateOfBirth] = isoDate(t)
	} else {
		fields[document.FieldDateOfBirth] = birth
	}
	if t, ok := parseYYMMDD(expiry); ok {
		if t.Before(now.AddDate(-30, 0, 0)) {
			t = t.AddDate(100, 0, 0)
		}
		fields[document.FieldExpirationDate] = isoDate(t)
	} else {
		fields[document.FieldExpirationDate] = expiry
	}

	kind := document.KindIDCard
	if lines[0][0] == 'P' {
		kind = document.KindPassport
	}
	return &Parsed{
		Source: document.MRZ,
		Kind:   kind,
		Fields: fields,
		MRZ:    info,
	}, nil
}

func parseYYMMDD(s string) (time.Time, bool) {
	t, err := time.Parse("060102", s)
	return t, err == nil
}

// holderName splits a name field into primary and secondary identifiers.
// Fields with stray double fillers keep everything after the first one as
// the given names.
func holderName(field string) (family, given string) {
	if name, err := icao.ParseName(icao.DecodeValue(field)); err == nil {
		return strings.TrimSpace(name.Primary), strings.Join(strings.Fields(name.Secondary), " ")
	}
	parts := strings.SplitN(field, "<<", 2)
	family = strings.TrimSpace(icao.DecodeValue(parts[0]))
	if len(parts) == 2 {
		given = strings.Join(strings.Fields(icao.DecodeValue(parts[1])), " ")
	}
	return family, given
}

func mrzSex(s string) string {
	switch s {
	case "M", "F":
		return s
	default:
		return "X"
	}
}

func mrzValue(c byte) int {
	switch {
	case c == '<':
		return 0
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// checkDigit computes the ICAO 9303 7-3-1 weighted check digit.
func checkDigit(data string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i := 0; i < len(data); i++ {
		sum += mrzValue(data[i]) * weights[i%3]
	}
	return byte('0' + sum%10)
}
