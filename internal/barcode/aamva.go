package barcode

import (
	"strconv"
	"strings"
	"time"

	"github.com/example/doc-validation/internal/document"
)

// AAMVAHeader is the fixed header of a PDF417 card design payload.
type AAMVAHeader struct {
	IssuerID            string
	Version             int
	JurisdictionVersion int
	Entries             int
	Subfiles            []string
}

// MandatoryAAMVAElements are required on every compliant card.
var MandatoryAAMVAElements = []string{"DAQ", "DCS", "DBB", "DBA", "DBD"}

var aamvaFieldMap = map[string]string{
	"DAQ": document.FieldDocumentNumber,
	"DCS": document.FieldFamilyName,
	"DAB": document.FieldFamilyName,
	"DAC": document.FieldGivenName,
	"DCT": document.FieldGivenName,
	"DBB": document.FieldDateOfBirth,
	"DBA": document.FieldExpirationDate,
	"DBD": document.FieldIssueDate,
	"DBC": document.FieldSex,
	"DCG": document.FieldCountry,
}

var aamvaDateElements = map[string]bool{"DBB": true, "DBA": true, "DBD": true}

// ParseAAMVA parses an AAMVA card design standard payload. Control characters
// that are often lost when payloads travel as text are tolerated.
func ParseAAMVA(raw string) (*Parsed, error) {
	if !strings.HasPrefix(strings.TrimLeft(raw, " \t\r\n"), "@") {
		return nil, malformed("missing compliance indicator")
	}
	start := strings.Index(raw, "ANSI ")
	markerLen := len("ANSI ")
	if start < 0 {
		start = strings.Index(raw, "AAMVA")
		markerLen = len("AAMVA")
	}
	if start < 0 || start > 16 {
		return nil, malformed("missing file type marker")
	}
	header, rest, err := parseAAMVAHeader(raw[start+markerLen:])
	if err != nil {
		return nil, err
	}

	elements := make(map[string]string)
	for _, line := range strings.FieldsFunc(rest, func(r rune) bool { return r == '\n' || r == '\r' || r == 0x1e }) {
		line = strings.TrimSpace(line)
		for _, sub := range header.Subfiles {
			if strings.HasPrefix(line, sub) && len(line) > len(sub)+3 && isElementID(line[len(sub):len(sub)+3]) {
				line = line[len(sub):]
				break
			}
		}
		if len(line) < 3 || !isElementID(line[:3]) {
			continue
		}
		if _, dup := elements[line[:3]]; !dup {
			elements[line[:3]] = strings.TrimSpace(line[3:])
		}
	}
	if len(elements) == 0 {
		return nil, malformed("no data elements")
	}

	canadian := elements["DCG"] == "CAN"
	fields := make(document.Fields)
	for id, value := range elements {
		name, ok := aamvaFieldMap[id]
		if !ok || value == "" {
			continue
		}
		if _, taken := fields[name]; taken && (id == "DAB" || id == "DCT") {
			continue
		}
		switch {
		case aamvaDateElements[id]:
			if t, ok := parseAAMVADate(value, canadian); ok {
				value = isoDate(t)
			}
		case id == "DBC":
			value = aamvaSex(value)
		case id == "DCT":
			names := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
			if len(names) == 0 {
				continue
			}
			value = names[0]
		}
		fields[name] = value
	}

	kind := document.KindDriverLicense
	if len(header.Subfiles) > 0 && header.Subfiles[0] == "ID" {
		kind = document.KindIDCard
	}
	return &Parsed{
		Source:   document.PDF417,
		Kind:     kind,
		Fields:   fields,
		Elements: elements,
		AAMVA:    header,
	}, nil
}

func parseAAMVAHeader(s string) (*AAMVAHeader, string, error) {
	if len(s) < 12 || !isDigits(s[:12]) {
		return nil, "", malformed("invalid header numbers")
	}
	h := &AAMVAHeader{IssuerID: s[:6]}
	h.Version, _ = strconv.Atoi(s[6:8])
	h.JurisdictionVersion, _ = strconv.Atoi(s[8:10])
	h.Entries, _ = strconv.Atoi(s[10:12])
	rest := s[12:]
	// Version 1 headers have no jurisdiction version field.
	if h.Version < 2 {
		h.Entries = h.JurisdictionVersion
		h.JurisdictionVersion = 0
		rest = s[10:]
	}
	if h.Entries <= 0 {
		return nil, "", malformed("header declares no subfiles")
	}
	for i := 0; i < h.Entries; i++ {
		if len(rest) < 10 || !isDigits(rest[2:10]) {
			return nil, "", malformed("truncated subfile designator %d", i+1)
		}
		h.Subfiles = append(h.Subfiles, rest[:2])
		rest = rest[10:]
	}
	return h, rest, nil
}

func parseAAMVADate(value string, canadian bool) (time.Time, bool) {
	if len(value) != 8 || !isDigits(value) {
		return time.Time{}, false
	}
	layouts := []string{"01022006", "20060102"}
	if canadian {
		layouts[0], layouts[1] = layouts[1], layouts[0]
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func aamvaSex(value string) string {
	switch strings.ToUpper(value) {
	case "1", "M":
		return "M"
	case "2", "F":
		return "F"
	default:
		return "X"
	}
}

func isElementID(s string) bool {
	if len(s) != 3 || (s[0] != 'D' && s[0] != 'Z') {
		return false
	}
	for i := 1; i < 3; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
