package barcode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/doc-validation/internal/document"
)

const samplePDF417 = "@\n\x1e\rANSI 636014080102DL00410278ZC03190024DLDAQD1234562\nDCSPUBLIC\nDACJOHN\nDBB01311990\nDBA01312030\nDBD01312020\nDBC1\nDCGUSA\rZCZCAY\r"

const sampleTD3 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\nL898902C36UTO7408122F1204159ZE184226B<<<<<10"

const sampleTD1 = "I<UTOD231458907<<<<<<<<<<<<<<<\n7408122F1204159UTO<<<<<<<<<<<6\nERIKSSON<<ANNA<MARIA<<<<<<<<<<"

func TestParseAAMVA(t *testing.T) {
	parsed, err := ParseAAMVA(samplePDF417)
	require.NoError(t, err)
	require.Equal(t, document.KindDriverLicense, parsed.Kind)
	require.Equal(t, "636014", parsed.AAMVA.IssuerID)
	require.Equal(t, 8, parsed.AAMVA.Version)
	require.Equal(t, []string{"DL", "ZC"}, parsed.AAMVA.Subfiles)
	require.Equal(t, "Y", parsed.Elements["ZCA"])

	require.Equal(t, document.Fields{
		document.FieldDocumentNumber: "D1234562",
		document.FieldFamilyName:     "PUBLIC",
		document.FieldGivenName:      "JOHN",
		document.FieldDateOfBirth:    "1990-01-31",
		document.FieldExpirationDate: "2030-01-31",
		document.FieldIssueDate:      "2020-01-31",
		document.FieldSex:            "M",
		document.FieldCountry:        "USA",
	}, parsed.Fields)
}

func TestParseAAMVACanadianDates(t *testing.T) {
	raw := "@\n\x1e\rANSI 636012080001DL00310100DLDAQX1\nDCSDOE\nDBB19850704\nDCGCAN\r"
	parsed, err := ParseAAMVA(raw)
	require.NoError(t, err)
	require.Equal(t, "1985-07-04", parsed.Fields[document.FieldDateOfBirth])
}

func TestParseAAMVAKeepsUnparseableDates(t *testing.T) {
	raw := "@\n\x1e\rANSI 636014080001DL00310100DLDAQX1\nDBB99999999\r"
	parsed, err := ParseAAMVA(raw)
	require.NoError(t, err)
	require.Equal(t, "99999999", parsed.Fields[document.FieldDateOfBirth])
}

func TestParseAAMVARejectsMalformedPayloads(t *testing.T) {
	for _, raw := range []string{
		"",
		"hello world",
		"@\n\x1e\rANSI 63601",
		"@\n\x1e\rANSI 636014080100",
		"@\n\x1e\rANSI 636014080101DL0041",
		"@\n\x1e\rANSI 636014080101DL00410278\nnothing here",
	} {
		_, err := ParseAAMVA(raw)
		require.ErrorIs(t, err, ErrMalformedPayload, "payload %q", raw)
	}
}

func TestParseMRZTD3(t *testing.T) {
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	parsed, err := ParseMRZ(sampleTD3, now)
	require.NoError(t, err)
	require.Equal(t, document.KindPassport, parsed.Kind)
	require.Equal(t, FormatTD3, parsed.MRZ.Format)
	require.Equal(t, "ERIKSSON", parsed.Fields[document.FieldFamilyName])
	require.Equal(t, "ANNA MARIA", parsed.Fields[document.FieldGivenName])
	require.Equal(t, "L898902C3", parsed.Fields[document.FieldDocumentNumber])
	require.Equal(t, "1974-08-12", parsed.Fields[document.FieldDateOfBirth])
	require.Equal(t, "2012-04-15", parsed.Fields[document.FieldExpirationDate])
	require.Equal(t, "F", parsed.Fields[document.FieldSex])
	require.Equal(t, "UTO", parsed.Fields[document.FieldCountry])
	require.True(t, parsed.MRZ.Verified)
	for _, cd := range parsed.MRZ.CheckDigits {
		require.True(t, cd.Valid(), "check digit for %s", cd.Field)
	}
}

func TestParseMRZTD1(t *testing.T) {
	parsed, err := ParseMRZ(sampleTD1, time.Now())
	require.NoError(t, err)
	require.Equal(t, document.KindIDCard, parsed.Kind)
	require.Equal(t, FormatTD1, parsed.MRZ.Format)
	require.Equal(t, "D23145890", parsed.Fields[document.FieldDocumentNumber])
	require.Len(t, parsed.MRZ.CheckDigits, 4)
	for _, cd := range parsed.MRZ.CheckDigits {
		require.True(t, cd.Valid(), "check digit for %s", cd.Field)
	}
}

func TestParseMRZDetectsTamperedCheckDigit(t *testing.T) {
	tampered := "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\nL898902C36UTO7408132F1204159ZE184226B<<<<<10"
	parsed, err := ParseMRZ(tampered, time.Now())
	require.NoError(t, err)

	invalid := 0
	for _, cd := range parsed.MRZ.CheckDigits {
		if !cd.Valid() {
			invalid++
		}
	}
	require.Equal(t, 2, invalid)
	require.False(t, parsed.MRZ.Verified)
	require.Equal(t, "ERIKSSON", parsed.Fields[document.FieldFamilyName])
	require.Equal(t, "ANNA MARIA", parsed.Fields[document.FieldGivenName])
	require.Equal(t, "L898902C3", parsed.Fields[document.FieldDocumentNumber])
	require.Equal(t, "1974-08-13", parsed.Fields[document.FieldDateOfBirth])
}

func TestHolderName(t *testing.T) {
	family, given := holderName("ERIKSSON<<ANNA<MARIA<<<<<<<<<<")
	require.Equal(t, "ERIKSSON", family)
	require.Equal(t, "ANNA MARIA", given)

	family, given = holderName("VAN<DER<BERG<<<<<<<<<<")
	require.Equal(t, "VAN DER BERG", family)
	require.Empty(t, given)

	family, given = holderName("SMITH<<JOHN<<PAUL<<<<<<")
	require.Equal(t, "SMITH", family)
	require.Equal(t, "JOHN PAUL", given)
}

func TestParseMRZRejectsBadLayout(t *testing.T) {
	_, err := ParseMRZ("P<UTO\nSHORT", time.Now())
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseMRZ("P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\nL898902C36UTO7408122F1204159ZE184226B<<<<<1", time.Now())
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecoderDispatchesBySource(t *testing.T) {
	decoder := NewDecoder()
	parsed, err := decoder.Parse(context.Background(), document.MRZ, sampleTD1)
	require.NoError(t, err)
	require.Equal(t, document.MRZ, parsed.Source)

	_, err = decoder.Parse(context.Background(), "QR", "x")
	require.True(t, errors.Is(err, ErrMalformedPayload))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = decoder.Parse(ctx, document.PDF417, samplePDF417)
	require.ErrorIs(t, err, context.Canceled)
}
