package signers

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/georgepadayatti/firmador/pdf/writer"
	"github.com/georgepadayatti/firmador/sign/timestamps"
)

// VerifiedSignature is the result of checking one signature field.
type VerifiedSignature struct {
	FieldName string
	Name      string
	Reason    string
	Location  string
	// SigningTime is the signed signing-time attribute, else the /M entry.
	SigningTime time.Time
	ByteRange   []int64
	// CoversWholeDocument is false when later revisions follow the signature.
	CoversWholeDocument bool
	Signer              *x509.Certificate
	Certificates        []*x509.Certificate
	// Timestamp is the generation time of an embedded token.
	Timestamp *time.Time
	// Err is nil when the signature is intact.
	Err error
}

// Valid reports whether the signature verified.
func (v *VerifiedSignature) Valid() bool {
	return v.Err == nil
}

// Verify checks every signature field of a PDF. The CMS signature must match
// the byte ranges and the certificates it embeds; chains are not validated
// against a trust store. The error is non-nil only when the document cannot
// be read or holds no signatures.
func Verify(pdfBytes []byte) ([]VerifiedSignature, error) {
	rdr, err := pdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", writer.ErrInvalidPDF, err)
	}

	var results []VerifiedSignature
	var walk func(fields pdf.Value, prefix string)
	walk = func(fields pdf.Value, prefix string) {
		for i := 0; i < fields.Len(); i++ {
			field := fields.Index(i)
			name := field.Key("T").Text()
			if prefix != "" {
				name = prefix + "." + name
			}
			if kids := field.Key("Kids"); kids.Kind() == pdf.Array && field.Key("FT").IsNull() {
				walk(kids, name)
				continue
			}
			if field.Key("FT").Name() != "Sig" || field.Key("V").Kind() != pdf.Dict {
				continue
			}
			results = append(results, verifySignature(pdfBytes, name, field.Key("V")))
		}
	}
	walk(rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields"), "")

	if len(results) == 0 {
		return nil, ErrNoSignatures
	}
	return results, nil
}

func verifySignature(data []byte, fieldName string, v pdf.Value) VerifiedSignature {
	res := VerifiedSignature{
		FieldName: fieldName,
		Name:      v.Key("Name").Text(),
		Reason:    v.Key("Reason").Text(),
		Location:  v.Key("Location").Text(),
	}

	br := v.Key("ByteRange")
	for i := 0; i < br.Len(); i++ {
		res.ByteRange = append(res.ByteRange, br.Index(i).Int64())
	}
	if err := checkByteRange(data, res.ByteRange); err != nil {
		res.Err = err
		return res
	}
	res.CoversWholeDocument = res.ByteRange[2]+res.ByteRange[3] == int64(len(data))

	p7, err := pkcs7.Parse(trimDER([]byte(v.Key("Contents").RawString())))
	if err != nil {
		res.Err = fmt.Errorf("failed to parse CMS: %w", err)
		return res
	}
	res.Certificates = p7.Certificates
	res.Signer = p7.GetOnlySigner()
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &res.SigningTime); err != nil {
		if m, err := ParsePDFDate(v.Key("M").Text()); err == nil {
			res.SigningTime = m
		}
	}

	if p7.Content, err = signedContent(data, res.ByteRange); err != nil {
		res.Err = err
		return res
	}
	if err := p7.Verify(); err != nil {
		res.Err = fmt.Errorf("signature verification failed: %w", err)
		return res
	}

	for _, si := range p7.Signers {
		for _, attr := range si.UnauthenticatedAttributes {
			if !attr.Type.Equal(timestamps.OIDSignatureTimeStamp) {
				continue
			}
			genTime, err := checkTimestampToken(attr.Value.Bytes, si.EncryptedDigest)
			if err != nil {
				res.Err = err
				return res
			}
			res.Timestamp = &genTime
		}
	}
	return res
}

// checkByteRange requires two regions starting at 0 with a hex string
// between them.
func checkByteRange(data []byte, br []int64) error {
	if len(br) != 4 {
		return fmt.Errorf("%w: %d entries", ErrInvalidByteRange, len(br))
	}
	size := int64(len(data))
	if br[0] != 0 || br[1] < 1 || br[2] <= br[1] || br[3] < 0 || br[2]+br[3] > size {
		return fmt.Errorf("%w: %v for %d bytes", ErrInvalidByteRange, br, size)
	}
	if data[br[1]] != '<' || data[br[2]-1] != '>' {
		return fmt.Errorf("%w: gap is not the /Contents string", ErrInvalidByteRange)
	}
	return nil
}

// checkTimestampToken parses a signature timestamp token and checks that
// it covers the signature value.
func checkTimestampToken(token, signature []byte) (time.Time, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", timestamps.ErrInvalidTimestamp, err)
	}
	h := ts.HashAlgorithm.New()
	h.Write(signature)
	if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
		return time.Time{}, timestamps.ErrTimestampMismatch
	}
	return ts.Time.UTC(), nil
}

// trimDER drops the zero padding after a DER value.
func trimDER(data []byte) []byte {
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(data, &raw)
	if err != nil {
		return data
	}
	return data[:len(data)-len(rest)]
}
