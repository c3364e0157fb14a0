package certinfo

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidExtensionKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtensionExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}

	errMalformedExtension = errors.New("malformed extension value")
)

// keyUsageLabels follows the KeyUsage BIT STRING order of RFC 5280, 4.2.1.3.
var keyUsageLabels = [...]string{
	"Digital Signature",
	"Non-Repudiation",
	"Key Encipherment",
	"Data Encipherment",
	"Key Agreement",
	"Key Certificate Signing",
	"CRL Signing",
	"Encipher Only",
	"Decipher Only",
}

var extKeyUsageLabels = map[string]string{
	"1.3.6.1.5.5.7.3.1": "Server Authentication",
	"1.3.6.1.5.5.7.3.2": "Client Authentication",
	"1.3.6.1.5.5.7.3.3": "Code Signing",
	"1.3.6.1.5.5.7.3.4": "Email Protection",
	"1.3.6.1.5.5.7.3.8": "Time Stamping",
	"1.3.6.1.5.5.7.3.9": "OCSP Signing",
}

// DefaultUsages is reported when a certificate declares no usage at all.
var DefaultUsages = []string{"Digital Signature", "Non-Repudiation"}

// UsageStatus tells whether a usage extension was found and understood.
type UsageStatus int

const (
	// UsageAbsent means the certificate has no such extension.
	UsageAbsent UsageStatus = iota
	// UsagePresent means the extension was decoded.
	UsagePresent
	// UsageUnparseable means the extension exists but could not be decoded.
	UsageUnparseable
)

func (s UsageStatus) String() string {
	switch s {
	case UsageAbsent:
		return "absent"
	case UsagePresent:
		return "present"
	case UsageUnparseable:
		return "unparseable"
	default:
		return "unknown"
	}
}

// UsageResult is the decoded form of one usage extension.
type UsageResult struct {
	Status UsageStatus
	Labels []string
	// Err is set when Status is UsageUnparseable.
	Err error
}

// KeyUsage decodes the key usage extension. Labels follow bit order.
func KeyUsage(cert *x509.Certificate) UsageResult {
	ext, ok := findExtension(cert, oidExtensionKeyUsage)
	if !ok {
		return UsageResult{Status: UsageAbsent}
	}
	labels, err := parseKeyUsage(ext)
	if err != nil {
		return UsageResult{Status: UsageUnparseable, Err: &CertificateParseError{Field: "key usage", Err: err}}
	}
	return UsageResult{Status: UsagePresent, Labels: labels}
}

// ExtendedKeyUsage decodes the extended key usage extension. Labels keep
// the order of the OIDs in the certificate.
func ExtendedKeyUsage(cert *x509.Certificate) UsageResult {
	ext, ok := findExtension(cert, oidExtensionExtendedKeyUsage)
	if !ok {
		return UsageResult{Status: UsageAbsent}
	}
	labels, err := parseExtendedKeyUsage(ext)
	if err != nil {
		return UsageResult{Status: UsageUnparseable, Err: &CertificateParseError{Field: "extended key usage", Err: err}}
	}
	return UsageResult{Status: UsagePresent, Labels: labels}
}

// Usages combines key usage and extended key usage labels.
//
// DefaultUsages is returned when both extensions are absent or empty. An
// unparseable extension contributes no labels and suppresses the default;
// its error is returned alongside the labels that could be read.
func Usages(cert *x509.Certificate) ([]string, []error) {
	ku := KeyUsage(cert)
	eku := ExtendedKeyUsage(cert)

	var labels []string
	var errs []error
	for _, r := range []UsageResult{ku, eku} {
		if r.Status == UsageUnparseable {
			errs = append(errs, r.Err)
			continue
		}
		labels = append(labels, r.Labels...)
	}

	if len(labels) == 0 && len(errs) == 0 {
		return append([]string(nil), DefaultUsages...), nil
	}
	if labels == nil {
		labels = []string{}
	}
	return labels, errs
}

func findExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value, true
		}
	}
	return nil, false
}

func parseKeyUsage(der []byte) ([]string, error) {
	input := cryptobyte.String(der)
	var bits asn1.BitString
	if !input.ReadASN1BitString(&bits) || !input.Empty() {
		return nil, errMalformedExtension
	}
	var labels []string
	for i, label := range keyUsageLabels {
		if bits.At(i) == 1 {
			labels = append(labels, label)
		}
	}
	return labels, nil
}

func parseExtendedKeyUsage(der []byte) ([]string, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, errMalformedExtension
	}
	var labels []string
	for !seq.Empty() {
		var oid asn1.ObjectIdentifier
		if !seq.ReadASN1ObjectIdentifier(&oid) {
			return nil, errMalformedExtension
		}
		labels = append(labels, extKeyUsageLabel(oid))
	}
	return labels, nil
}

func extKeyUsageLabel(oid asn1.ObjectIdentifier) string {
	if label, ok := extKeyUsageLabels[oid.String()]; ok {
		return label
	}
	return "Unknown Usage (" + oid.String() + ")"
}
