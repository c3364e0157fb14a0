// Package certinfo turns X.509 certificates into display-ready records.
//
// The trust flag only reflects the validity window. No chain building or
// revocation checking is performed.
package certinfo

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/georgepadayatti/firmador/keys"
)

// CertificateParseError reports a certificate field that could not be decoded.
// It never aborts extraction; the field falls back to an empty value.
type CertificateParseError struct {
	Field string
	Err   error
}

func (e *CertificateParseError) Error() string {
	return fmt.Sprintf("cannot parse %s: %v", e.Field, e.Err)
}

func (e *CertificateParseError) Unwrap() error {
	return e.Err
}

// CertificateMetadata is the display record for one certificate.
type CertificateMetadata struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	CommonName         string    `json:"commonName"`
	ValidFrom          time.Time `json:"validFrom"`
	ValidTo            time.Time `json:"validTo"`
	SerialNumber       string    `json:"serialNumber"`
	SignatureAlgorithm string    `json:"algorithm"`
	Version            string    `json:"version"`
	Usages             []string  `json:"keyUsages"`
	// Trusted is true when the check time falls inside the validity window.
	Trusted bool `json:"isTrusted"`

	IssuerDisplay      string `json:"issuerDisplay"`
	PublicKeyAlgorithm string `json:"publicKeyAlgorithm"`
	KeySize            int    `json:"keySize,omitempty"`
	Thumbprint         string `json:"thumbprint"`
	SelfSigned         bool   `json:"selfSigned"`
	IsCA               bool   `json:"isCA"`

	// ParseErrors lists fields that were degraded during extraction.
	ParseErrors []error `json:"-"`
}

// Partial reports whether any field was degraded.
func (m *CertificateMetadata) Partial() bool {
	return len(m.ParseErrors) > 0
}

// DaysUntilExpiry returns whole days from now until NotAfter, negative once expired.
func (m *CertificateMetadata) DaysUntilExpiry(now time.Time) int {
	return int(m.ValidTo.Sub(now).Hours() / 24)
}

// Extract builds the metadata record using the current time for the trust flag.
func Extract(cert *x509.Certificate) *CertificateMetadata {
	return ExtractAt(cert, time.Now())
}

// ExtractAt builds the metadata record, evaluating the trust flag at now.
func ExtractAt(cert *x509.Certificate, now time.Time) *CertificateMetadata {
	subject := cert.Subject.String()
	issuer := cert.Issuer.String()
	usages, errs := Usages(cert)
	keyInfo := keys.GetKeyInfo(cert.PublicKey)

	return &CertificateMetadata{
		Subject:            subject,
		Issuer:             issuer,
		CommonName:         CommonName(subject),
		ValidFrom:          cert.NotBefore,
		ValidTo:            cert.NotAfter,
		SerialNumber:       SerialNumber(cert),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		Version:            fmt.Sprintf("v%d", cert.Version),
		Usages:             usages,
		Trusted:            WithinValidity(cert, now),
		IssuerDisplay:      FormatIssuer(issuer),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		KeySize:            keyInfo.BitSize,
		Thumbprint:         keys.Thumbprint(cert),
		SelfSigned:         cert.Subject.String() == cert.Issuer.String(),
		IsCA:               cert.IsCA,
		ParseErrors:        errs,
	}
}

// SerialNumber renders the serial as uppercase hex without padding.
func SerialNumber(cert *x509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	return fmt.Sprintf("%X", cert.SerialNumber)
}

// WithinValidity reports notBefore <= now <= notAfter.
func WithinValidity(cert *x509.Certificate, now time.Time) bool {
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}

// CommonName scans a comma separated DN for the first CN= component and
// returns the full DN when there is none.
func CommonName(dn string) string {
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "CN=") {
			return part[len("CN="):]
		}
	}
	return dn
}

var issuerDisplayOrder = []string{"CN=", "O=", "C=", "L=", "ST=", "OU="}

// FormatIssuer rewrites a DN keeping only CN, O, C, L, ST and OU, in that order.
// The input is returned unchanged when none of them is present.
func FormatIssuer(dn string) string {
	parts := strings.Split(dn, ",")
	var out []string
	for _, prefix := range issuerDisplayOrder {
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, prefix) {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return dn
	}
	return strings.Join(out, ", ")
}
