// Package testpki builds throwaway certificates, PKCS#12 stores, PDF files and
// timestamp authorities for tests.
package testpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

var serialCounter atomic.Int64

// Identity is a certificate with its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// Options configures a generated certificate.
type Options struct {
	CommonName      string
	Organization    string
	Serial          *big.Int
	NotBefore       time.Time
	NotAfter        time.Time
	KeyUsage        x509.KeyUsage
	ExtKeyUsage     []x509.ExtKeyUsage
	UnknownEKU      []asn1.ObjectIdentifier
	ExtraExtensions []pkix.Extension
	IsCA            bool
}

func (o Options) template() *x509.Certificate {
	serial := o.Serial
	if serial == nil {
		serial = big.NewInt(1000 + serialCounter.Add(1))
	}
	notBefore := o.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := o.NotAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(365 * 24 * time.Hour)
	}
	subject := pkix.Name{CommonName: o.CommonName}
	if o.Organization != "" {
		subject.Organization = []string{o.Organization}
	}
	tmpl := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		KeyUsage:           o.KeyUsage,
		ExtKeyUsage:        o.ExtKeyUsage,
		UnknownExtKeyUsage: o.UnknownEKU,
		ExtraExtensions:    o.ExtraExtensions,
	}
	if o.IsCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
	}
	return tmpl
}

func generateKey(tb testing.TB) *rsa.PrivateKey {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func create(tb testing.TB, tmpl, parent *x509.Certificate, pub *rsa.PublicKey, signer *rsa.PrivateKey) *x509.Certificate {
	tb.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		tb.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// SelfSigned creates a self-signed certificate.
func SelfSigned(tb testing.TB, opts Options) *Identity {
	tb.Helper()
	key := generateKey(tb)
	tmpl := opts.template()
	return &Identity{Cert: create(tb, tmpl, tmpl, &key.PublicKey, key), Key: key}
}

// NewCA creates a self-signed certificate authority.
func NewCA(tb testing.TB, cn string) *Identity {
	tb.Helper()
	return SelfSigned(tb, Options{
		CommonName:   cn,
		Organization: "Firmador Test",
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:         true,
	})
}

// Issue signs a new certificate with the receiver.
func (id *Identity) Issue(tb testing.TB, opts Options) *Identity {
	tb.Helper()
	key := generateKey(tb)
	return &Identity{Cert: create(tb, opts.template(), id.Cert, &key.PublicKey, id.Key), Key: key}
}

// Signer is a CA plus a document signing leaf issued by it.
type Signer struct {
	CA   *Identity
	Leaf *Identity
}

// NewSigner creates a CA and a leaf with digitalSignature and nonRepudiation.
func NewSigner(tb testing.TB, cn string) *Signer {
	tb.Helper()
	ca := NewCA(tb, "Firmador Test CA")
	leaf := ca.Issue(tb, Options{
		CommonName:   cn,
		Organization: "Firmador Test",
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	})
	return &Signer{CA: ca, Leaf: leaf}
}

// PKCS12 encodes the leaf and CA as a password protected store.
func (s *Signer) PKCS12(tb testing.TB, password string) []byte {
	tb.Helper()
	return EncodePKCS12(tb, s.Leaf, []*x509.Certificate{s.CA.Cert}, password)
}

// EncodePKCS12 encodes a key, its certificate and CA certificates.
func EncodePKCS12(tb testing.TB, leaf *Identity, caCerts []*x509.Certificate, password string) []byte {
	tb.Helper()
	data, err := pkcs12.Modern.Encode(leaf.Key, leaf.Cert, caCerts, password)
	if err != nil {
		tb.Fatalf("Failed to encode PKCS#12: %v", err)
	}
	return data
}

// EncodeTrustStore encodes certificates without any private key.
func EncodeTrustStore(tb testing.TB, certs []*x509.Certificate, password string) []byte {
	tb.Helper()
	data, err := pkcs12.Modern.EncodeTrustStore(certs, password)
	if err != nil {
		tb.Fatalf("Failed to encode trust store: %v", err)
	}
	return data
}
