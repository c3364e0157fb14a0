package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"slices"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Credential errors. A *CredentialError always unwraps to exactly one of these.
var (
	ErrInvalidFormat = errors.New("keystore is not a valid PKCS#12 container")
	ErrWrongPassword = errors.New("incorrect keystore password")
	ErrNoEntries     = errors.New("keystore contains no private key entry")
)

// CredentialError reports why a keystore could not be loaded.
type CredentialError struct {
	// Kind is one of ErrInvalidFormat, ErrWrongPassword or ErrNoEntries.
	Kind error
	// Err is the underlying decoder error, if any.
	Err error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *CredentialError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// SigningCredential is a private key with its certificate chain, leaf first.
// It must be cleared with Clear as soon as signing is done.
type SigningCredential struct {
	PrivateKey crypto.Signer
	Chain      []*x509.Certificate
	Alias      string
}

// Leaf returns the signing certificate.
func (c *SigningCredential) Leaf() *x509.Certificate {
	if c == nil || len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// Issuers returns the chain without the leaf.
func (c *SigningCredential) Issuers() []*x509.Certificate {
	if c == nil || len(c.Chain) < 2 {
		return nil
	}
	return c.Chain[1:]
}

// AppendChain adds certificates that are not yet part of the chain and
// reorders it so that each certificate is followed by its issuer.
func (c *SigningCredential) AppendChain(certs ...*x509.Certificate) {
	extra := slices.Clone(c.Issuers())
	for _, cert := range certs {
		if !slices.ContainsFunc(c.Chain, func(have *x509.Certificate) bool { return have.Equal(cert) }) &&
			!slices.ContainsFunc(extra, func(have *x509.Certificate) bool { return have.Equal(cert) }) {
			extra = append(extra, cert)
		}
	}
	c.Chain = orderChain(c.Leaf(), extra)
}

// Clear zeroes the private key material and drops the reference to it.
func (c *SigningCredential) Clear() {
	if c == nil || c.PrivateKey == nil {
		return
	}
	switch k := c.PrivateKey.(type) {
	case *rsa.PrivateKey:
		wipeInt(k.D)
		for _, p := range k.Primes {
			wipeInt(p)
		}
		wipeInt(k.Precomputed.Dp)
		wipeInt(k.Precomputed.Dq)
		wipeInt(k.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		wipeInt(k.D)
	case ed25519.PrivateKey:
		clear(k)
	}
	c.PrivateKey = nil
}

func wipeInt(n *big.Int) {
	if n == nil {
		return
	}
	clear(n.Bits())
	n.SetInt64(0)
}

// LoadPKCS12File reads and decodes a PKCS#12 keystore file.
func LoadPKCS12File(filename, passphrase string) (*SigningCredential, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadPKCS12(data, passphrase)
}

// LoadPKCS12 decodes a PKCS#12 keystore into a signing credential.
//
// The store must hold exactly one private key. A store with several key
// entries is rejected with ErrInvalidFormat; no entry is picked for the
// caller. The alias is the signing certificate's common name, or its SHA-1
// thumbprint when the name is empty.
func LoadPKCS12(data []byte, passphrase string) (*SigningCredential, error) {
	if len(data) == 0 {
		return nil, &CredentialError{Kind: ErrInvalidFormat, Err: errors.New("empty keystore")}
	}

	key, cert, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		return nil, classifyPKCS12Error(err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, &CredentialError{Kind: ErrInvalidFormat, Err: fmt.Errorf("unsupported private key type %T", key)}
	}
	if !publicKeyMatches(cert.PublicKey, signer.Public()) {
		return nil, &CredentialError{Kind: ErrInvalidFormat, Err: errors.New("certificate does not match private key")}
	}

	return &SigningCredential{
		PrivateKey: signer,
		Chain:      orderChain(cert, caCerts),
		Alias:      aliasFor(cert),
	}, nil
}

func classifyPKCS12Error(err error) error {
	switch {
	case errors.Is(err, pkcs12.ErrIncorrectPassword), errors.Is(err, pkcs12.ErrDecryption):
		return &CredentialError{Kind: ErrWrongPassword, Err: err}
	case strings.Contains(err.Error(), "private key missing"),
		strings.Contains(err.Error(), "certificate missing"):
		return &CredentialError{Kind: ErrNoEntries, Err: err}
	default:
		return &CredentialError{Kind: ErrInvalidFormat, Err: err}
	}
}

func publicKeyMatches(certKey, signerKey crypto.PublicKey) bool {
	k, ok := certKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(signerKey)
}

// orderChain puts the leaf first and follows issuer links through extra.
// Certificates that are not part of the path keep their order at the end.
func orderChain(leaf *x509.Certificate, extra []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	remaining := slices.Clone(extra)
	current := leaf
	for !isSelfSigned(current) {
		idx := slices.IndexFunc(remaining, func(c *x509.Certificate) bool {
			return bytes.Equal(c.RawSubject, current.RawIssuer)
		})
		if idx < 0 {
			break
		}
		current = remaining[idx]
		chain = append(chain, current)
		remaining = slices.Delete(remaining, idx, idx+1)
	}
	return append(chain, remaining...)
}

func aliasFor(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	return Thumbprint(cert)
}

// Thumbprint returns the uppercase hex SHA-1 digest of the certificate DER.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
