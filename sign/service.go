// Package sign ties keystore loading, certificate inspection and document
// signing together. Key material never outlives a single call.
package sign

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/georgepadayatti/firmador/certinfo"
	"github.com/georgepadayatti/firmador/keys"
	"github.com/georgepadayatti/firmador/sign/signers"
)

// Service signs documents and inspects keystores.
type Service struct {
	signer     *signers.DocumentSigner
	extraCerts []*x509.Certificate
	workers    int
	logger     logrus.FieldLogger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSigner sets the document signer. The default is
// signers.NewDocumentSigner with the service logger.
func WithSigner(s *signers.DocumentSigner) Option {
	return func(svc *Service) { svc.signer = s }
}

// WithExtraCerts adds certificates to every loaded chain, for stores that
// carry only the leaf.
func WithExtraCerts(certs ...*x509.Certificate) Option {
	return func(svc *Service) { svc.extraCerts = append(svc.extraCerts, certs...) }
}

// WithWorkers sets the batch pool size.
func WithWorkers(n int) Option {
	return func(svc *Service) { svc.workers = n }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithClock sets the clock used for the validity check.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// NewService creates a service.
func NewService(opts ...Option) *Service {
	svc := &Service{
		workers: signers.DefaultWorkers,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.signer == nil {
		svc.signer = signers.NewDocumentSigner(signers.WithLogger(svc.logger))
	}
	return svc
}

// LoadCredential decodes keystore and completes its chain with the extra
// certificates. The caller must Clear the credential.
func (s *Service) LoadCredential(keystore []byte, passphrase string) (*keys.SigningCredential, error) {
	cred, err := keys.LoadPKCS12(keystore, passphrase)
	if err != nil {
		s.logger.WithError(err).Warn("Keystore rejected")
		return nil, err
	}
	if len(s.extraCerts) > 0 {
		cred.AppendChain(s.extraCerts...)
	}
	return cred, nil
}

// SignDocument loads the credential, signs pdf with it and clears the key,
// whether signing succeeded or not. Keystore failures are returned as
// *keys.CredentialError.
func (s *Service) SignDocument(ctx context.Context, pdf, keystore []byte, passphrase string, req signers.SignatureRequest) (*signers.SignedDocument, error) {
	cred, err := s.LoadCredential(keystore, passphrase)
	if err != nil {
		return nil, err
	}
	defer cred.Clear()

	return s.signer.Sign(ctx, pdf, cred, req)
}

// SignBatch signs every job with one credential on the worker pool and
// clears the key afterwards.
func (s *Service) SignBatch(ctx context.Context, keystore []byte, passphrase string, jobs []signers.Job) ([]signers.JobResult, error) {
	cred, err := s.LoadCredential(keystore, passphrase)
	if err != nil {
		return nil, err
	}
	defer cred.Clear()

	return signers.NewPool(s.signer, s.workers).SignAll(ctx, cred, jobs)
}

// ExtractCertificateInfo returns the metadata of the signing certificate.
func (s *Service) ExtractCertificateInfo(keystore []byte, passphrase string) (*certinfo.CertificateMetadata, error) {
	chain, err := s.ExtractChainInfo(keystore, passphrase)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// ExtractChainInfo returns the metadata of every certificate in the chain,
// leaf first.
func (s *Service) ExtractChainInfo(keystore []byte, passphrase string) ([]*certinfo.CertificateMetadata, error) {
	cred, err := s.LoadCredential(keystore, passphrase)
	if err != nil {
		return nil, err
	}
	cred.Clear()

	now := s.now()
	out := make([]*certinfo.CertificateMetadata, 0, len(cred.Chain))
	for _, cert := range cred.Chain {
		meta := certinfo.ExtractAt(cert, now)
		if meta.Partial() {
			s.logger.WithFields(logrus.Fields{
				"subject": meta.Subject,
				"errors":  len(meta.ParseErrors),
			}).Warn("Certificate metadata is incomplete")
		}
		out = append(out, meta)
	}
	return out, nil
}

// ValidateCertificate reports whether the signing certificate is inside its
// validity period. It does not evaluate the chain of trust or revocation.
func (s *Service) ValidateCertificate(keystore []byte, passphrase string) (bool, error) {
	meta, err := s.ExtractCertificateInfo(keystore, passphrase)
	if err != nil {
		return false, err
	}
	return meta.Trusted, nil
}
