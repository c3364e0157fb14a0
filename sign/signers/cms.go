package signers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/digitorus/pkcs7"
	"github.com/sirupsen/logrus"

	"github.com/georgepadayatti/firmador/keys"
	"github.com/georgepadayatti/firmador/sign/timestamps"
)

type cmsResult struct {
	der       []byte
	timestamp *timestamps.Result
	warnings  []string
}

// newSignedData prepares a detached SHA-256 SignedData over content with
// the signer's full chain. The signing-time attribute is added by pkcs7.
func newSignedData(content []byte, cred *keys.SigningCredential) (*pkcs7.SignedData, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, err
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(cred.Leaf(), cred.PrivateKey, cred.Issuers(), pkcs7.SignerInfoConfig{}); err != nil {
		return nil, err
	}
	sd.Detach()
	return sd, nil
}

// buildCMS signs content. When the job wants a timestamp, a token over the
// signature value is attached as an unsigned attribute; if that token
// cannot be obtained, or finishing fails with it attached, the CMS is built
// without it.
func (s *DocumentSigner) buildCMS(ctx context.Context, job *signingJob, content, digest []byte) (*cmsResult, error) {
	res := &cmsResult{}
	sd, err := newSignedData(content, job.cred)
	if err != nil {
		return nil, stageError(StageCMS, err)
	}

	if job.wantTimestamp {
		ts, err := s.timestampSignature(ctx, job, sd)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			job.log.WithError(err).Warn("Timestamp token not embedded")
			res.warnings = append(res.warnings, "timestamp not embedded: "+err.Error())
		} else {
			res.timestamp = ts
			if ts.Server != job.tsaURL {
				job.log.WithFields(logrus.Fields{"appearance": job.tsaURL, "server": ts.Server}).Warn("Timestamp server differs from the appearance")
				res.warnings = append(res.warnings, fmt.Sprintf("timestamp issued by %s, appearance names %s", ts.Server, job.tsaURL))
			}
		}
	}

	der, err := sd.Finish()
	if err != nil && res.timestamp != nil {
		job.log.WithError(err).Warn("Signing with timestamp failed, retrying without it")
		res.warnings = append(res.warnings, "timestamp dropped: "+err.Error())
		res.timestamp = nil
		if sd, err = newSignedData(content, job.cred); err == nil {
			der, err = sd.Finish()
		}
	}
	if err != nil {
		return nil, stageError(StageCMS, err)
	}

	if err := checkMessageDigest(der, digest); err != nil {
		return nil, stageError(StageDigest, err)
	}
	res.der = der
	return res, nil
}

// timestampSignature requests a token over SHA-256 of the signature value
// and attaches it as id-aa-signatureTimeStampToken.
func (s *DocumentSigner) timestampSignature(ctx context.Context, job *signingJob, sd *pkcs7.SignedData) (*timestamps.Result, error) {
	signed := sd.GetSignedData()
	if len(signed.SignerInfos) == 0 {
		return nil, errors.New("signed data has no signer")
	}
	sum := sha256.Sum256(signed.SignerInfos[0].EncryptedDigest)

	res, err := s.timestamper.RequestWithFallback(ctx, job.tsaURL, sum[:])
	if err != nil {
		return nil, err
	}
	attr := pkcs7.Attribute{
		Type:  timestamps.OIDSignatureTimeStamp,
		Value: asn1.RawValue{FullBytes: res.Token},
	}
	if err := signed.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{attr}); err != nil {
		return nil, err
	}
	return res, nil
}

// checkMessageDigest parses der and compares its messageDigest attribute
// with digest.
func checkMessageDigest(der, digest []byte) error {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDigestFailure, err)
	}
	var md []byte
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeMessageDigest, &md); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestFailure, err)
	}
	if !bytes.Equal(md, digest) {
		return ErrDigestFailure
	}
	return nil
}
