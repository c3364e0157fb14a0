package signers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/georgepadayatti/firmador/keys"
	"github.com/georgepadayatti/firmador/pdf/generic"
	"github.com/georgepadayatti/firmador/pdf/writer"
	"github.com/georgepadayatti/firmador/sign/timestamps"
	"github.com/georgepadayatti/firmador/stamp"
)

// Defaults for the signature field and output naming.
const (
	DefaultFieldName       = "Signature1"
	DefaultCreator         = "Firmador"
	DefaultFilenamePattern = "signed_document_%d.pdf"
)

// Placeholder sizing, in DER bytes.
const (
	placeholderSlack   = 2048
	timestampAllowance = 9000
	resizeSlack        = 4096
)

// Timestamper obtains a timestamp token for a SHA-256 digest, trying
// preferred first. *timestamps.Client implements it.
type Timestamper interface {
	RequestWithFallback(ctx context.Context, preferred string, digest []byte) (*timestamps.Result, error)
}

// SignedDocument is the output of a signing operation.
type SignedDocument struct {
	ID          string
	Filename    string
	Size        int64
	CompletedAt time.Time
	Content     []byte
	// Digest is the SHA-256 over the signed byte ranges.
	Digest []byte
	// Timestamp is the token embedded in the signature, nil when none is.
	Timestamp *timestamps.Result
	// Warnings lists degraded steps that did not stop signing.
	Warnings []string
	Pages    int
}

// DocumentSigner appends a signature revision to PDF documents. It holds no
// per-document state and may be used concurrently.
type DocumentSigner struct {
	logger          logrus.FieldLogger
	timestamper     Timestamper
	fieldName       string
	creator         string
	revision        string
	placeholderSize int
	style           *stamp.Style
	filenamePattern string
	now             func() time.Time
}

// Option configures a DocumentSigner.
type Option func(*DocumentSigner)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *DocumentSigner) { s.logger = l }
}

// WithTimestamper sets the TSA client.
func WithTimestamper(ts Timestamper) Option {
	return func(s *DocumentSigner) { s.timestamper = ts }
}

// WithFieldName sets the base name of new signature fields.
func WithFieldName(name string) Option {
	return func(s *DocumentSigner) {
		if name != "" {
			s.fieldName = name
		}
	}
}

// WithCreator sets the application name in /Prop_Build.
func WithCreator(name string) Option {
	return func(s *DocumentSigner) {
		if name != "" {
			s.creator = name
		}
	}
}

// WithCreatorRevision sets the application revision written as /REx.
func WithCreatorRevision(rev string) Option {
	return func(s *DocumentSigner) { s.revision = rev }
}

// WithPlaceholderSize fixes the initial /Contents reservation in bytes.
// Zero estimates it from the credential.
func WithPlaceholderSize(n int) Option {
	return func(s *DocumentSigner) { s.placeholderSize = n }
}

// WithStyle sets the appearance style.
func WithStyle(style *stamp.Style) Option {
	return func(s *DocumentSigner) { s.style = style }
}

// WithFilenamePattern sets the output file name pattern. It receives the
// completion time in Unix milliseconds.
func WithFilenamePattern(pattern string) Option {
	return func(s *DocumentSigner) {
		if pattern != "" {
			s.filenamePattern = pattern
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *DocumentSigner) { s.now = now }
}

// NewDocumentSigner creates a signer. Without WithTimestamper it uses a
// timestamps.Client with the well-known servers.
func NewDocumentSigner(opts ...Option) *DocumentSigner {
	s := &DocumentSigner{
		logger:          logrus.StandardLogger(),
		fieldName:       DefaultFieldName,
		creator:         DefaultCreator,
		filenamePattern: DefaultFilenamePattern,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timestamper == nil {
		s.timestamper = timestamps.NewClient(timestamps.WithLogger(s.logger))
	}
	return s
}

// signingJob is the fixed input of one Sign call.
type signingJob struct {
	pdf         []byte
	cred        *keys.SigningCredential
	req         SignatureRequest
	signingTime time.Time
	lines       []string
	// tsaURL is preferred for the token over the signature value.
	tsaURL        string
	wantTimestamp bool
	log           logrus.FieldLogger
}

type revision struct {
	content   []byte
	digest    []byte
	timestamp *timestamps.Result
	warnings  []string
	pages     int
}

type tooSmallError struct {
	need, have int
}

func (e *tooSmallError) Error() string {
	return fmt.Sprintf("%v: reserved %d bytes, signature needs %d", ErrPlaceholderTooSmall, e.have, e.need)
}

func (e *tooSmallError) Unwrap() error {
	return ErrPlaceholderTooSmall
}

// Sign appends a signature for req to pdfBytes. The input is never
// modified. A failed timestamp only adds a warning to the result.
func (s *DocumentSigner) Sign(ctx context.Context, pdfBytes []byte, cred *keys.SigningCredential, req SignatureRequest) (*SignedDocument, error) {
	if cred == nil || cred.PrivateKey == nil || cred.Leaf() == nil {
		return nil, stageError(StageCredential, ErrNoCredential)
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.SignerName == "" {
		req.SignerName = cred.Alias
	}

	job := &signingJob{
		pdf:         pdfBytes,
		cred:        cred,
		req:         req,
		signingTime: s.now(),
		log:         s.logger.WithFields(logrus.Fields{"page": req.Page, "alias": cred.Alias}),
	}

	var warnings []string
	tsLine := &stamp.TimestampLine{State: stamp.TimestampDisabled}
	if req.EnableTimestamp {
		line, err := s.probeTimestamp(ctx, job)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			job.log.WithError(err).Warn("Timestamp unavailable, signing without it")
			warnings = append(warnings, "timestamp not available: "+err.Error())
		}
		tsLine = line
	}
	job.lines = stamp.AppearanceLines(stamp.SignerDetails{
		Name:     req.SignerName,
		ID:       req.ID,
		Email:    req.Email,
		Location: req.Location,
		Reason:   req.Reason,
	}, job.signingTime, tsLine)

	reserve := s.placeholderSize
	if reserve <= 0 {
		reserve = EstimateSize(cred, job.wantTimestamp)
	}

	rev, err := s.signOnce(ctx, job, reserve)
	var small *tooSmallError
	if errors.As(err, &small) {
		job.log.WithFields(logrus.Fields{"bytes": small.have, "need": small.need}).Warn("Signature placeholder too small, resizing")
		rev, err = s.signOnce(ctx, job, small.need+resizeSlack)
	}
	if err != nil {
		return nil, err
	}

	completed := s.now()
	doc := &SignedDocument{
		ID:          uuid.NewString(),
		Filename:    fmt.Sprintf(s.filenamePattern, completed.UnixMilli()),
		Size:        int64(len(rev.content)),
		CompletedAt: completed,
		Content:     rev.content,
		Digest:      rev.digest,
		Timestamp:   rev.timestamp,
		Warnings:    append(warnings, rev.warnings...),
		Pages:       rev.pages,
	}
	job.log.WithFields(logrus.Fields{
		"id":        doc.ID,
		"bytes":     doc.Size,
		"pages":     doc.Pages,
		"timestamp": doc.Timestamp != nil,
	}).Info("Document signed")
	return doc, nil
}

// probeTimestamp asks the TSA chain for a token over the input document to
// learn the timestamp line of the appearance and which server answers.
func (s *DocumentSigner) probeTimestamp(ctx context.Context, job *signingJob) (*stamp.TimestampLine, error) {
	preferred := job.req.TimestampURL
	if preferred == "" {
		preferred = timestamps.DefaultServerURL
	}
	job.tsaURL = preferred

	sum := sha256.Sum256(job.pdf)
	res, err := s.timestamper.RequestWithFallback(ctx, preferred, sum[:])
	if err != nil {
		return &stamp.TimestampLine{
			State:      stamp.TimestampUnavailable,
			ServerName: timestamps.DisplayName(preferred),
		}, err
	}
	job.tsaURL = res.Server
	job.wantTimestamp = true
	return &stamp.TimestampLine{
		State:      stamp.TimestampObtained,
		GenTime:    res.GenTime,
		ServerName: res.ServerName,
	}, nil
}

// signOnce writes the revision with a placeholder of reserve bytes and
// fills it with the CMS signature.
func (s *DocumentSigner) signOnce(ctx context.Context, job *signingJob, reserve int) (*revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := writer.NewIncrementalWriter(job.pdf)
	if err != nil {
		return nil, stageError(StagePrepare, err)
	}
	if _, err := w.Page(job.req.Page); err != nil {
		return nil, stageError(StagePrepare, err)
	}

	rect := job.req.Rect
	appearance, err := stamp.NewAppearance(rect.Width, rect.Height, job.lines, s.style)
	if err != nil {
		return nil, stageError(StageAppearance, err)
	}

	sigRef := w.Allocate()
	field := writer.SignatureField{
		Name:      s.fieldName,
		Page:      job.req.Page,
		Rect:      rect.Rectangle(),
		Signature: sigRef,
	}
	if appearance.Invisible() {
		field.Rect = generic.Rectangle{}
	} else {
		fontRef, err := w.AddObject(stamp.FontDictionary())
		if err != nil {
			return nil, stageError(StageWrite, err)
		}
		xobj, err := appearance.XObject(fontRef)
		if err != nil {
			return nil, stageError(StageAppearance, err)
		}
		if field.Appearance, err = w.AddObject(xobj); err != nil {
			return nil, stageError(StageWrite, err)
		}
	}
	if _, err := w.AddSignatureField(field); err != nil {
		return nil, stageError(StageWrite, err)
	}

	sig := NewSignatureObject(SignatureObjectOptions{
		Timestamp:     job.signingTime,
		Name:          job.req.SignerName,
		Location:      job.req.Location,
		Reason:        job.req.Reason,
		ContactInfo:   job.req.Email,
		AppBuildProps: &BuildProps{Name: s.creator, Revision: s.revision},
		BytesReserved: reserve,
	})
	if err := w.WriteObject(sigRef, sig); err != nil {
		return nil, stageError(StageWrite, err)
	}
	if err := w.Finish(); err != nil {
		return nil, stageError(StageWrite, err)
	}

	start, end, err := sig.Contents.Offsets()
	if err != nil {
		return nil, stageError(StageWrite, err)
	}
	out := w.Bytes()
	if err := sig.ByteRange.FillOffsets(out, start, end); err != nil {
		return nil, stageError(StageWrite, err)
	}

	signed, err := signedContent(out, sig.ByteRange.GetByteRange())
	if err != nil {
		return nil, stageError(StageDigest, err)
	}
	digest := sha256.Sum256(signed)

	cms, err := s.buildCMS(ctx, job, signed, digest[:])
	if err != nil {
		return nil, err
	}
	if len(cms.der) > sig.Contents.Capacity() {
		return nil, stageError(StagePlaceholder, &tooSmallError{need: len(cms.der), have: sig.Contents.Capacity()})
	}
	if err := FillReservedRegion(out, start, end, cms.der); err != nil {
		return nil, stageError(StagePlaceholder, err)
	}

	return &revision{
		content:   bytes.Clone(out),
		digest:    digest[:],
		timestamp: cms.timestamp,
		warnings:  cms.warnings,
		pages:     w.NumPages(),
	}, nil
}

// signedContent concatenates the regions named by a /ByteRange.
func signedContent(data []byte, byteRange []int64) ([]byte, error) {
	if len(byteRange) == 0 || len(byteRange)%2 != 0 {
		return nil, fmt.Errorf("%w: %d entries", ErrInvalidByteRange, len(byteRange))
	}
	size := int64(len(data))
	var out []byte
	for i := 0; i < len(byteRange); i += 2 {
		offset, length := byteRange[i], byteRange[i+1]
		if offset < 0 || length < 0 || offset+length > size {
			return nil, fmt.Errorf("%w: region %d+%d outside %d bytes", ErrInvalidByteRange, offset, length, size)
		}
		out = append(out, data[offset:offset+length]...)
	}
	return out, nil
}

// EstimateSize returns the initial /Contents reservation for cred: the
// chain, one signature value and fixed slack, plus room for a timestamp
// token when one will be embedded.
func EstimateSize(cred *keys.SigningCredential, withTimestamp bool) int {
	size := placeholderSlack
	for _, cert := range cred.Chain {
		size += len(cert.Raw)
	}
	if cred.PrivateKey != nil {
		size += signatureSize(cred.PrivateKey.Public())
	}
	if withTimestamp {
		size += timestampAllowance
	}
	return size
}

func signatureSize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.Size()
	case *ecdsa.PublicKey:
		return 2*((k.Curve.Params().BitSize+7)/8) + 9
	case ed25519.PublicKey:
		return ed25519.SignatureSize
	default:
		return 512
	}
}
