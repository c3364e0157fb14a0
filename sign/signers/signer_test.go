package signers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mozpkcs7 "go.mozilla.org/pkcs7"

	"github.com/georgepadayatti/firmador/internal/testpki"
	"github.com/georgepadayatti/firmador/keys"
	"github.com/georgepadayatti/firmador/pdf/writer"
	"github.com/georgepadayatti/firmador/sign/timestamps"
	"github.com/georgepadayatti/firmador/stamp"
)

func loadCredential(t *testing.T) *keys.SigningCredential {
	t.Helper()
	s := testpki.NewSigner(t, "Ada Lovelace")
	cred, err := keys.LoadPKCS12(s.PKCS12(t, "secret"), "secret")
	require.NoError(t, err)
	return cred
}

func tsaClient(logger logrus.FieldLogger, servers ...string) *timestamps.Client {
	return timestamps.NewClient(
		timestamps.WithServers(servers...),
		timestamps.WithAttempts(1),
		timestamps.WithRetryDelay(0),
		timestamps.WithAttemptTimeout(5*time.Second),
		timestamps.WithLogger(logger),
	)
}

func newTestSigner(t *testing.T, opts ...Option) (*DocumentSigner, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	base := []Option{
		WithLogger(logger),
		WithTimestamper(tsaClient(logger)),
	}
	return NewDocumentSigner(append(base, opts...)...), hook
}

// signatureField returns the n-th form field of a signed document.
func signatureField(t *testing.T, data []byte, n int) pdf.Value {
	t.Helper()
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	fields := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	require.Greater(t, fields.Len(), n)
	return fields.Index(n)
}

func TestSignRoundTrip(t *testing.T) {
	cred := loadCredential(t)
	original := testpki.MinimalPDF(2)
	input := bytes.Clone(original)
	completed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s, _ := newTestSigner(t, WithClock(func() time.Time { return completed }))
	req := NewSignatureRequest("Ada Lovelace")
	req.Page = 2
	req.Reason = "Approval"
	req.Location = "London"
	req.Email = "ada@example.com"

	doc, err := s.Sign(context.Background(), input, cred, req)
	require.NoError(t, err)

	t.Run("OriginalUntouched", func(t *testing.T) {
		assert.Equal(t, original, input)
		assert.True(t, bytes.HasPrefix(doc.Content, original))
		assert.Greater(t, len(doc.Content), len(original))
	})

	t.Run("Descriptor", func(t *testing.T) {
		assert.NotEmpty(t, doc.ID)
		assert.Equal(t, fmt.Sprintf("signed_document_%d.pdf", completed.UnixMilli()), doc.Filename)
		assert.EqualValues(t, len(doc.Content), doc.Size)
		assert.Equal(t, completed, doc.CompletedAt)
		assert.Equal(t, 2, doc.Pages)
		assert.Nil(t, doc.Timestamp)
		assert.Empty(t, doc.Warnings)
	})

	t.Run("Field", func(t *testing.T) {
		field := signatureField(t, doc.Content, 0)
		assert.Equal(t, "Sig", field.Key("FT").Name())
		assert.Equal(t, "Signature1", field.Key("T").Text())
		assert.EqualValues(t, 132, field.Key("F").Int64())
		assert.Equal(t, pdf.Stream, field.Key("AP").Key("N").Kind())
		assert.EqualValues(t, 250, field.Key("Rect").Index(2).Float64())

		v := field.Key("V")
		assert.Equal(t, "Adobe.PPKLite", v.Key("Filter").Name())
		assert.Equal(t, SubFilterPKCS7Detached, v.Key("SubFilter").Name())
		assert.Equal(t, "Ada Lovelace", v.Key("Name").Text())
		assert.Equal(t, "ada@example.com", v.Key("ContactInfo").Text())
		assert.Equal(t, "D:20240601120000+00'00'", v.Key("M").Text())
		assert.Equal(t, DefaultCreator, v.Key("Prop_Build").Key("App").Key("Name").Name())
	})

	t.Run("Digest", func(t *testing.T) {
		v := signatureField(t, doc.Content, 0).Key("V")
		var br []int64
		for i := 0; i < v.Key("ByteRange").Len(); i++ {
			br = append(br, v.Key("ByteRange").Index(i).Int64())
		}
		signed, err := signedContent(doc.Content, br)
		require.NoError(t, err)
		sum := sha256.Sum256(signed)
		assert.Equal(t, sum[:], doc.Digest)
		assert.EqualValues(t, len(doc.Content), br[2]+br[3])
	})

	t.Run("IndependentVerification", func(t *testing.T) {
		v := signatureField(t, doc.Content, 0).Key("V")
		p7, err := mozpkcs7.Parse(trimDER([]byte(v.Key("Contents").RawString())))
		require.NoError(t, err)

		br := v.Key("ByteRange")
		p7.Content, err = signedContent(doc.Content, []int64{
			br.Index(0).Int64(), br.Index(1).Int64(), br.Index(2).Int64(), br.Index(3).Int64(),
		})
		require.NoError(t, err)
		require.NoError(t, p7.Verify())
		require.Len(t, p7.Certificates, 2)
		assert.True(t, p7.GetOnlySigner().Equal(cred.Leaf()))
	})

	t.Run("Verify", func(t *testing.T) {
		results, err := Verify(doc.Content)
		require.NoError(t, err)
		require.Len(t, results, 1)
		res := results[0]
		require.NoError(t, res.Err)
		assert.True(t, res.Valid())
		assert.True(t, res.CoversWholeDocument)
		assert.Equal(t, "Signature1", res.FieldName)
		assert.Equal(t, "Approval", res.Reason)
		assert.Equal(t, "London", res.Location)
		assert.Equal(t, "Ada Lovelace", res.Signer.Subject.CommonName)
		assert.False(t, res.SigningTime.IsZero())
		assert.Nil(t, res.Timestamp)
	})
}

func TestSignInvisible(t *testing.T) {
	cred := loadCredential(t)
	s, _ := newTestSigner(t)
	req := NewSignatureRequest("Ada Lovelace")
	req.Rect = Placement{X: 10, Y: 10}

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, req)
	require.NoError(t, err)

	field := signatureField(t, doc.Content, 0)
	assert.True(t, field.Key("AP").IsNull())
	for i := 0; i < 4; i++ {
		assert.Zero(t, field.Key("Rect").Index(i).Float64())
	}

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
}

func TestSignWithTimestamp(t *testing.T) {
	cred := loadCredential(t)
	tsa := testpki.NewTSA(t)
	logger, _ := test.NewNullLogger()
	s, _ := newTestSigner(t, WithTimestamper(tsaClient(logger)))

	req := NewSignatureRequest("Ada Lovelace")
	req.EnableTimestamp = true
	req.TimestampURL = tsa.URL

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, req)
	require.NoError(t, err)
	require.NotNil(t, doc.Timestamp)
	assert.Equal(t, tsa.URL, doc.Timestamp.Server)
	assert.Equal(t, "Custom TSA", doc.Timestamp.ServerName)
	require.NotNil(t, doc.Timestamp.GenTime)
	assert.Empty(t, doc.Warnings)
	assert.EqualValues(t, 2, tsa.Hits.Load())

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Timestamp)
	assert.Equal(t, doc.Timestamp.GenTime.Unix(), results[0].Timestamp.Unix())
}

func TestSignTimestampFallback(t *testing.T) {
	cred := loadCredential(t)
	tsa := testpki.NewTSA(t)
	failing := testpki.NewFailingServer(t, http.StatusServiceUnavailable)
	logger, hook := test.NewNullLogger()
	s := NewDocumentSigner(WithLogger(logger), WithTimestamper(tsaClient(logger, tsa.URL)))

	req := NewSignatureRequest("Ada Lovelace")
	req.EnableTimestamp = true
	req.TimestampURL = failing.URL

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, req)
	require.NoError(t, err)
	require.NotNil(t, doc.Timestamp)
	assert.Equal(t, tsa.URL, doc.Timestamp.Server)
	assert.Empty(t, doc.Warnings)
	assert.EqualValues(t, 2, tsa.Hits.Load(), "the token is requested from the server that answered the probe")

	var failed int
	for _, e := range hook.AllEntries() {
		if e.Message == "Timestamp attempt failed" {
			failed++
			assert.Equal(t, failing.URL, e.Data["server"])
		}
	}
	assert.Equal(t, 1, failed)

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	assert.NotNil(t, results[0].Timestamp)
}

func TestSignAllTimestampsFail(t *testing.T) {
	cred := loadCredential(t)
	first := testpki.NewFailingServer(t, http.StatusServiceUnavailable)
	second := testpki.NewFailingServer(t, http.StatusBadGateway)
	logger, hook := test.NewNullLogger()
	s := NewDocumentSigner(WithLogger(logger), WithTimestamper(tsaClient(logger, second.URL)))

	req := NewSignatureRequest("Ada Lovelace")
	req.EnableTimestamp = true
	req.TimestampURL = first.URL

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, req)
	require.NoError(t, err)
	assert.Nil(t, doc.Timestamp)
	require.Len(t, doc.Warnings, 1)
	assert.Contains(t, doc.Warnings[0], "timestamp not available")

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Timestamp unavailable, signing without it" {
			warned = true
			assert.Equal(t, logrus.WarnLevel, e.Level)
		}
	}
	assert.True(t, warned)

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.Nil(t, results[0].Timestamp)
}

// scriptedTimestamper answers the probe from a real TSA and fails the token
// request over the signature value.
type scriptedTimestamper struct {
	probe Timestamper
	calls int
}

func (s *scriptedTimestamper) RequestWithFallback(ctx context.Context, preferred string, digest []byte) (*timestamps.Result, error) {
	s.calls++
	if s.calls == 1 {
		return s.probe.RequestWithFallback(ctx, preferred, digest)
	}
	return nil, timestamps.ErrAllServersFailed
}

func TestSignTokenFailsAfterProbe(t *testing.T) {
	cred := loadCredential(t)
	tsa := testpki.NewTSA(t)
	logger, _ := test.NewNullLogger()
	ts := &scriptedTimestamper{probe: tsaClient(logger)}
	s, _ := newTestSigner(t, WithTimestamper(ts))

	req := NewSignatureRequest("Ada Lovelace")
	req.EnableTimestamp = true
	req.TimestampURL = tsa.URL

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, req)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.calls)
	assert.Nil(t, doc.Timestamp)
	require.Len(t, doc.Warnings, 1)
	assert.Contains(t, doc.Warnings[0], "timestamp not embedded")

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
}

// switchingTimestamper answers the first request from one TSA and every
// later one from another.
type switchingTimestamper struct {
	first, rest *timestamps.Client
	calls       int
}

func (s *switchingTimestamper) RequestWithFallback(ctx context.Context, preferred string, digest []byte) (*timestamps.Result, error) {
	s.calls++
	if s.calls == 1 {
		return s.first.RequestWithFallback(ctx, preferred, digest)
	}
	return s.rest.RequestWithFallback(ctx, "", digest)
}

func TestSignTokenFromOtherServer(t *testing.T) {
	cred := loadCredential(t)
	first := testpki.NewTSA(t)
	second := testpki.NewTSA(t)
	logger, hook := test.NewNullLogger()
	ts := &switchingTimestamper{first: tsaClient(logger), rest: tsaClient(logger, second.URL)}
	s := NewDocumentSigner(WithLogger(logger), WithTimestamper(ts))

	req := NewSignatureRequest("Ada Lovelace")
	req.EnableTimestamp = true
	req.TimestampURL = first.URL

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, req)
	require.NoError(t, err)
	require.NotNil(t, doc.Timestamp)
	assert.Equal(t, second.URL, doc.Timestamp.Server)
	require.Len(t, doc.Warnings, 1)
	assert.Contains(t, doc.Warnings[0], "timestamp issued by "+second.URL)
	assert.Contains(t, doc.Warnings[0], "appearance names "+first.URL)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Timestamp server differs from the appearance" {
			warned = true
			assert.Equal(t, second.URL, e.Data["server"])
		}
	}
	assert.True(t, warned)

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Timestamp)
}

func TestSignPlaceholderResize(t *testing.T) {
	cred := loadCredential(t)
	s, hook := newTestSigner(t, WithPlaceholderSize(64))

	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, NewSignatureRequest("Ada"))
	require.NoError(t, err)

	var resized bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Signature placeholder too small, resizing" {
			resized = true
			assert.Equal(t, 64, e.Data["bytes"])
		}
	}
	assert.True(t, resized)

	results, err := Verify(doc.Content)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
}

func TestSignErrors(t *testing.T) {
	cred := loadCredential(t)
	s, _ := newTestSigner(t)

	negative := NewSignatureRequest("Ada")
	negative.Rect.Width = -1
	missingPage := NewSignatureRequest("Ada")
	missingPage.Page = 3

	tests := []struct {
		name      string
		pdf       []byte
		cred      *keys.SigningCredential
		req       SignatureRequest
		wantStage string
		wantErr   error
	}{
		{"NoCredential", testpki.MinimalPDF(1), nil, NewSignatureRequest("Ada"), StageCredential, ErrNoCredential},
		{"ClearedCredential", testpki.MinimalPDF(1), &keys.SigningCredential{Chain: cred.Chain}, NewSignatureRequest("Ada"), StageCredential, ErrNoCredential},
		{"NotPDF", []byte("hello"), cred, NewSignatureRequest("Ada"), StagePrepare, writer.ErrInvalidPDF},
		{"MissingPage", testpki.MinimalPDF(2), cred, missingPage, StagePrepare, writer.ErrPageNotFound},
		{"NegativeSize", testpki.MinimalPDF(1), cred, negative, StageAppearance, stamp.ErrInvalidSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := s.Sign(context.Background(), tt.pdf, tt.cred, tt.req)
			require.Error(t, err)
			assert.Nil(t, doc)
			assert.ErrorIs(t, err, tt.wantErr)

			var signErr *SigningError
			require.ErrorAs(t, err, &signErr)
			assert.Equal(t, tt.wantStage, signErr.Stage)
		})
	}

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Sign(ctx, testpki.MinimalPDF(1), cred, NewSignatureRequest("Ada"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSignTwice(t *testing.T) {
	cred := loadCredential(t)
	s, _ := newTestSigner(t)

	first, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, NewSignatureRequest("Ada"))
	require.NoError(t, err)
	second, err := s.Sign(context.Background(), first.Content, cred, NewSignatureRequest("Ada"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(second.Content, first.Content))

	results, err := Verify(second.Content)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Signature1", results[0].FieldName)
	assert.Equal(t, "Signature2", results[1].FieldName)
	assert.False(t, results[0].CoversWholeDocument)
	assert.True(t, results[1].CoversWholeDocument)
	for _, res := range results {
		assert.NoError(t, res.Err, res.FieldName)
	}
}

func TestSignDocumentVariants(t *testing.T) {
	cred := loadCredential(t)
	s, _ := newTestSigner(t, WithFieldName("Approval"), WithCreator("Test Suite"), WithCreatorRevision("1.4.0"))

	tests := []struct {
		name string
		pdf  []byte
	}{
		{"XrefStream", testpki.BuildPDF(testpki.PDFOptions{Pages: 1, XrefStream: true})},
		{"IndirectAcroForm", testpki.BuildPDF(testpki.PDFOptions{Pages: 1, AcroForm: true})},
		{"NoTrailingNewline", testpki.BuildPDF(testpki.PDFOptions{Pages: 1, NoTrailingNewline: true})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := s.Sign(context.Background(), tt.pdf, cred, NewSignatureRequest("Ada"))
			require.NoError(t, err)

			field := signatureField(t, doc.Content, 0)
			assert.Equal(t, "Approval", field.Key("T").Text())
			app := field.Key("V").Key("Prop_Build").Key("App")
			assert.Equal(t, "Test Suite", app.Key("Name").Name())
			assert.Equal(t, "1.4.0", app.Key("REx").Text())

			results, err := Verify(doc.Content)
			require.NoError(t, err)
			assert.NoError(t, results[0].Err)
		})
	}
}

func TestVerify(t *testing.T) {
	cred := loadCredential(t)
	s, _ := newTestSigner(t)
	doc, err := s.Sign(context.Background(), testpki.MinimalPDF(1), cred, NewSignatureRequest("Ada"))
	require.NoError(t, err)

	t.Run("Unsigned", func(t *testing.T) {
		_, err := Verify(testpki.MinimalPDF(1))
		assert.ErrorIs(t, err, ErrNoSignatures)
	})

	t.Run("NotPDF", func(t *testing.T) {
		_, err := Verify([]byte("not a pdf"))
		assert.ErrorIs(t, err, writer.ErrInvalidPDF)
	})

	t.Run("Tampered", func(t *testing.T) {
		tampered := bytes.Replace(doc.Content, []byte("(Page 1)"), []byte("(Page 9)"), 1)
		require.NotEqual(t, doc.Content, tampered)

		results, err := Verify(tampered)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.False(t, results[0].Valid())
		assert.Contains(t, results[0].Err.Error(), "signature verification failed")
	})

	t.Run("Appended", func(t *testing.T) {
		appended := append(bytes.Clone(doc.Content), []byte("\r\n\r\n")...)
		results, err := Verify(appended)
		require.NoError(t, err)
		assert.NoError(t, results[0].Err)
		assert.False(t, results[0].CoversWholeDocument)
	})
}

func TestCheckByteRange(t *testing.T) {
	data := []byte("0123<ABCD>89")
	tests := []struct {
		name    string
		br      []int64
		wantErr bool
	}{
		{"Valid", []int64{0, 4, 10, 2}, false},
		{"ThreeEntries", []int64{0, 4, 10}, true},
		{"NotFromStart", []int64{1, 3, 10, 2}, true},
		{"PastEnd", []int64{0, 4, 10, 3}, true},
		{"GapNotString", []int64{0, 3, 10, 2}, true},
		{"Overlap", []int64{0, 4, 4, 8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkByteRange(data, tt.br)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidByteRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckMessageDigest(t *testing.T) {
	cred := loadCredential(t)
	content := []byte("signed bytes")
	sd, err := newSignedData(content, cred)
	require.NoError(t, err)
	der, err := sd.Finish()
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.NoError(t, checkMessageDigest(der, sum[:]))

	other := sha256.Sum256([]byte("other bytes"))
	assert.ErrorIs(t, checkMessageDigest(der, other[:]), ErrDigestFailure)
	assert.ErrorIs(t, checkMessageDigest([]byte{0x30, 0x00}, sum[:]), ErrDigestFailure)

	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	assert.Empty(t, p7.Content, "signature is detached")
}

func TestEstimateSize(t *testing.T) {
	cred := loadCredential(t)
	chain := 0
	for _, c := range cred.Chain {
		chain += len(c.Raw)
	}
	base := EstimateSize(cred, false)
	assert.Equal(t, chain+256+placeholderSlack, base)
	assert.Equal(t, base+timestampAllowance, EstimateSize(cred, true))
}

func TestSigningErrorMessage(t *testing.T) {
	err := stageError(StagePlaceholder, &tooSmallError{need: 10, have: 5})
	assert.True(t, errors.Is(err, ErrPlaceholderTooSmall))
	assert.True(t, strings.HasPrefix(err.Error(), "signing failed at placeholder: "))
}
