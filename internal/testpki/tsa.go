package testpki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
)

var (
	oidExtKeyUsage   = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidTimeStamping  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	testTSAPolicyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}
)

// TSA is an RFC 3161 timestamp authority served over httptest.
type TSA struct {
	*httptest.Server

	Identity *Identity
	// Hits counts requests received, including rejected ones.
	Hits atomic.Int32
	// FixedTime, when set, is used as the token generation time.
	FixedTime atomic.Pointer[time.Time]
	// Fail makes the server answer with this HTTP status instead of a token.
	Fail atomic.Int32
	// FailFirst makes the first n requests fail with HTTP 503.
	FailFirst atomic.Int32
	// WrongImprint makes tokens cover a different digest.
	WrongImprint atomic.Bool
}

// NewTSA starts a timestamp authority. It is closed with the test.
func NewTSA(tb testing.TB) *TSA {
	tb.Helper()
	ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{oidTimeStamping})
	if err != nil {
		tb.Fatalf("Failed to encode EKU: %v", err)
	}
	ca := NewCA(tb, "Firmador Test TSA Root")
	id := ca.Issue(tb, Options{
		CommonName:   "Firmador Test TSA",
		Organization: "Firmador Test",
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtKeyUsage, Critical: true, Value: ekuValue},
		},
	})

	tsa := &TSA{Identity: id}
	tsa.Server = httptest.NewServer(http.HandlerFunc(tsa.serve))
	tb.Cleanup(tsa.Close)
	return tsa
}

func (t *TSA) serve(w http.ResponseWriter, r *http.Request) {
	n := t.Hits.Add(1)
	if status := t.Fail.Load(); status != 0 {
		http.Error(w, http.StatusText(int(status)), int(status))
		return
	}
	if n <= t.FailFirst.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := timestamp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	genTime := time.Now()
	if fixed := t.FixedTime.Load(); fixed != nil {
		genTime = *fixed
	}
	hashed := req.HashedMessage
	if t.WrongImprint.Load() {
		hashed = make([]byte, len(req.HashedMessage))
	}
	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     hashed,
		Time:              genTime,
		Nonce:             req.Nonce,
		Policy:            testTSAPolicyOID,
		SerialNumber:      big.NewInt(int64(n)),
		AddTSACertificate: true,
	}
	resp, err := ts.CreateResponse(t.Identity.Cert, t.Identity.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(resp)
}

// NewFailingServer answers every request with status.
func NewFailingServer(tb testing.TB, status int) *httptest.Server {
	tb.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(status), status)
	}))
	tb.Cleanup(srv.Close)
	return srv
}
