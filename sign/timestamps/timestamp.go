// Package timestamps obtains RFC 3161 timestamp tokens from public time-stamp
// authorities, falling back across servers and retrying failed attempts.
package timestamps

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// OIDs for timestamp structures
var (
	OIDSignatureTimeStamp = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	OIDSHA256             = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// Common errors
var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
	ErrInvalidDigest     = errors.New("digest must be a SHA-256 value")
	ErrAllServersFailed  = errors.New("all timestamp servers failed")
)

// PKI status values that carry a token.
const (
	statusGranted         = 0
	statusGrantedWithMods = 1
)

// AlgorithmIdentifier represents an algorithm with parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint represents the hash of the data to timestamp.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampResp represents a timestamp response (RFC 3161).
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo represents the status of a PKI operation.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TSTInfo represents the timestamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy represents timestamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension represents an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// CreateRequest builds a DER-encoded TimeStampReq for a SHA-256 digest with
// a random 64-bit nonce and certReq set.
func CreateRequest(digest []byte) ([]byte, error) {
	if len(digest) != crypto.SHA256.Size() {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidDigest, len(digest))
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	req := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	return req.Marshal()
}

// ParseResponse checks a TimeStampResp and returns its token. The token must
// cover digest when its content can be read. A token whose TSTInfo cannot be
// decoded is still returned.
func ParseResponse(respData, digest []byte) ([]byte, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}

	if s := resp.Status.Status; s != statusGranted && s != statusGrantedWithMods {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, s, resp.Status.StatusString)
	}
	token := resp.TimeStampToken.FullBytes
	if len(token) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrInvalidTimestamp)
	}

	if imprint, ok := tokenImprint(token); ok && !bytes.Equal(imprint, digest) {
		return nil, ErrTimestampMismatch
	}
	return token, nil
}

// tokenImprint returns the hashed message of a token, preferring a fully
// verified parse and falling back to decoding the TSTInfo alone.
func tokenImprint(token []byte) ([]byte, bool) {
	if ts, err := timestamp.Parse(token); err == nil {
		return ts.HashedMessage, true
	}
	if info, err := ExtractTSTInfo(token); err == nil {
		return info.MessageImprint.HashedMessage, true
	}
	return nil, false
}

// ExtractTSTInfo extracts the TSTInfo from a timestamp token without
// checking its signature.
func ExtractTSTInfo(tokenData []byte) (*TSTInfo, error) {
	p7, err := pkcs7.Parse(tokenData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("%w: token has no content", ErrInvalidTimestamp)
	}

	var tstInfo TSTInfo
	if _, err := asn1.Unmarshal(p7.Content, &tstInfo); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidTimestamp, err)
	}
	if len(tstInfo.MessageImprint.HashedMessage) == 0 {
		return nil, fmt.Errorf("%w: TSTInfo has no message imprint", ErrInvalidTimestamp)
	}
	return &tstInfo, nil
}

// GenTime returns the generation time of a token in UTC. The token's
// signature is verified against the certificates it embeds.
func GenTime(token []byte) (time.Time, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return ts.Time.UTC(), nil
}
