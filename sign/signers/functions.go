// Package signers signs PDF documents with a detached CMS signature appended
// as an incremental update, and verifies such signatures.
package signers

import (
	"errors"
	"fmt"

	"github.com/georgepadayatti/firmador/pdf/generic"
)

// Common errors
var (
	ErrNoCredential        = errors.New("signing credential has no key or certificate")
	ErrDigestFailure       = errors.New("signed digest does not match the document byte ranges")
	ErrPlaceholderTooSmall = errors.New("signature placeholder too small")
	ErrNoSignatures        = errors.New("document contains no signatures")
	ErrInvalidByteRange    = errors.New("invalid /ByteRange")
)

// Signing stages reported by SigningError.
const (
	StageCredential  = "credential"
	StagePrepare     = "prepare"
	StageAppearance  = "appearance"
	StageWrite       = "write"
	StageDigest      = "digest"
	StageCMS         = "cms"
	StagePlaceholder = "placeholder"
)

// SigningError is a fatal signing failure. Err is ErrDigestFailure,
// ErrPlaceholderTooSmall or the underlying cause.
type SigningError struct {
	Stage string
	Err   error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed at %s: %v", e.Stage, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

func stageError(stage string, err error) error {
	return &SigningError{Stage: stage, Err: err}
}

// Default widget placement in points.
const (
	DefaultX      = 100
	DefaultY      = 100
	DefaultWidth  = 150
	DefaultHeight = 50
)

// Placement is the widget rectangle in PDF user space. A zero width or
// height gives an invisible signature.
type Placement struct {
	X, Y, Width, Height float64
}

// Rectangle converts the placement to a PDF rectangle.
func (p Placement) Rectangle() generic.Rectangle {
	return generic.NewRectangleXYWH(p.X, p.Y, p.Width, p.Height)
}

// SignatureRequest describes one signature.
type SignatureRequest struct {
	SignerName string
	ID         string
	Email      string
	Location   string
	Reason     string
	// Page is 1-based. Zero means the first page.
	Page int
	// Rect is not checked against the page box.
	Rect            Placement
	EnableTimestamp bool
	// TimestampURL is the preferred TSA; empty uses the default server.
	TimestampURL string
}

// NewSignatureRequest returns a request on page 1 at the default placement.
func NewSignatureRequest(signerName string) SignatureRequest {
	return SignatureRequest{
		SignerName: signerName,
		Page:       1,
		Rect:       Placement{X: DefaultX, Y: DefaultY, Width: DefaultWidth, Height: DefaultHeight},
	}
}
