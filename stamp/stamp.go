// Package stamp builds the visible appearance of a signature widget.
package stamp

import (
	"fmt"
	"strings"
	"time"
)

// Layouts used in the appearance text.
const (
	DateLayout      = "2006-01-02 15:04:05"
	TimestampLayout = "2006-01-02 15:04:05 UTC"
)

// SignerDetails is the signer information shown in the appearance.
type SignerDetails struct {
	Name     string
	ID       string
	Email    string
	Location string
	Reason   string
}

// TimestampState tells which timestamp line the appearance carries.
type TimestampState int

const (
	// TimestampDisabled means no timestamp was requested.
	TimestampDisabled TimestampState = iota
	// TimestampObtained means a TSA returned a token.
	TimestampObtained
	// TimestampUnavailable means a timestamp was requested but every TSA failed.
	TimestampUnavailable
)

// String returns the state name.
func (s TimestampState) String() string {
	switch s {
	case TimestampDisabled:
		return "disabled"
	case TimestampObtained:
		return "obtained"
	case TimestampUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// TimestampLine carries what the appearance shows about the timestamp.
type TimestampLine struct {
	State TimestampState
	// GenTime is the token generation time. Nil when the token could not
	// be parsed.
	GenTime *time.Time
	// ServerName is the display name of the TSA that answered, or of the
	// preferred TSA when none did.
	ServerName string
}

// AppearanceLines returns the text lines of the signature appearance. A nil
// timestamp is treated as disabled. signingTime is printed in its own
// location.
func AppearanceLines(signer SignerDetails, signingTime time.Time, ts *TimestampLine) []string {
	lines := []string{"Signed by: " + signer.Name}
	if signer.ID != "" {
		lines = append(lines, "ID: "+signer.ID)
	}
	if signer.Email != "" {
		lines = append(lines, "Email: "+signer.Email)
	}
	lines = append(lines,
		"Date: "+signingTime.Format(DateLayout),
		"Location: "+signer.Location,
		"Reason: "+signer.Reason,
	)

	if ts == nil || ts.State == TimestampDisabled {
		return append(lines, "Timestamp: Not included")
	}

	switch {
	case ts.State == TimestampUnavailable:
		lines = append(lines, "Timestamp: Requested but not available")
	case ts.GenTime != nil:
		lines = append(lines, "Timestamp: "+ts.GenTime.UTC().Format(TimestampLayout))
	default:
		lines = append(lines, "Timestamp: Timestamp included (date not available)")
	}
	return append(lines, fmt.Sprintf("TSA Server: %s", ts.ServerName))
}

// AppearanceText joins AppearanceLines with newlines.
func AppearanceText(signer SignerDetails, signingTime time.Time, ts *TimestampLine) string {
	return strings.Join(AppearanceLines(signer, signingTime, ts), "\n")
}
