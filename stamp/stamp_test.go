package stamp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppearanceLines(t *testing.T) {
	signed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	genTime := time.Date(2024, 3, 9, 12, 5, 8, 0, time.FixedZone("CEST", 2*3600))
	signer := SignerDetails{Name: "Ana Pérez", Location: "San José", Reason: "Approval"}
	base := []string{
		"Signed by: Ana Pérez",
		"Date: 2024-03-09 14:05:07",
		"Location: San José",
		"Reason: Approval",
	}

	tests := []struct {
		name string
		ts   *TimestampLine
		want []string
	}{
		{
			name: "nil timestamp",
			ts:   nil,
			want: append(base, "Timestamp: Not included"),
		},
		{
			name: "disabled ignores server",
			ts:   &TimestampLine{State: TimestampDisabled, ServerName: "DigiCert"},
			want: append(base, "Timestamp: Not included"),
		},
		{
			name: "obtained with time",
			ts:   &TimestampLine{State: TimestampObtained, GenTime: &genTime, ServerName: "FreeTSA"},
			want: append(base, "Timestamp: 2024-03-09 10:05:08 UTC", "TSA Server: FreeTSA"),
		},
		{
			name: "obtained without time",
			ts:   &TimestampLine{State: TimestampObtained, ServerName: "Apple"},
			want: append(base, "Timestamp: Timestamp included (date not available)", "TSA Server: Apple"),
		},
		{
			name: "unavailable",
			ts:   &TimestampLine{State: TimestampUnavailable, ServerName: "DigiCert"},
			want: append(base, "Timestamp: Requested but not available", "TSA Server: DigiCert"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AppearanceLines(signer, signed, tt.ts))
		})
	}
}

func TestAppearanceTextDisabledNeverNamesServer(t *testing.T) {
	text := AppearanceText(SignerDetails{Name: "A"}, time.Now(), &TimestampLine{ServerName: "DigiCert"})
	assert.True(t, strings.HasSuffix(text, "Timestamp: Not included"))
	assert.NotContains(t, text, "TSA Server")
	assert.NotContains(t, text, "DigiCert")
}

func TestAppearanceLinesOptionalFields(t *testing.T) {
	signed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	lines := AppearanceLines(SignerDetails{Name: "B", ID: "1-2345-6789", Email: "b@example.com"}, signed, nil)
	assert.Equal(t, []string{
		"Signed by: B",
		"ID: 1-2345-6789",
		"Email: b@example.com",
		"Date: 2024-01-02 03:04:05",
		"Location: ",
		"Reason: ",
		"Timestamp: Not included",
	}, lines)
}

func TestTimestampStateString(t *testing.T) {
	assert.Equal(t, "disabled", TimestampDisabled.String())
	assert.Equal(t, "obtained", TimestampObtained.String())
	assert.Equal(t, "unavailable", TimestampUnavailable.String())
	assert.Equal(t, "unknown", TimestampState(9).String())
}
