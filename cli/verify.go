package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/firmador/certinfo"
	"github.com/georgepadayatti/firmador/sign/signers"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	JSON bool
}

// VerifyOutput is the verification output of one file.
type VerifyOutput struct {
	File       string          `json:"file"`
	Signatures []*VerifyResult `json:"signatures"`
	Error      string          `json:"error,omitempty"`
}

// VerifyResult is a JSON-serializable verification result for a single signature.
type VerifyResult struct {
	SignatureIndex      int              `json:"signature_index"`
	FieldName           string           `json:"field_name,omitempty"`
	Status              string           `json:"status"`
	SignerName          string           `json:"signer_name,omitempty"`
	SigningTime         string           `json:"signing_time,omitempty"`
	TimestampTime       string           `json:"timestamp_time,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	Location            string           `json:"location,omitempty"`
	ByteRange           []int64          `json:"byte_range"`
	CoversWholeDocument bool             `json:"covers_whole_document"`
	Error               string           `json:"error,omitempty"`
	Certificate         *CertificateInfo `json:"certificate,omitempty"`
}

// CertificateInfo contains certificate information for JSON output.
type CertificateInfo struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	Serial    string `json:"serial"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
	IsExpired bool   `json:"is_expired"`
}

func newVerifyCommand(a *app) *cobra.Command {
	var opts VerifyOptions

	cmd := &cobra.Command{
		Use:   "verify [flags] <input.pdf>...",
		Short: "Verify the digital signature(s) of PDF files",
		Long: `Verify the signatures of PDF files against the certificates they embed.

Integrity of the signed byte ranges and of the CMS signature is checked. The
signer's chain is not validated against a trust store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputs := make([]*VerifyOutput, 0, len(args))
			invalid := 0
			for _, path := range args {
				output := verifyFile(path)
				a.logger.WithFields(logrus.Fields{
					"file":       path,
					"signatures": len(output.Signatures),
				}).Debug("Verified document")
				if output.Error != "" {
					invalid++
				}
				for _, res := range output.Signatures {
					if res.Status != "VALID" {
						invalid++
					}
				}
				outputs = append(outputs, output)
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				if err := writeJSON(out, outputs); err != nil {
					return err
				}
			} else {
				for _, output := range outputs {
					outputText(out, output)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d signature check(s) failed", invalid)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "output results in JSON format")
	return cmd
}

func verifyFile(path string) *VerifyOutput {
	output := &VerifyOutput{File: path, Signatures: []*VerifyResult{}}
	data, err := os.ReadFile(path)
	if err != nil {
		output.Error = fmt.Sprintf("failed to read input file: %v", err)
		return output
	}
	verified, err := signers.Verify(data)
	if err != nil {
		output.Error = err.Error()
		return output
	}

	now := time.Now()
	for i, sig := range verified {
		res := &VerifyResult{
			SignatureIndex:      i + 1,
			FieldName:           sig.FieldName,
			Status:              "VALID",
			SignerName:          sig.Name,
			Reason:              sig.Reason,
			Location:            sig.Location,
			ByteRange:           sig.ByteRange,
			CoversWholeDocument: sig.CoversWholeDocument,
		}
		if !sig.SigningTime.IsZero() {
			res.SigningTime = sig.SigningTime.Format(time.RFC3339)
		}
		if sig.Timestamp != nil {
			res.TimestampTime = sig.Timestamp.UTC().Format(time.RFC3339)
		}
		if sig.Err != nil {
			res.Status = "INVALID"
			res.Error = sig.Err.Error()
		}
		if sig.Signer != nil {
			res.Certificate = &CertificateInfo{
				Subject:   sig.Signer.Subject.String(),
				Issuer:    certinfo.FormatIssuer(sig.Signer.Issuer.String()),
				Serial:    certinfo.SerialNumber(sig.Signer),
				NotBefore: sig.Signer.NotBefore.UTC().Format(time.RFC3339),
				NotAfter:  sig.Signer.NotAfter.UTC().Format(time.RFC3339),
				IsExpired: now.After(sig.Signer.NotAfter),
			}
		}
		output.Signatures = append(output.Signatures, res)
	}
	return output
}

// outputText outputs the results in human-readable text format.
func outputText(out io.Writer, output *VerifyOutput) {
	fmt.Fprintf(out, "%s\n", output.File)
	if output.Error != "" {
		fmt.Fprintf(out, "  %s %s\n\n", statusIcon(false), output.Error)
		return
	}
	fmt.Fprintf(out, "Found %d signature(s)\n\n", len(output.Signatures))

	for _, result := range output.Signatures {
		fmt.Fprintf(out, "Signature #%d\n", result.SignatureIndex)
		fmt.Fprintf(out, "------------\n")
		fmt.Fprintf(out, "  Status: %s %s\n", statusIcon(result.Status == "VALID"), result.Status)
		if result.FieldName != "" {
			fmt.Fprintf(out, "  Field: %s\n", result.FieldName)
		}
		if result.SignerName != "" {
			fmt.Fprintf(out, "  Signer: %s\n", result.SignerName)
		}
		if result.SigningTime != "" {
			fmt.Fprintf(out, "  Signing Time: %s\n", result.SigningTime)
		}
		if result.TimestampTime != "" {
			fmt.Fprintf(out, "  Timestamp: %s\n", result.TimestampTime)
		}
		if result.Reason != "" {
			fmt.Fprintf(out, "  Reason: %s\n", result.Reason)
		}
		if result.Location != "" {
			fmt.Fprintf(out, "  Location: %s\n", result.Location)
		}
		if !result.CoversWholeDocument {
			fmt.Fprintf(out, "  Note: the document was modified after this signature\n")
		}
		if result.Certificate != nil {
			fmt.Fprintf(out, "  Certificate: %s\n", result.Certificate.Subject)
			fmt.Fprintf(out, "    Issuer: %s\n", result.Certificate.Issuer)
			fmt.Fprintf(out, "    Serial: %s\n", result.Certificate.Serial)
			if result.Certificate.IsExpired {
				fmt.Fprintf(out, "    WARNING: Certificate is expired!\n")
			}
		}
		if result.Error != "" {
			fmt.Fprintf(out, "  Error: %s\n", result.Error)
		}
		fmt.Fprintln(out)
	}
}
