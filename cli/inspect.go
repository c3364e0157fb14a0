package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/firmador/certinfo"
	"github.com/georgepadayatti/firmador/sign"
)

// InspectOptions contains options for the inspect command.
type InspectOptions struct {
	keystoreOptions

	JSON  bool
	Chain bool
}

func newInspectCommand(a *app) *cobra.Command {
	var opts InspectOptions

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the certificate of a PKCS#12 keystore",
		Long: `Show the signing certificate of a PKCS#12 keystore.

The validity status only checks the certificate's validity period. The chain of
trust and revocation status are not evaluated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, passphrase, err := opts.load()
			if err != nil {
				return err
			}
			svc := sign.NewService(sign.WithLogger(a.logger))
			chain, err := svc.ExtractChainInfo(store, passphrase)
			if err != nil {
				return err
			}
			if !opts.Chain {
				chain = chain[:1]
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				if opts.Chain {
					return writeJSON(out, chain)
				}
				return writeJSON(out, chain[0])
			}
			now := time.Now()
			for i, meta := range chain {
				if i > 0 {
					fmt.Fprintln(out)
				}
				printCertificate(out, meta, now)
			}
			return nil
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "output in JSON format")
	cmd.Flags().BoolVar(&opts.Chain, "chain", false, "show every certificate in the chain")
	return cmd
}

func printCertificate(out io.Writer, meta *certinfo.CertificateMetadata, now time.Time) {
	fmt.Fprintf(out, "Certificate: %s\n", meta.CommonName)
	fmt.Fprintf(out, "  Subject: %s\n", meta.Subject)
	fmt.Fprintf(out, "  Issuer: %s\n", meta.IssuerDisplay)
	fmt.Fprintf(out, "  Serial: %s\n", meta.SerialNumber)
	fmt.Fprintf(out, "  Version: %s\n", meta.Version)
	fmt.Fprintf(out, "  Signature Algorithm: %s\n", meta.SignatureAlgorithm)
	if meta.KeySize > 0 {
		fmt.Fprintf(out, "  Public Key: %s %d bits\n", meta.PublicKeyAlgorithm, meta.KeySize)
	} else {
		fmt.Fprintf(out, "  Public Key: %s\n", meta.PublicKeyAlgorithm)
	}
	fmt.Fprintf(out, "  Valid: %s to %s\n",
		meta.ValidFrom.UTC().Format(time.RFC3339), meta.ValidTo.UTC().Format(time.RFC3339))
	if meta.Trusted {
		fmt.Fprintf(out, "  Status: %s within validity period (%d days left)\n",
			statusIcon(true), meta.DaysUntilExpiry(now))
	} else {
		fmt.Fprintf(out, "  Status: %s outside validity period\n", statusIcon(false))
	}
	if len(meta.Usages) > 0 {
		fmt.Fprintf(out, "  Key Usage: %s\n", strings.Join(meta.Usages, ", "))
	}
	fmt.Fprintf(out, "  Thumbprint (SHA-1): %s\n", meta.Thumbprint)
	if meta.IsCA {
		fmt.Fprintln(out, "  CA: yes")
	}
	if meta.SelfSigned {
		fmt.Fprintln(out, "  Self-signed: yes")
	}
	for _, err := range meta.ParseErrors {
		fmt.Fprintf(out, "  Warning: %v\n", err)
	}
}
