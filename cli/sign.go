package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/georgepadayatti/firmador/keys"
	"github.com/georgepadayatti/firmador/sign"
	"github.com/georgepadayatti/firmador/sign/signers"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	keystoreOptions

	Output    string
	OutputDir string
	Chain     []string
	Workers   int

	Name      string
	ID        string
	Email     string
	Location  string
	Reason    string
	Page      int
	X, Y      float64
	Width     float64
	Height    float64
	Invisible bool

	Timestamp bool
	TSA       string
}

func (o *SignOptions) addFlags(fs *pflag.FlagSet) {
	o.keystoreOptions.addFlags(fs)
	fs.StringVarP(&o.Output, "output", "o", "", "output file (single input only)")
	fs.StringVar(&o.OutputDir, "output-dir", ".", "directory for signed files")
	fs.StringSliceVar(&o.Chain, "chain", nil, "extra chain certificates (PEM or DER), repeatable")
	fs.IntVar(&o.Workers, "workers", 0, "concurrent signing workers (default from config)")

	fs.StringVar(&o.Name, "name", "", "signer name (default: certificate common name)")
	fs.StringVar(&o.ID, "id", "", "signer identification number")
	fs.StringVar(&o.Email, "email", "", "signer email")
	fs.StringVar(&o.Location, "location", "", "signing location")
	fs.StringVar(&o.Reason, "reason", "", "reason for signing")
	fs.IntVar(&o.Page, "page", 1, "page for the signature widget, 1-based")
	fs.Float64Var(&o.X, "x", signers.DefaultX, "widget lower-left x in points")
	fs.Float64Var(&o.Y, "y", signers.DefaultY, "widget lower-left y in points")
	fs.Float64Var(&o.Width, "width", signers.DefaultWidth, "widget width in points")
	fs.Float64Var(&o.Height, "height", signers.DefaultHeight, "widget height in points")
	fs.BoolVar(&o.Invisible, "invisible", false, "sign without a visible widget")

	fs.BoolVar(&o.Timestamp, "timestamp", false, "embed an RFC 3161 timestamp")
	fs.StringVar(&o.TSA, "tsa", "", "preferred timestamp server (default from config)")
}

// request builds the signature request shared by all inputs.
func (o *SignOptions) request(defaultTSA string) signers.SignatureRequest {
	req := signers.NewSignatureRequest(o.Name)
	req.ID = o.ID
	req.Email = o.Email
	req.Location = o.Location
	req.Reason = o.Reason
	req.Page = o.Page
	req.Rect = signers.Placement{X: o.X, Y: o.Y, Width: o.Width, Height: o.Height}
	if o.Invisible {
		req.Rect.Width, req.Rect.Height = 0, 0
	}
	req.EnableTimestamp = o.Timestamp
	req.TimestampURL = o.TSA
	if req.TimestampURL == "" {
		req.TimestampURL = defaultTSA
	}
	return req
}

func newSignCommand(a *app) *cobra.Command {
	var opts SignOptions

	cmd := &cobra.Command{
		Use:   "sign [flags] <input.pdf>...",
		Short: "Sign one or more PDF files",
		Long: `Sign PDF files with the key and certificate chain of a PKCS#12 keystore.

Every input gets the same signature request. With a single input, --output names
the signed file; otherwise signed files are written to --output-dir.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, a, &opts, args)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func runSign(cmd *cobra.Command, a *app, opts *SignOptions, inputs []string) error {
	if opts.Output != "" && len(inputs) > 1 {
		return errors.New("--output needs exactly one input; use --output-dir")
	}
	if opts.Page < 1 {
		return fmt.Errorf("invalid page %d", opts.Page)
	}

	store, passphrase, err := opts.load()
	if err != nil {
		return err
	}

	extraFiles := append(append([]string(nil), a.cfg.Signature.ExtraCerts...), opts.Chain...)
	extra, err := keys.LoadCertsFromPemDerFiles(extraFiles)
	if err != nil {
		return err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = a.cfg.Workers
	}

	svc := sign.NewService(
		sign.WithLogger(a.logger),
		sign.WithSigner(signers.NewDocumentSigner(append(a.cfg.SignerOptions(a.logger), signers.WithCreatorRevision(Version))...)),
		sign.WithExtraCerts(extra...),
		sign.WithWorkers(workers),
	)

	req := opts.request(a.cfg.Timestamp.DefaultURL)
	jobs := make([]signers.Job, 0, len(inputs))
	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		jobs = append(jobs, signers.Job{Name: input, PDF: data, Request: req})
	}

	results, err := svc.SignBatch(cmd.Context(), store, passphrase, jobs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", statusIcon(false), res.Name, res.Err)
			continue
		}
		path := outputPath(opts, res, len(inputs))
		if err := os.WriteFile(path, res.Document.Content, 0o644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(out, "%s %s -> %s (%d bytes, id %s)\n",
			statusIcon(true), res.Name, path, res.Document.Size, res.Document.ID)
		if res.Document.Timestamp != nil {
			fmt.Fprintf(out, "    Timestamp: %s\n", res.Document.Timestamp.ServerName)
		}
		for _, w := range res.Document.Warnings {
			fmt.Fprintf(out, "    Warning: %s\n", w)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}

// outputPath picks the destination of a signed document. A single input
// without --output keeps the generated file name; batches derive the name
// from the input so that outputs cannot collide.
func outputPath(opts *SignOptions, res signers.JobResult, inputs int) string {
	if opts.Output != "" {
		return opts.Output
	}
	if inputs == 1 {
		return filepath.Join(opts.OutputDir, res.Document.Filename)
	}
	base := strings.TrimSuffix(filepath.Base(res.Name), filepath.Ext(res.Name))
	return filepath.Join(opts.OutputDir, base+"_signed.pdf")
}
