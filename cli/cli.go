// Package cli provides the command-line interface for signing PDF documents,
// inspecting keystores and verifying signatures.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/georgepadayatti/firmador/config"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// PassphraseEnv is read when no passphrase flag is given.
const PassphraseEnv = "FIRMADOR_PASSPHRASE"

// app carries state shared by every sub command of one invocation.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *logrus.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "firmador",
		Short: "Sign PDF documents with a PKCS#12 keystore",
		Long: `firmador signs PDF documents with a detached CMS signature appended as an
incremental update, optionally with an RFC 3161 timestamp.

Examples:
  # Sign a document with a visible signature on page 1
  firmador sign -k signer.p12 --name "Jane Doe" contract.pdf -o contract-signed.pdf

  # Sign several documents with a timestamp
  firmador sign -k signer.p12 --timestamp --output-dir signed/ a.pdf b.pdf

  # Show the certificate of a keystore
  firmador inspect -k signer.p12

  # Check the signatures of a document
  firmador verify contract-signed.pdf`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config: info)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json (default from config: text)")

	root.AddCommand(
		newSignCommand(a),
		newInspectCommand(a),
		newVerifyCommand(a),
		newTSACommand(a),
		newVersionCommand(),
	)
	return root
}

// setup loads the configuration, applies flag overrides and configures the
// logger. Logs go to the command's error stream.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	if err := cfg.Log.Apply(logger); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// Execute runs the command tree with args and returns the process exit code.
// Cancelling ctx aborts signing and timestamp requests in flight.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "firmador version %s\n", Version)
			fmt.Fprintf(out, "Build time: %s\n", BuildTime)
			return nil
		},
	}
}

// keystoreOptions are the flags naming a PKCS#12 store and its passphrase.
type keystoreOptions struct {
	path           string
	passphrase     string
	passphraseFile string
}

func (o *keystoreOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.path, "keystore", "k", "", "PKCS#12 keystore (.p12, .pfx)")
	fs.StringVarP(&o.passphrase, "passphrase", "p", "", "keystore passphrase (or set "+PassphraseEnv+")")
	fs.StringVar(&o.passphraseFile, "passphrase-file", "", "file holding the keystore passphrase")
}

// load reads the keystore and resolves the passphrase from the flag, the
// file or the environment, in that order.
func (o *keystoreOptions) load() ([]byte, string, error) {
	if o.path == "" {
		return nil, "", errors.New("a keystore is required (--keystore)")
	}
	data, err := os.ReadFile(o.path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read keystore: %w", err)
	}

	switch {
	case o.passphrase != "":
		return data, o.passphrase, nil
	case o.passphraseFile != "":
		raw, err := os.ReadFile(o.passphraseFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		return data, strings.TrimRight(string(raw), "\r\n"), nil
	default:
		return data, os.Getenv(PassphraseEnv), nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusIcon returns an icon for a pass/fail status.
func statusIcon(ok bool) string {
	if ok {
		return "[OK]"
	}
	return "[FAIL]"
}
