// Package config loads the YAML configuration of the signing tool.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/firmador/keys"
	"github.com/georgepadayatti/firmador/sign/signers"
	"github.com/georgepadayatti/firmador/sign/timestamps"
	"github.com/georgepadayatti/firmador/stamp"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrUnexpectedField    = errors.New("unexpected field in configuration")
	ErrInvalidValue       = errors.New("invalid value")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrInvalidValue}
}

// TimestampConfig configures the TSA client.
type TimestampConfig struct {
	// DefaultURL is preferred when a request names no TSA.
	DefaultURL string `yaml:"default-url" json:"default_url"`

	// Servers is the fallback list tried after the preferred URL.
	Servers []string `yaml:"servers" json:"servers"`

	// Attempts per server.
	Attempts int `yaml:"attempts" json:"attempts"`

	RetryDelay     time.Duration `yaml:"retry-delay" json:"retry_delay"`
	AttemptTimeout time.Duration `yaml:"attempt-timeout" json:"attempt_timeout"`
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if err := checkURL("timestamp.default-url", c.DefaultURL); err != nil {
		return err
	}
	for i, server := range c.Servers {
		if err := checkURL(fmt.Sprintf("timestamp.servers[%d]", i), server); err != nil {
			return err
		}
	}
	if c.Attempts < 1 {
		return NewConfigError("timestamp.attempts", "must be at least 1")
	}
	if c.RetryDelay < 0 {
		return NewConfigError("timestamp.retry-delay", "must not be negative")
	}
	if c.AttemptTimeout <= 0 {
		return NewConfigError("timestamp.attempt-timeout", "must be positive")
	}
	return nil
}

// ClientOptions returns the timestamps.Client options for this section.
func (c *TimestampConfig) ClientOptions(logger logrus.FieldLogger) []timestamps.Option {
	return []timestamps.Option{
		timestamps.WithServers(c.Servers...),
		timestamps.WithAttempts(c.Attempts),
		timestamps.WithRetryDelay(c.RetryDelay),
		timestamps.WithAttemptTimeout(c.AttemptTimeout),
		timestamps.WithLogger(logger),
	}
}

func checkURL(field, raw string) error {
	if raw == "" {
		return NewConfigError(field, "required field is missing")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Field: field, Message: err.Error(), Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return NewConfigError(field, fmt.Sprintf("'%s' is not an http(s) URL", raw))
	}
	return nil
}

// SignatureConfig configures the signature dictionary and appearance.
type SignatureConfig struct {
	// FieldName is the base name of new signature fields.
	FieldName string `yaml:"field-name" json:"field_name"`

	// Creator is the application name written to /Prop_Build.
	Creator string `yaml:"creator" json:"creator"`

	// PlaceholderSize fixes the /Contents reservation in bytes. Zero
	// estimates it per credential.
	PlaceholderSize int `yaml:"placeholder-size" json:"placeholder_size"`

	// FontSize caps the appearance font size. Zero keeps the default.
	FontSize float64 `yaml:"font-size" json:"font_size"`

	// FilenamePattern names signed output. It must hold one %d verb, which
	// receives the completion time in Unix milliseconds.
	FilenamePattern string `yaml:"filename-pattern" json:"filename_pattern"`

	// ExtraCerts are PEM or DER files appended to every loaded chain.
	ExtraCerts []string `yaml:"extra-certs" json:"extra_certs,omitempty"`
}

// Validate validates the signature configuration.
func (c *SignatureConfig) Validate() error {
	if c.FieldName == "" {
		return NewConfigError("signature.field-name", "required field is missing")
	}
	if strings.Contains(c.FieldName, ".") {
		return NewConfigError("signature.field-name", "must not contain '.'")
	}
	if c.Creator == "" {
		return NewConfigError("signature.creator", "required field is missing")
	}
	if c.PlaceholderSize < 0 {
		return NewConfigError("signature.placeholder-size", "must not be negative")
	}
	if c.FontSize < 0 {
		return NewConfigError("signature.font-size", "must not be negative")
	}
	if strings.Count(c.FilenamePattern, "%") != 1 || !strings.Contains(c.FilenamePattern, "%d") {
		return NewConfigError("signature.filename-pattern", "must contain exactly one %d verb")
	}
	return nil
}

// Style returns the appearance style for this section.
func (c *SignatureConfig) Style() *stamp.Style {
	style := stamp.DefaultStyle()
	if c.FontSize > 0 {
		style.MaxFontSize = c.FontSize
		style.MinFontSize = min(style.MinFontSize, c.FontSize)
	}
	return style
}

// LoadExtraCerts reads the configured extra chain certificates.
func (c *SignatureConfig) LoadExtraCerts() ([]*x509.Certificate, error) {
	if len(c.ExtraCerts) == 0 {
		return nil, nil
	}
	certs, err := keys.LoadCertsFromPemDerFiles(c.ExtraCerts)
	if err != nil {
		return nil, fmt.Errorf("failed to load extra certs: %w", err)
	}
	return certs, nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is a logrus level name (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error(), Err: ErrInvalidValue}
	}
	if c.Format != "text" && c.Format != "json" {
		return NewConfigError("log.format", fmt.Sprintf("'%s' is not one of text, json", c.Format))
	}
	return nil
}

// Apply configures logger.
func (c *LoggingConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return &ConfigError{Field: "log.level", Message: err.Error(), Err: ErrInvalidValue}
	}
	logger.SetLevel(level)
	switch c.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return NewConfigError("log.format", fmt.Sprintf("'%s' is not one of text, json", c.Format))
	}
	return nil
}

// Config is the complete application configuration.
type Config struct {
	Timestamp TimestampConfig `yaml:"timestamp" json:"timestamp"`
	Signature SignatureConfig `yaml:"signature" json:"signature"`

	// Workers bounds concurrent signing in batch mode.
	Workers int `yaml:"workers" json:"workers"`

	Log LoggingConfig `yaml:"log" json:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timestamp: TimestampConfig{
			DefaultURL:     timestamps.DefaultServerURL,
			Servers:        append([]string(nil), timestamps.DefaultServers...),
			Attempts:       timestamps.DefaultAttempts,
			RetryDelay:     timestamps.DefaultRetryDelay,
			AttemptTimeout: timestamps.DefaultAttemptTimeout,
		},
		Signature: SignatureConfig{
			FieldName:       signers.DefaultFieldName,
			Creator:         signers.DefaultCreator,
			FilenamePattern: signers.DefaultFilenamePattern,
		},
		Workers: signers.DefaultWorkers,
		Log: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Timestamp.Validate(); err != nil {
		return err
	}
	if err := c.Signature.Validate(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return NewConfigError("workers", "must be at least 1")
	}
	return c.Log.Validate()
}

// SignerOptions returns the DocumentSigner options for this configuration,
// including a TSA client built from the timestamp section.
func (c *Config) SignerOptions(logger logrus.FieldLogger) []signers.Option {
	return []signers.Option{
		signers.WithLogger(logger),
		signers.WithTimestamper(timestamps.NewClient(c.Timestamp.ClientOptions(logger)...)),
		signers.WithFieldName(c.Signature.FieldName),
		signers.WithCreator(c.Signature.Creator),
		signers.WithPlaceholderSize(c.Signature.PlaceholderSize),
		signers.WithFilenamePattern(c.Signature.FilenamePattern),
		signers.WithStyle(c.Signature.Style()),
	}
}

// Load reads a configuration file. Missing keys keep their defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration on top of Default. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, &ConfigError{Message: err.Error(), Err: ErrUnexpectedField}
		}
		return nil, &ConfigError{Message: fmt.Sprintf("failed to parse config: %v", err), Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
