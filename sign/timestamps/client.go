package timestamps

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Well-known public TSAs, in fallback order.
var DefaultServers = []string{
	"https://freetsa.org/tsr",
	"http://timestamp.digicert.com",
	"http://timestamp.apple.com/ts01",
	"http://timestamp.sectigo.com",
	"http://timestamp.entrust.net/TSS/RFC3161sha2TS",
}

// DefaultServerURL is used when a request names no TSA.
const DefaultServerURL = "http://timestamp.digicert.com"

const (
	DefaultAttempts       = 2
	DefaultRetryDelay     = time.Second
	DefaultAttemptTimeout = 10 * time.Second

	maxResponseSize = 1 << 20
)

// UserAgent is sent with every request.
var UserAgent = "firmador"

// Result is a token obtained from a TSA.
type Result struct {
	Token []byte
	// GenTime is the token's generation time in UTC, nil when the token
	// could not be parsed.
	GenTime    *time.Time
	Server     string
	ServerName string
}

// Client requests timestamp tokens. The zero value is not usable; create
// clients with NewClient.
type Client struct {
	httpClient     *http.Client
	servers        []string
	attempts       int
	retryDelay     time.Duration
	attemptTimeout time.Duration
	logger         logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithServers replaces the fallback list.
func WithServers(servers ...string) Option {
	return func(c *Client) { c.servers = append([]string(nil), servers...) }
}

// WithAttempts sets the attempts per server. Values below one mean one.
func WithAttempts(n int) Option {
	return func(c *Client) { c.attempts = max(n, 1) }
}

// WithRetryDelay sets the pause between attempts against the same server.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithAttemptTimeout bounds each single request.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.attemptTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client with the well-known servers as fallback.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:     &http.Client{},
		servers:        DefaultServers,
		attempts:       DefaultAttempts,
		retryDelay:     DefaultRetryDelay,
		attemptTimeout: DefaultAttemptTimeout,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Candidates returns preferred followed by the fallback servers, without
// duplicates and in order. A blank preferred URL is skipped.
func (c *Client) Candidates(preferred string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range append([]string{preferred}, c.servers...) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// RequestToken performs a single request against url for a SHA-256 digest.
// Failures are returned as *TimestampError.
func (c *Client) RequestToken(ctx context.Context, url string, digest []byte) ([]byte, error) {
	fail := func(err error) error {
		return &TimestampError{Server: url, Cause: Classify(err), Err: err}
	}

	body, err := CreateRequest(digest)
	if err != nil {
		return nil, fail(err)
	}

	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fail(err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	req.Header.Set("Accept", "application/timestamp-reply")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, fail(&HTTPStatusError{StatusCode: resp.StatusCode})
	}

	respData, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fail(err)
	}
	token, err := ParseResponse(respData, digest)
	if err != nil {
		return nil, fail(err)
	}
	return token, nil
}

// RequestWithFallback tries every candidate server in order, each up to the
// configured number of attempts, and returns the first token obtained.
// When all fail the error wraps ErrAllServersFailed and every attempt's
// *TimestampError. Cancelling ctx stops the search.
func (c *Client) RequestWithFallback(ctx context.Context, preferred string, digest []byte) (*Result, error) {
	var failures *multierror.Error
	candidates := c.Candidates(preferred)

	for _, server := range candidates {
		log := c.logger.WithField("server", server)
		for attempt := 1; attempt <= c.attempts; attempt++ {
			token, err := c.RequestToken(ctx, server, digest)
			if err == nil {
				log.WithField("attempt", attempt).Info("Obtained timestamp token")
				return c.result(server, token), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			failures = multierror.Append(failures, err)
			cause := Classify(err)
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"cause":   cause.String(),
			}).WithError(err).Warn("Timestamp attempt failed")

			if !cause.Retryable() || attempt == c.attempts {
				break
			}
			if err := sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}
	}

	c.logger.WithField("servers", len(candidates)).Error("All timestamp servers failed")
	if failures == nil {
		return nil, fmt.Errorf("%w: no servers configured", ErrAllServersFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllServersFailed, failures)
}

// Probe requests a token for a random digest with a single attempt.
func (c *Client) Probe(ctx context.Context, url string) (*Result, error) {
	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	token, err := c.RequestToken(ctx, url, digest[:])
	if err != nil {
		return nil, err
	}
	return c.result(url, token), nil
}

func (c *Client) result(server string, token []byte) *Result {
	res := &Result{Token: token, Server: server, ServerName: DisplayName(server)}
	genTime, err := GenTime(token)
	if err != nil {
		c.logger.WithField("server", server).WithError(err).Warn("Timestamp token time not available")
		return res
	}
	res.GenTime = &genTime
	return res
}

// DisplayName returns a short name for a TSA URL.
func DisplayName(url string) string {
	switch {
	case strings.Contains(url, "freetsa.org"):
		return "FreeTSA"
	case strings.Contains(url, "digicert.com"):
		return "DigiCert"
	case strings.Contains(url, "apple.com"):
		return "Apple"
	case strings.Contains(url, "sectigo.com"):
		return "Sectigo"
	case strings.Contains(url, "entrust.net"):
		return "Entrust"
	default:
		return "Custom TSA"
	}
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
