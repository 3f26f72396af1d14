// Package httpclient is the small HTTP client shared by every component
// that talks to an OCI auth-adjacent peer (IMDS, the x509 federation
// endpoint, OKE's workload-identity endpoint, the on-prem kvstore login
// service): POST/GET with a per-request timeout and a fixed-delay retry
// on transport error or a 500/503 response.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

// DefaultRetryDelay is the fixed delay between retries.
const DefaultRetryDelay = 1 * time.Second

// Client wraps http.Client with the retry policy and caller-supplied TLS
// trust configuration the authorization subsystem needs.
type Client struct {
	http        *http.Client
	retryDelay  time.Duration
	exponential bool
	maxTries    uint
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout, which also bounds the total
// time spent across retries.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRetryDelay overrides the fixed retry delay, mostly for tests.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithExponentialBackoff switches the client from the baseline
// fixed-delay retry policy to an exponential one starting at the
// configured retry delay, capped at maxTries attempts. The x509
// federation exchange uses this.
func WithExponentialBackoff(maxTries uint) Option {
	return func(c *Client) {
		c.exponential = true
		c.maxTries = maxTries
	}
}

// WithTLSConfig installs a caller-supplied trust store, or disables
// server-identity verification for internal endpoints (e.g. the OKE
// workload-identity endpoint, whose CA is the cluster's own bundle).
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		transport := cloneDefaultTransport()
		transport.TLSClientConfig = cfg
		c.http.Transport = transport
	}
}

func cloneDefaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	t.ForceAttemptHTTP2 = true
	t.MaxIdleConns = 100
	t.IdleConnTimeout = 90 * time.Second
	t.TLSHandshakeTimeout = 10 * time.Second
	t.ExpectContinueTimeout = 3 * time.Second
	return t
}

// CloseIdleConnections releases any persistent connections the
// underlying transport is holding open, called by every facade's
// Close.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// New creates a Client with a 120s default timeout.
func New(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 120 * time.Second, Transport: cloneDefaultTransport()},
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// backOff builds the retry policy this Client was configured with: a
// fixed delay by default, or an exponential one starting at retryDelay
// when WithExponentialBackoff was applied.
func (c *Client) backOff() backoff.BackOff {
	if !c.exponential {
		return &backoff.ConstantBackOff{Interval: c.retryDelay}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	return eb
}

// Response is the fully-drained body plus status of a completed call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do sends req, retrying on transport error or a retryable 5xx status
// (500/503) until ctx is done or the client's timeout elapses. Any
// other error status is returned immediately without retry.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	op := func() (*Response, error) {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, authfail.Wrap(authfail.NetworkError, err, "failed to rewind request body for %s", req.URL)
			}
			attempt.Body = body
		}
		resp, err := c.http.Do(attempt)
		if err != nil {
			return nil, authfail.Wrap(authfail.NetworkError, err, "request to %s failed", req.URL)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, authfail.Wrap(authfail.NetworkError, err, "failed to read response body from %s", req.URL)
		}

		if resp.StatusCode == http.StatusInternalServerError || resp.StatusCode == http.StatusServiceUnavailable {
			return nil, authfail.New(authfail.ServiceError, "peer %s returned status %d", req.URL, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(authfail.New(authfail.Unauthorized, "peer %s returned 401", req.URL))
		}
		if resp.StatusCode >= 300 {
			return nil, backoff.Permanent(authfail.New(authfail.ServiceError, "peer %s returned status %d: %s", req.URL, resp.StatusCode, string(body)))
		}

		return &Response{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}, nil
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxElapsedTime(c.http.Timeout),
	}
	if c.maxTries > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(c.maxTries))
	}
	result, err := backoff.Retry(ctx, op, retryOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, authfail.Wrap(authfail.RequestTimeout, err, "request to %s timed out", req.URL)
		}
		return nil, err
	}
	return result, nil
}

// Get issues a GET request with the given headers.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to build GET request for %s", url)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(ctx, req)
}

// Post issues a POST request with the given headers and JSON-ish body.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to build POST request for %s", url)
	}
	req.ContentLength = int64(len(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(ctx, req)
}
