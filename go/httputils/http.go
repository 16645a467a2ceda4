// Package httputils provides HTTP client construction with sane timeouts,
// retries and auth, plus small server-side helpers.
package httputils

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"go.copilot.dev/infra/go/sklog"
	"go.copilot.dev/infra/go/util"
)

const (
	dialTimeout    = time.Minute
	requestTimeout = 5 * time.Minute

	// maxBytesInResponseBody limits how much of an error response body is
	// included in error messages.
	maxBytesInResponseBody = 10 * 1024
)

// HealthCheckHandler returns 200 OK with a trivial JSON body, appropriate for
// a healthcheck endpoint.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ReportError formats an HTTP error response and also logs the detailed error
// message. The message is returned to the caller; err is only logged.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	sklog.Errorf("%s %s", message, err)
	http.Error(w, message, code)
}

// ReadAndClose reads the content of the given ReadCloser (up to a limit) and
// closes it.
func ReadAndClose(r io.ReadCloser) string {
	defer util.Close(r)
	b, err := io.ReadAll(io.LimitReader(r, maxBytesInResponseBody))
	if err != nil {
		sklog.Errorf("Failed to read response body: %s", err)
	}
	return string(b)
}

// ClientConfig represents options for the behavior of an http.Client. Each
// field, when set, modifies the default http.Client behavior.
//
// Example:
//
//	client := DefaultClientConfig().With2xxOnly().Client()
type ClientConfig struct {
	// DialTimeout, if non-zero, sets the http.Transport's dialer to a
	// net.DialTimeout with the specified timeout.
	DialTimeout time.Duration

	// RequestTimeout, if non-zero, sets the http.Client.Timeout. The timeout
	// applies until the response body is fully read.
	RequestTimeout time.Duration

	// Retries, if non-nil, uses a BackOffTransport to automatically retry
	// requests until receiving a non-5xx response.
	Retries *BackOffConfig

	// TokenSource, if non-nil, uses an oauth2.Transport to authenticate all
	// requests with the specified TokenSource.
	TokenSource oauth2.TokenSource

	// Response2xxOnly, if true, transforms non-2xx HTTP responses to an error
	// return value.
	Response2xxOnly bool
}

// DefaultClientConfig returns a ClientConfig with reasonable defaults:
// timeouts are set, retries are enabled, non-2xx responses are not considered
// errors.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:    dialTimeout,
		RequestTimeout: requestTimeout,
		Retries:        DefaultBackOffConfig(),
	}
}

// With2xxOnly returns a new ClientConfig where non-2xx responses cause an
// error.
func (c ClientConfig) With2xxOnly() ClientConfig {
	c.Response2xxOnly = true
	return c
}

// WithoutRetries returns a new ClientConfig where requests are not retried.
func (c ClientConfig) WithoutRetries() ClientConfig {
	c.Retries = nil
	return c
}

// WithTokenSource returns a new ClientConfig where requests are authenticated
// with the given TokenSource.
func (c ClientConfig) WithTokenSource(t oauth2.TokenSource) ClientConfig {
	c.TokenSource = t
	return c
}

// Client returns a new http.Client as configured by the ClientConfig.
func (c ClientConfig) Client() *http.Client {
	var t http.RoundTripper = http.DefaultTransport
	if c.DialTimeout != 0 {
		t = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: c.DialTimeout,
			}).DialContext,
		}
	}
	if c.Retries != nil {
		t = NewConfiguredBackOffTransport(c.Retries, t)
	}
	if c.TokenSource != nil {
		t = &oauth2.Transport{
			Source: c.TokenSource,
			Base:   t,
		}
	}
	if c.Response2xxOnly {
		t = Response2xxOnlyTransport{t}
	}
	return &http.Client{
		Transport: t,
		Timeout:   c.RequestTimeout,
	}
}

// NewTimeoutClient creates a new http.Client with both a dial timeout and a
// request timeout, and no other behavior changes.
func NewTimeoutClient() *http.Client {
	return ClientConfig{
		DialTimeout:    dialTimeout,
		RequestTimeout: requestTimeout,
	}.Client()
}

// Response2xxOnlyTransport is a RoundTripper that transforms non-2xx HTTP
// responses to an error return value. Delegates all requests to the wrapped
// RoundTripper, which must be non-nil.
type Response2xxOnlyTransport struct {
	http.RoundTripper
}

// RoundTrip implements the RoundTripper interface.
func (t Response2xxOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(req)
	if err == nil && resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, fmt.Errorf("got error response status code %d from the HTTP %s request to %s\nResponse: %s", resp.StatusCode, req.Method, req.URL, ReadAndClose(resp.Body))
	}
	return resp, err
}
