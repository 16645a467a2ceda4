package httputils

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.copilot.dev/infra/go/sklog"
)

const (
	initialInterval     = 500 * time.Millisecond
	randomizationFactor = 0.5
	backOffMultiplier   = 1.5
	maxInterval         = 60 * time.Second
	maxElapsedTime      = 5 * time.Minute
)

// BackOffConfig configures a BackOffTransport.
type BackOffConfig struct {
	initialInterval     time.Duration
	maxInterval         time.Duration
	maxElapsedTime      time.Duration
	randomizationFactor float64
	backOffMultiplier   float64
}

// DefaultBackOffConfig returns a BackOffConfig with reasonable defaults.
func DefaultBackOffConfig() *BackOffConfig {
	return &BackOffConfig{
		initialInterval:     initialInterval,
		maxInterval:         maxInterval,
		maxElapsedTime:      maxElapsedTime,
		randomizationFactor: randomizationFactor,
		backOffMultiplier:   backOffMultiplier,
	}
}

// backOffTransport retries requests which return 5xx responses, with
// exponential backoff per the BackOffConfig.
type backOffTransport struct {
	http.Transport
	backOffConfig *BackOffConfig
	wrapped       http.RoundTripper
}

// NewConfiguredBackOffTransport creates a BackOffTransport with the given
// config wrapping the given RoundTripper.
//
// The transport will retry using the wrapped RoundTripper until one of the
// following happens: a non-5xx response is received, or the total retry time
// exceeds the configured max elapsed time.
func NewConfiguredBackOffTransport(config *BackOffConfig, wrapped http.RoundTripper) http.RoundTripper {
	return &backOffTransport{
		backOffConfig: config,
		wrapped:       wrapped,
	}
}

// RoundTrip implements the RoundTripper interface.
func (t *backOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Save the request body for retries. GetBody is set for most requests
	// constructed via http.NewRequest, but not all.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	config := backoff.NewExponentialBackOff()
	config.InitialInterval = t.backOffConfig.initialInterval
	config.MaxInterval = t.backOffConfig.maxInterval
	config.MaxElapsedTime = t.backOffConfig.maxElapsedTime
	config.RandomizationFactor = t.backOffConfig.randomizationFactor
	config.Multiplier = t.backOffConfig.backOffMultiplier

	var resp *http.Response
	roundTripOp := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		var err error
		resp, err = t.wrapped.RoundTrip(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			// Drain the body so the connection can be reused, then retry.
			body := ReadAndClose(resp.Body)
			return &retryableStatusError{status: resp.StatusCode, body: body}
		}
		return nil
	}
	notifyFunc := func(err error, wait time.Duration) {
		sklog.Warningf("Got error: %s. Retrying HTTP request to %s after sleeping for %s", err, req.URL, wait)
	}
	if err := backoff.RetryNotify(roundTripOp, backoff.WithContext(config, req.Context()), notifyFunc); err != nil {
		// A 5xx on the final attempt is returned as a response, not an error,
		// to preserve the contract of RoundTrip. The drained body is restored.
		if rse, ok := err.(*retryableStatusError); ok {
			resp.Body = io.NopCloser(bytes.NewReader([]byte(rse.body)))
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

type retryableStatusError struct {
	status int
	body   string
}

func (e *retryableStatusError) Error() string {
	return http.StatusText(e.status)
}
