// Package mockhttpclient provides an http.Client whose responses are mocked
// per-URL, for testing REST adapters without a server.
package mockhttpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// MockDialogue describes one expected request and its canned response.
type MockDialogue struct {
	expectMethod string
	expectBody   []byte

	responseStatus int
	responseBody   []byte
}

// MockGetDialogue returns a MockDialogue for a GET request with the given
// response body.
func MockGetDialogue(respBody []byte) MockDialogue {
	return MockDialogue{
		expectMethod:   http.MethodGet,
		responseStatus: http.StatusOK,
		responseBody:   respBody,
	}
}

// MockPostDialogue returns a MockDialogue for a POST request with the given
// expected request body and canned response body. If expectBody is nil the
// request body is not checked.
func MockPostDialogue(expectBody, respBody []byte) MockDialogue {
	return MockDialogue{
		expectMethod:   http.MethodPost,
		expectBody:     expectBody,
		responseStatus: http.StatusCreated,
		responseBody:   respBody,
	}
}

// MockPutDialogue returns a MockDialogue for a PUT request.
func MockPutDialogue(expectBody, respBody []byte) MockDialogue {
	return MockDialogue{
		expectMethod:   http.MethodPut,
		expectBody:     expectBody,
		responseStatus: http.StatusOK,
		responseBody:   respBody,
	}
}

// MockDeleteDialogue returns a MockDialogue for a DELETE request.
func MockDeleteDialogue() MockDialogue {
	return MockDialogue{
		expectMethod:   http.MethodDelete,
		responseStatus: http.StatusNoContent,
	}
}

// WithStatus overrides the response status code.
func (md MockDialogue) WithStatus(status int) MockDialogue {
	md.responseStatus = status
	return md
}

// URLMock implements http.RoundTripper and returns mocked responses. Mock()
// adds a response used every time the URL is requested; MockOnce() adds a
// response used exactly once and takes precedence over Mock().
type URLMock struct {
	mtx        sync.Mutex
	mockAlways map[string]MockDialogue
	mockOnce   map[string][]MockDialogue
}

// NewURLMock returns an empty URLMock instance.
func NewURLMock() *URLMock {
	return &URLMock{
		mockAlways: map[string]MockDialogue{},
		mockOnce:   map[string][]MockDialogue{},
	}
}

// Mock adds a mocked response for the given URL, used on every request.
func (m *URLMock) Mock(url string, md MockDialogue) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.mockAlways[url] = md
}

// MockOnce adds a mocked response for the given URL, to be used exactly once.
// Mocks are stored in a FIFO queue and removed as they are requested.
func (m *URLMock) MockOnce(url string, md MockDialogue) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.mockOnce[url] = append(m.mockOnce[url], md)
}

// Client returns an http.Client instance which uses the URLMock.
func (m *URLMock) Client() *http.Client {
	return &http.Client{
		Transport: m,
	}
}

// RoundTrip implements http.RoundTripper.
func (m *URLMock) RoundTrip(r *http.Request) (*http.Response, error) {
	url := r.URL.String()
	m.mtx.Lock()
	md, ok := m.nextDialogue(url)
	m.mtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown URL %q", url)
	}
	if md.expectMethod != "" && md.expectMethod != r.Method {
		return nil, fmt.Errorf("expected method %s for %s, got %s", md.expectMethod, url, r.Method)
	}
	if md.expectBody != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		_ = r.Body.Close()
		if !bytes.Equal(md.expectBody, body) {
			return nil, fmt.Errorf("wrong request body for %s:\nexpect: %s\ngot:    %s", url, md.expectBody, body)
		}
	}
	return &http.Response{
		Body:       io.NopCloser(bytes.NewReader(md.responseBody)),
		Status:     http.StatusText(md.responseStatus),
		StatusCode: md.responseStatus,
		Header:     http.Header{},
		Request:    r,
	}, nil
}

func (m *URLMock) nextDialogue(url string) (MockDialogue, bool) {
	if resps, ok := m.mockOnce[url]; ok && len(resps) > 0 {
		md := resps[0]
		m.mockOnce[url] = resps[1:]
		return md, true
	}
	md, ok := m.mockAlways[url]
	return md, ok
}

// Empty returns true iff all of the URLs registered via MockOnce() have been
// used.
func (m *URLMock) Empty() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, resps := range m.mockOnce {
		if len(resps) > 0 {
			return false
		}
	}
	return true
}
