package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the build version embedded in the binary.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper. A User-Agent already present on the
// request wins so that browser identities set by callers are left alone.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.transport.RoundTrip(req)
	}
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// sharedTransport is the connection pool used by every client handed out by
// this package. Cookie state lives on the clients, never on the transport.
var sharedTransport http.RoundTripper = http.DefaultTransport

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: Transport(),
		Timeout:   timeout,
	}
}

// Transport returns the shared round tripper wrapped with the default
// user-agent.
func Transport() http.RoundTripper {
	return &userAgentTransport{
		transport: sharedTransport,
		userAgent: "esbmeter/" + Version(),
	}
}
