package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// listenLoopback binds an IPv4 loopback port; sandboxes often lack IPv6.
func listenLoopback() (net.Listener, error) {
	return net.Listen("tcp4", "127.0.0.1:0")
}

func startOn(ln net.Listener, handler http.Handler) *httptest.Server {
	srv := &httptest.Server{
		Listener: ln,
		Config:   &http.Server{Handler: handler},
	}
	srv.Start()
	return srv
}

// NewHTTPServer serves handler on 127.0.0.1, falling back to httptest's default listener.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	ln, err := listenLoopback()
	if err != nil {
		return httptest.NewServer(handler)
	}
	return startOn(ln, handler)
}

// NewHTTPServerT is NewHTTPServer for tests: it skips when no loopback port is
// available and closes the server when the test ends.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := listenLoopback()
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	srv := startOn(ln, handler)
	t.Cleanup(srv.Close)
	return srv
}
