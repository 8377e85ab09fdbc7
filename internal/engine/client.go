package engine

import (
	"net"
	"net/http"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
)

// NewHTTPClient creates an http.Client tuned for many parallel ranged downloads.
// Per-request deadlines come from contexts, so the client itself has no Timeout.
func NewHTTPClient(runtime *types.RuntimeConfig) *http.Client {
	perHost := runtime.GetMaxConcurrentTasks()
	if perHost == 0 {
		perHost = types.DefaultMaxIdleConns
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,

		// Connection pooling
		MaxIdleConns:        types.DefaultMaxIdleConns,
		MaxIdleConnsPerHost: perHost + 2,

		// Timeouts to prevent hung connections
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,

		// Packages are already compressed; ranges must address raw bytes
		DisableCompression: true,

		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
	}

	return &http.Client{Transport: transport}
}
