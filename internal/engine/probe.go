package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/surge-downloader/hotupdate/internal/utils"
)

// ProbeResult contains the metadata returned by a HEAD request
type ProbeResult struct {
	StatusCode    int
	FileSize      int64 // -1 when the server sent no Content-Length
	SupportsRange bool
	ContentType   string
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.URL, e.StatusCode)
}

// IsSuccess reports whether code is a 2xx status
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}

// ProbeHead sends a HEAD request to learn the size of the remote file.
// rawurl must already be encoded. Headers other than Range survive redirects.
func ProbeHead(ctx context.Context, client *http.Client, rawurl, userAgent string) (*ProbeResult, error) {
	utils.Debug("Probing server: %s", rawurl)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := withRedirectHeaders(client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) // Drain any remaining data
		_ = resp.Body.Close()
	}()

	utils.Debug("Probe response status: %d", resp.StatusCode)

	if !IsSuccess(resp.StatusCode) {
		return nil, &StatusError{Method: http.MethodHead, URL: rawurl, StatusCode: resp.StatusCode}
	}

	result := &ProbeResult{
		StatusCode:    resp.StatusCode,
		FileSize:      resp.ContentLength,
		SupportsRange: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ContentType:   resp.Header.Get("Content-Type"),
	}

	utils.Debug("Probe complete - size: %d, range: %v", result.FileSize, result.SupportsRange)

	return result, nil
}

// withRedirectHeaders returns a shallow copy of client that carries the original
// request headers (except Range) across redirects.
func withRedirectHeaders(client *http.Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		if len(via) > 0 {
			for key, vals := range via[0].Header {
				if key == "Range" {
					continue
				}
				req.Header[key] = vals
			}
		}
		return nil
	}
	return &c
}
