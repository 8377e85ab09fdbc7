// Package negotiate asks the update server which packages the client should have.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/surge-downloader/hotupdate/internal/config"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// Config is the immutable client identity and retry policy
type Config struct {
	ServerURL   string
	Version     string
	Platform    string
	Timeout     time.Duration // Per attempt
	MaxAttempts int
	UserAgent   string
}

// ConfigFromSettings extracts the negotiation settings
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		ServerURL:   s.Server.URL,
		Version:     s.Server.Version,
		Platform:    s.Server.Platform,
		Timeout:     s.Server.Timeout,
		MaxAttempts: s.Server.MaxAttempts,
		UserAgent:   s.Network.UserAgent,
	}
}

type request struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// Negotiator posts the client identity and decodes the manifest
type Negotiator struct {
	cfg    Config
	client *http.Client
}

// New creates a Negotiator. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = types.NegotiateTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = types.NegotiateMaxAttempts
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Negotiator{cfg: cfg, client: client}
}

// DownloadURL returns <server>/<version>/<platform>/<name>
func (n *Negotiator) DownloadURL(name string) string {
	return utils.JoinURL(n.cfg.ServerURL, n.cfg.Version, n.cfg.Platform, name)
}

// attemptError carries the retry decision for one attempt
type attemptError struct {
	err        error
	retry      bool
	retryAfter time.Duration
}

// Negotiate fetches the manifest. Timeouts, transport failures, 429 and 503 are
// retried up to MaxAttempts; running out of attempts yields ErrTimeout. Other
// statuses give ErrNetwork and an undecodable body gives ErrProtocol, both at once.
func (n *Negotiator) Negotiate(ctx context.Context) (types.Manifest, error) {
	var lastErr error

	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		manifest, aerr := n.attempt(ctx)
		if aerr == nil {
			utils.Debug("Negotiated manifest with %d categories on attempt %d", len(manifest), attempt)
			return manifest, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !aerr.retry {
			return nil, aerr.err
		}

		lastErr = aerr.err
		utils.Warn("Negotiation attempt %d/%d failed: %v", attempt, n.cfg.MaxAttempts, aerr.err)

		if attempt < n.cfg.MaxAttempts && aerr.retryAfter > 0 {
			wait := min(aerr.retryAfter, n.cfg.Timeout)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, types.NewError(types.ErrTimeout, "negotiate", "",
		fmt.Errorf("gave up after %d attempts: %w", n.cfg.MaxAttempts, lastErr))
}

func (n *Negotiator) attempt(ctx context.Context) (types.Manifest, *attemptError) {
	attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(request{Version: n.cfg.Version, Platform: n.cfg.Platform})
	if err != nil {
		return nil, &attemptError{err: types.NewError(types.ErrProtocol, "negotiate", "", err)}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, n.cfg.ServerURL, bytes.NewReader(body))
	if err != nil {
		return nil, &attemptError{err: types.NewError(types.ErrNetwork, "negotiate", "", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	if n.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", n.cfg.UserAgent)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &attemptError{err: types.NewError(types.ErrNetwork, "negotiate", "", err), retry: true}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &attemptError{err: types.NewError(types.ErrNetwork, "negotiate", "", err), retry: true}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		aerr := &attemptError{
			err:   types.NewError(types.ErrNetwork, "negotiate", "", fmt.Errorf("server busy: %s", resp.Status)),
			retry: true,
		}
		if at := httpheader.RetryAfter(resp.Header); !at.IsZero() {
			aerr.retryAfter = time.Until(at)
		}
		return nil, aerr
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &attemptError{err: types.NewError(types.ErrNetwork, "negotiate", "",
			fmt.Errorf("unexpected status: %s", resp.Status))}
	}

	manifest, err := decodeManifest(data)
	if err != nil {
		return nil, &attemptError{err: types.NewError(types.ErrProtocol, "negotiate", "", err)}
	}
	return manifest, nil
}

func decodeManifest(data []byte) (types.Manifest, error) {
	var manifest types.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	if manifest == nil {
		return nil, errors.New("manifest is not a JSON object")
	}
	for category, entries := range manifest {
		for i, e := range entries {
			if e.Name == "" {
				return nil, fmt.Errorf("entry %d of %q has no file name", i, category)
			}
			if e.Size < 0 {
				return nil, fmt.Errorf("entry %s has negative size %d", e.Name, e.Size)
			}
		}
	}
	return manifest, nil
}
