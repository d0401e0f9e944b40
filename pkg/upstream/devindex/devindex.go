// Package devindex implements the Upstream Index Client against a small
// JSON-over-HTTP index (the "dev-index" backend), as used by internal or
// staging package indexes that don't speak the PyPI XML-RPC protocol.
// Requests are retried with jittered exponential backoff to absorb the
// transient unavailability such indexes are prone to under load.
package devindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/upstream"
)

// maxAttempts bounds the retry policy applied to every upstream call, per
// the §7 UpstreamUnavailable retry policy.
const maxAttempts = 5

// Client talks to a dev-index BackingIndex.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New creates a Client for the given BackingIndex base URL.
func New(idx wheelproxy.BackingIndex) (upstream.Client, error) {
	if idx.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url cannot be empty", wheelproxy.ErrInvariantViolation)
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = maxAttempts - 1
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Backoff = backoffPolicy

	return &Client{
		baseURL: strings.TrimRight(idx.BaseURL, "/"),
		http:    rc,
	}, nil
}

// backoffPolicy adapts cenkalti/backoff's jittered exponential sequence to
// retryablehttp's (attempt int) -> time.Duration backoff hook.
func backoffPolicy(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 10 * time.Second

	var d time.Duration
	for i := 0; i <= attemptNum; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// devIndexRelease mirrors one entry of the dev-index's per-package payload.
type devIndexRelease struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MD5Digest string `json:"md5_digest"`
	Filename  string `json:"filename"`
}

type devIndexPackage struct {
	Releases map[string][]devIndexRelease `json:"releases"`
}

// GetPackageReleases fetches the dev-index's JSON document for name.
func (c *Client) GetPackageReleases(ctx context.Context, name string) (map[string][]upstream.ReleaseDescriptor, error) {
	doc, err := c.fetchPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	releases := make(map[string][]upstream.ReleaseDescriptor, len(doc.Releases))
	for version, files := range doc.Releases {
		descriptors := make([]upstream.ReleaseDescriptor, 0, len(files))
		for _, f := range files {
			descriptors = append(descriptors, upstream.ReleaseDescriptor{
				Type:      f.Type,
				URL:       f.URL,
				MD5Digest: f.MD5Digest,
				Filename:  f.Filename,
			})
		}
		releases[version] = descriptors
	}

	return releases, nil
}

// GetVersionReleases returns the descriptors for a single version.
func (c *Client) GetVersionReleases(ctx context.Context, name, version string) ([]upstream.ReleaseDescriptor, error) {
	doc, err := c.fetchPackage(ctx, name)
	if err != nil {
		return nil, err
	}

	files := doc.Releases[version]
	descriptors := make([]upstream.ReleaseDescriptor, 0, len(files))
	for _, f := range files {
		descriptors = append(descriptors, upstream.ReleaseDescriptor{
			Type:      f.Type,
			URL:       f.URL,
			MD5Digest: f.MD5Digest,
			Filename:  f.Filename,
		})
	}

	return descriptors, nil
}

func (c *Client) fetchPackage(ctx context.Context, name string) (*devIndexPackage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/packages/%s", c.baseURL, name), nil)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", wheelproxy.ErrPackageNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", wheelproxy.ErrUpstreamUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	var doc devIndexPackage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	return &doc, nil
}

// changeEntry is one row of the dev-index's changelog feed.
type changeEntry struct {
	Package string `json:"package"`
	Serial  int64  `json:"serial"`
}

// IterUpdatedPackages polls the dev-index's changelog feed once and streams
// its entries in order.
func (c *Client) IterUpdatedPackages(ctx context.Context, sinceSerial int64) (<-chan upstream.UpdateEvent, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/changelog?since=%d", c.baseURL, sinceSerial), nil)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", wheelproxy.ErrUpstreamUnavailable, resp.Status)
	}

	var entries []changeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	events := make(chan upstream.UpdateEvent, len(entries))
	go func() {
		defer close(events)
		for _, e := range entries {
			select {
			case events <- upstream.UpdateEvent{Package: e.Package, Serial: e.Serial}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
