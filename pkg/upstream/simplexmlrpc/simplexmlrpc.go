// Package simplexmlrpc implements the Upstream Index Client against a
// PyPI-style index combining the legacy XML-RPC changelog endpoint with
// the simple JSON API for per-package release metadata.
package simplexmlrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/upstream"
)

// Client talks to a simple-xmlrpc BackingIndex.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the given BackingIndex base URL.
func New(idx wheelproxy.BackingIndex) (upstream.Client, error) {
	if idx.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url cannot be empty", wheelproxy.ErrInvariantViolation)
	}
	return &Client{
		baseURL: strings.TrimRight(idx.BaseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// simpleJSON mirrors the PEP 691 JSON simple-index response for one project.
type simpleJSON struct {
	Files []struct {
		Filename string `json:"filename"`
		URL      string `json:"url"`
		Hashes   struct {
			MD5 string `json:"md5"`
		} `json:"hashes"`
	} `json:"files"`
}

func descriptorType(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".whl"):
		return "bdist_wheel"
	case strings.HasSuffix(filename, ".tar.gz"), strings.HasSuffix(filename, ".zip"):
		return "sdist"
	default:
		return "unknown"
	}
}

// GetPackageReleases fetches the simple-index JSON for name and groups its
// files by the version embedded in each filename.
func (c *Client) GetPackageReleases(ctx context.Context, name string) (map[string][]upstream.ReleaseDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/simple/%s/", c.baseURL, name), nil)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/vnd.pypi.simple.v1+json")

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

	var doc simpleJSON
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	releases := map[string][]upstream.ReleaseDescriptor{}
	for _, f := range doc.Files {
		version := versionFromFilename(name, f.Filename)
		if version == "" {
			continue
		}
		releases[version] = append(releases[version], upstream.ReleaseDescriptor{
			Type:      descriptorType(f.Filename),
			URL:       f.URL,
			MD5Digest: f.Hashes.MD5,
			Filename:  f.Filename,
		})
	}

	return releases, nil
}

// GetVersionReleases returns the descriptors for a single version.
func (c *Client) GetVersionReleases(ctx context.Context, name, version string) ([]upstream.ReleaseDescriptor, error) {
	releases, err := c.GetPackageReleases(ctx, name)
	if err != nil {
		return nil, err
	}
	return releases[version], nil
}

// changeLogCall is the XML-RPC request body for `changelog_since_serial`.
const changeLogCall = `<?xml version="1.0"?>
<methodCall>
  <methodName>changelog_since_serial</methodName>
  <params><param><value><int>%d</int></value></param></params>
</methodCall>`

type xmlRPCResponse struct {
	Params struct {
		Param []struct {
			Value struct {
				Array struct {
					Data struct {
						Value []struct {
							Array struct {
								Data struct {
									Value []struct {
										String string `xml:"string"`
										Int    *int64  `xml:"int"`
									} `xml:"value"`
								} `xml:"data"`
							} `xml:"array"`
						} `xml:"value"`
					} `xml:"data"`
				} `xml:"array"`
			} `xml:"value"`
		} `xml:"param"`
	} `xml:"params"`
}

// IterUpdatedPackages polls the XML-RPC changelog endpoint once and streams
// its entries; each entry is (package_name, serial), per spec §4.1.
func (c *Client) IterUpdatedPackages(ctx context.Context, sinceSerial int64) (<-chan upstream.UpdateEvent, error) {
	body := fmt.Sprintf(changeLogCall, sinceSerial)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pypi", bytes.NewBufferString(body))
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", wheelproxy.ErrUpstreamUnavailable, resp.Status)
	}

	var doc xmlRPCResponse
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, wheelproxy.NewWrappedError(wheelproxy.ErrUpstreamUnavailable, err)
	}

	events := make(chan upstream.UpdateEvent, len(doc.Params.Param))
	go func() {
		defer close(events)
		if len(doc.Params.Param) == 0 {
			return
		}
		for _, entry := range doc.Params.Param[0].Value.Array.Data.Value {
			vals := entry.Array.Data.Value
			if len(vals) < 2 {
				continue
			}
			serial := int64(0)
			if vals[len(vals)-1].Int != nil {
				serial = *vals[len(vals)-1].Int
			}
			select {
			case events <- upstream.UpdateEvent{Package: vals[0].String, Serial: serial}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// versionFromFilename strips the "<name>-" prefix and file extension/tags
// from a simple-index filename to recover the version string.
func versionFromFilename(name, filename string) string {
	prefix := wheelproxy.Normalize(name) + "-"
	normalized := wheelproxy.Normalize(strings.ReplaceAll(filename, "_", "-"))
	if !strings.HasPrefix(normalized, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(filename, filename[:len(prefix)])
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) == 0 {
		return ""
	}
	version := parts[0]
	for _, ext := range []string{".tar.gz", ".zip", ".whl"} {
		version = strings.TrimSuffix(version, ext)
	}
	return version
}
