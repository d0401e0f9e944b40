// Package client implements a client for a remote Blob Store server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/api"
)

// ErrInvalidConfig signals an error with the client configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config defines the configuration for accessing a remote Blob Store.
type Config struct {
	Server string
}

// Client accesses blobs in a remote Blob Store server.
type Client struct {
	server string
}

// New returns a client for a Blob Store server.
func New(config Config) (*Client, error) {
	if _, err := url.Parse(config.Server); err != nil {
		return nil, wheelproxy.NewWrappedError(ErrInvalidConfig, err)
	}

	return &Client{
		server: config.Server,
	}, nil
}

// Get retrieves an object's metadata if it exists in the store, or an error
// otherwise.
func (c *Client) Get(_ context.Context, id string) (blobstore.Blob, error) {
	reqURL := fmt.Sprintf("%s/%s", c.server, id)

	resp, err := http.Get(reqURL) //nolint:gosec,noctx
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(api.ErrRequestFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return blobstore.Blob{}, blobstore.ErrObjectNotFound
		}
		return blobstore.Blob{}, wheelproxy.NewWrappedError(api.ErrRequestFailed, fmt.Errorf("status %s", resp.Status))
	}

	storeResponse := api.Response{}
	err = json.NewDecoder(resp.Body).Decode(&storeResponse)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(api.ErrRequestFailed, err)
	}

	if storeResponse.Error != nil {
		return blobstore.Blob{}, storeResponse.Error
	}

	return storeResponse.Blob, nil
}

// Put stores the object and returns its metadata.
func (c *Client) Put(_ context.Context, id string, content io.Reader) (blobstore.Blob, error) {
	reqURL := fmt.Sprintf("%s/%s", c.server, id)
	resp, err := http.Post( //nolint:gosec,noctx
		reqURL,
		"application/octet-stream",
		content,
	)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(api.ErrRequestFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(api.ErrRequestFailed, fmt.Errorf("status %s", resp.Status))
	}
	storeResponse := api.Response{}
	err = json.NewDecoder(resp.Body).Decode(&storeResponse)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(api.ErrRequestFailed, err)
	}

	if storeResponse.Error != nil {
		return blobstore.Blob{}, storeResponse.Error
	}

	return storeResponse.Blob, nil
}

// Download returns the content of the object given its URL.
func (c *Client) Download(ctx context.Context, object blobstore.Blob) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, object.URL, nil)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(api.ErrRequestFailed, err)
	}

	resp, err := http.DefaultClient.Do(req) //nolint:bodyclose
	if err != nil {
		return nil, wheelproxy.NewWrappedError(api.ErrRequestFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, wheelproxy.NewWrappedError(api.ErrRequestFailed, fmt.Errorf("status %s", resp.Status))
	}

	return resp.Body, nil
}
