// Package api defines the wire format exchanged with a remote Blob Store.
package api

import (
	"errors"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
)

var (
	// ErrInvalidRequest signals the request could not be processed due to
	// erroneous parameters.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRequestFailed signals the request failed, probably due to a
	// network error.
	ErrRequestFailed = errors.New("request failed")
	// ErrStoreAccess signals the access to the backing store failed.
	ErrStoreAccess = errors.New("store access failed")
)

// Response is the response to a Blob Store server request.
type Response struct {
	Error *wheelproxy.WrappedError
	Blob  blobstore.Blob
}
