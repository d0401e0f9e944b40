// Package blobstore defines the interface of the Blob Store: the
// content-addressed object store that holds built artifacts, compiled
// requirements logs and cached upstream release files.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrAccessingObject   = errors.New("accessing object")   //nolint:revive
	ErrCreatingObject    = errors.New("creating object")    //nolint:revive
	ErrInitializingStore = errors.New("initializing store") //nolint:revive
	ErrObjectNotFound    = errors.New("object not found")   //nolint:revive
	ErrInvalidURL        = errors.New("invalid object URL") //nolint:revive
)

// Blob is an object stored in the Blob Store, keyed by a content-addressed
// id (see spec §6: "{index}/{platform}/{package}/{version}/{filename}").
type Blob struct {
	ID       string
	Checksum string
	// URL to fetch the blob's content, either a local file:// URL or a
	// (possibly presigned) remote URL.
	URL string
	// Filesize in bytes, when known at Put time.
	Filesize int64
}

func (o Blob) String() string {
	buffer := &bytes.Buffer{}
	buffer.WriteString(fmt.Sprintf("id: %s", o.ID))
	buffer.WriteString(fmt.Sprintf(" checksum: %s", o.Checksum))
	buffer.WriteString(fmt.Sprintf(" url: %s", o.URL))

	return buffer.String()
}

// BlobStore defines the interface for storing and retrieving blobs.
type BlobStore interface {
	// Get returns the metadata for a blob, or ErrObjectNotFound.
	Get(ctx context.Context, id string) (Blob, error)
	// Put stores the content under id and returns its metadata. Fails if
	// the id is already in use: blobs are immutable once written.
	Put(ctx context.Context, id string, content io.Reader) (Blob, error)
	// Download returns the blob's content, fetched from its Blob.URL.
	Download(ctx context.Context, object Blob) (io.ReadCloser, error)
}
