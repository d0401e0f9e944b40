// Package file implements a file-backed Blob Store
package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
)

// Store is a BlobStore backed by a directory on the local file system. Each
// blob is stored under <dir>/<id>/data with a sibling <dir>/<id>/checksum
// file, mirroring the sidecar-checksum layout of the object store this is
// adapted from.
type Store struct {
	dir     string
	mutexes sync.Map
}

// NewTempStore creates a file Blob Store rooted in a new, empty temporary
// directory.
func NewTempStore() (blobstore.BlobStore, error) {
	dir, err := os.MkdirTemp("", "wheelproxy-blobstore-")
	if err != nil {
		return nil, wheelproxy.NewWrappedError(blobstore.ErrInitializingStore, err)
	}
	return NewStore(dir)
}

// NewStore creates a Blob Store rooted at dir, creating it if necessary.
func NewStore(dir string) (blobstore.BlobStore, error) {
	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(blobstore.ErrInitializingStore, err)
	}

	return &Store{
		dir: dir,
	}, nil
}

// Put stores the object and returns the metadata.
// Fails if the object already exists.
func (f *Store) Put(_ context.Context, id string, content io.Reader) (blobstore.Blob, error) {
	if id == "" {
		return blobstore.Blob{}, fmt.Errorf("%w: id cannot be empty", blobstore.ErrCreatingObject)
	}

	if strings.Contains(id, "..") {
		return blobstore.Blob{}, fmt.Errorf("%w: id cannot contain '..'", blobstore.ErrCreatingObject)
	}

	// prevent concurrent modification of the same blob
	unlock := f.lockObject(id)
	defer unlock()

	objectDir := filepath.Join(f.dir, id)

	if _, err := os.Stat(objectDir); !errors.Is(err, os.ErrNotExist) {
		return blobstore.Blob{}, fmt.Errorf("%w: object already exists %q", blobstore.ErrCreatingObject, id)
	}

	err := os.MkdirAll(objectDir, 0o750)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	objectFile, err := os.Create(filepath.Join(objectDir, "data")) //nolint:gosec
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}
	defer objectFile.Close() //nolint:errcheck

	buff := bytes.Buffer{}
	size, err := io.Copy(objectFile, io.TeeReader(content, &buff))
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(buff.Bytes()))

	err = os.WriteFile(filepath.Join(objectDir, "checksum"), []byte(checksum), 0o644) //nolint:gosec
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	objectURL := urlFromFilePath(objectFile.Name())
	return blobstore.Blob{
		ID:       id,
		Checksum: checksum,
		URL:      objectURL,
		Filesize: size,
	}, nil
}

// Get retrieves an object's metadata if it exists, or ErrObjectNotFound.
func (f *Store) Get(_ context.Context, id string) (blobstore.Blob, error) {
	objectDir := filepath.Join(f.dir, id)
	info, err := os.Stat(filepath.Join(objectDir, "data"))

	if errors.Is(err, os.ErrNotExist) {
		return blobstore.Blob{}, fmt.Errorf("%w (%s)", blobstore.ErrObjectNotFound, id)
	}

	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	checksum, err := os.ReadFile(filepath.Join(objectDir, "checksum")) //nolint:gosec
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	return blobstore.Blob{
		ID:       id,
		Checksum: string(checksum),
		URL:      urlFromFilePath(filepath.Join(objectDir, "data")),
		Filesize: info.Size(),
	}, nil
}

// Download returns the content of the object given its URL.
func (f *Store) Download(_ context.Context, object blobstore.Blob) (io.ReadCloser, error) {
	parsed, err := url.Parse(object.URL)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	if parsed.Scheme != "file" {
		return nil, fmt.Errorf("%w unsupported schema: %s", blobstore.ErrInvalidURL, parsed.Scheme)
	}

	objectPath, err := f.sanitizePath(parsed.Path)
	if err != nil {
		return nil, err
	}

	objectFile, err := os.Open(objectPath) //nolint:gosec // path is sanitized
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, blobstore.ErrObjectNotFound
		}
		return nil, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	return objectFile, nil
}

func (f *Store) sanitizePath(path string) (string, error) {
	path = filepath.Clean(path)

	if !filepath.IsAbs(path) || !strings.HasPrefix(path, f.dir) {
		return "", fmt.Errorf("%w: invalid path %s", blobstore.ErrInvalidURL, path)
	}

	return path, nil
}

// lockObject obtains a mutex used to prevent concurrent writes of the same
// blob id and returns a function that unlocks and forgets it. Subsequent
// calls will get a fresh lock on the same id, which is safe because the
// blob is immutable once written.
func (f *Store) lockObject(id string) func() {
	value, _ := f.mutexes.LoadOrStore(id, &sync.Mutex{})
	mtx, _ := value.(*sync.Mutex)
	mtx.Lock()

	return func() {
		f.mutexes.Delete(id)
		mtx.Unlock()
	}
}

func urlFromFilePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
