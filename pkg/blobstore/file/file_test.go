package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
)

type object struct {
	id      string
	content []byte
}

func setupStore(path string, preload []object) (blobstore.BlobStore, error) {
	store, err := NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("test setup %w", err)
	}

	for _, o := range preload {
		_, err = store.Put(context.TODO(), o.id, bytes.NewBuffer(o.content))
		if err != nil {
			return nil, fmt.Errorf("test setup %w", err)
		}
	}

	return store, nil
}

func TestFileStorePutObject(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		title     string
		preload   []object
		id        string
		content   []byte
		expectErr error
	}{
		{
			title:   "store object",
			id:      "a0/linux-x86_64/flask/2.0.1/flask-2.0.1-py3-none-any.whl",
			content: []byte("content"),
		},
		{
			title: "store existing object",
			preload: []object{
				{
					id:      "dup",
					content: []byte("content"),
				},
			},
			id:        "dup",
			content:   []byte("new content"),
			expectErr: blobstore.ErrCreatingObject,
		},
		{
			title:   "store empty object",
			id:      "empty",
			content: nil,
		},
		{
			title:     "store empty id",
			id:        "",
			content:   []byte("content"),
			expectErr: blobstore.ErrCreatingObject,
		},
		{
			title:     "store invalid id (parent traversal)",
			id:        "../invalid",
			content:   []byte("content"),
			expectErr: blobstore.ErrCreatingObject,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.title, func(t *testing.T) {
			t.Parallel()
			store, err := setupStore(t.TempDir(), tc.preload)
			if err != nil {
				t.Fatalf("test setup: %v", err)
			}

			obj, err := store.Put(context.TODO(), tc.id, bytes.NewBuffer(tc.content))
			if !errors.Is(err, tc.expectErr) {
				t.Fatalf("expected %v got %v", tc.expectErr, err)
			}

			if tc.expectErr != nil {
				return
			}

			fileURL, err := url.Parse(obj.URL)
			if err != nil {
				t.Fatalf("invalid url %v", err)
			}

			content, err := os.ReadFile(fileURL.Path)
			if err != nil {
				t.Fatalf("reading object url %v", err)
			}

			if !bytes.Equal(tc.content, content) {
				t.Fatalf("expected %v got %v", tc.content, content)
			}
		})
	}
}

func TestFileStoreRetrieval(t *testing.T) {
	t.Parallel()

	preload := []object{
		{
			id:      "object",
			content: []byte("content"),
		},
	}

	storeDir := t.TempDir()
	fileStore, err := setupStore(storeDir, preload)
	if err != nil {
		t.Fatalf("test setup: %v", err)
	}

	t.Run("Get", func(t *testing.T) {
		testCases := []struct {
			title     string
			id        string
			expected  []byte
			expectErr error
		}{
			{
				title:     "retrieve existing object",
				id:        "object",
				expected:  []byte("content"),
				expectErr: nil,
			},
			{
				title:     "retrieve non existing object",
				id:        "another object",
				expectErr: blobstore.ErrObjectNotFound,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.title, func(t *testing.T) {
				t.Parallel()

				obj, err := fileStore.Get(context.TODO(), tc.id)
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected %v got %v", tc.expectErr, err)
				}

				if tc.expectErr != nil {
					return
				}

				fileURL, err := url.Parse(obj.URL)
				if err != nil {
					t.Fatalf("invalid url %v", err)
				}

				data, err := os.ReadFile(fileURL.Path)
				if err != nil {
					t.Fatalf("reading object url %v", err)
				}

				if !bytes.Equal(data, tc.expected) {
					t.Fatalf("expected %v got %v", tc.expected, data)
				}
			})
		}
	})

	t.Run("Download", func(t *testing.T) {
		t.Parallel()

		testCases := []struct {
			title     string
			object    blobstore.Blob
			expected  []byte
			expectErr error
		}{
			{
				title: "download existing object",
				object: blobstore.Blob{
					ID:  "object",
					URL: fmt.Sprintf("file://%s/object/data", storeDir),
				},
				expected:  []byte("content"),
				expectErr: nil,
			},
			{
				title: "download non existing object",
				object: blobstore.Blob{
					ID:  "object",
					URL: fmt.Sprintf("file://%s/another_object/data", storeDir),
				},
				expectErr: blobstore.ErrObjectNotFound,
			},
			{
				title: "download malicious url",
				object: blobstore.Blob{
					ID:  "object",
					URL: fmt.Sprintf("file://%s/../../data", storeDir),
				},
				expectErr: blobstore.ErrInvalidURL,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.title, func(t *testing.T) {
				t.Parallel()

				content, err := fileStore.Download(context.TODO(), tc.object)
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected %v got %v", tc.expectErr, err)
				}

				if tc.expectErr != nil {
					return
				}

				data := bytes.Buffer{}
				_, err = data.ReadFrom(content)
				if err != nil {
					t.Fatalf("reading content: %v", err)
				}

				if !bytes.Equal(data.Bytes(), tc.expected) {
					t.Fatalf("expected %v got %v", tc.expected, data)
				}
			})
		}
	})
}
