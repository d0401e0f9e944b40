// Package s3 implements a S3-backed Blob Store
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
)

// DefaultURLExpiration is the default expiration for presigned download
// URLs handed out to clients of the Download Redirector (C8).
const DefaultURLExpiration = time.Hour * 24

// Store is a BlobStore backed by a S3 bucket, keyed by the content-addressed
// object id (spec §6 key layout).
type Store struct {
	bucket     string
	client     *s3.Client
	expiration time.Duration
}

// Config is the S3 Store configuration.
type Config struct {
	Bucket        string
	Client        *s3.Client
	URLExpiration time.Duration
}

// WithExpiration sets the expiration for the presigned URL.
func WithExpiration(exp time.Duration) func(*s3.PresignOptions) {
	return func(opts *s3.PresignOptions) {
		opts.Expires = exp
	}
}

// New creates a Blob Store backed by a S3 bucket.
func New(conf Config) (blobstore.BlobStore, error) {
	if conf.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket name cannot be empty", blobstore.ErrInitializingStore)
	}

	client := conf.Client
	if client == nil {
		cfg, err := config.LoadDefaultConfig(context.TODO())
		if err != nil {
			return nil, wheelproxy.NewWrappedError(blobstore.ErrInitializingStore, err)
		}
		client = s3.NewFromConfig(cfg)
	}

	expiration := conf.URLExpiration
	if expiration == 0 {
		expiration = DefaultURLExpiration
	}
	return &Store{
		client:     client,
		bucket:     conf.Bucket,
		expiration: expiration,
	}, nil
}

// Put stores the object and returns the metadata.
// Fails if the object already exists.
func (s *Store) Put(ctx context.Context, id string, content io.Reader) (blobstore.Blob, error) {
	if id == "" {
		return blobstore.Blob{}, fmt.Errorf("%w: id cannot be empty", blobstore.ErrCreatingObject)
	}

	buff, err := io.ReadAll(content)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	checksum := sha256.Sum256(buff)
	_, err = s.client.PutObject(
		ctx,
		&s3.PutObjectInput{
			Bucket:            aws.String(s.bucket),
			Key:               aws.String(id),
			Body:              bytes.NewReader(buff),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
			ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(checksum[:])),
			IfNoneMatch:       aws.String("*"),
		},
	)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	downloadURL, err := s.getDownloadURL(ctx, id)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	return blobstore.Blob{
		ID:       id,
		Checksum: fmt.Sprintf("%x", checksum),
		URL:      downloadURL,
		Filesize: int64(len(buff)),
	}, nil
}

// Get retrieves an object's metadata if it exists, or ErrObjectNotFound.
func (s *Store) Get(ctx context.Context, id string) (blobstore.Blob, error) {
	obj, err := s.client.GetObjectAttributes(
		ctx,
		&s3.GetObjectAttributesInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(id),
			ObjectAttributes: []types.ObjectAttributes{
				types.ObjectAttributesChecksum,
				types.ObjectAttributesObjectSize,
			},
		},
	)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return blobstore.Blob{}, fmt.Errorf("%w (%s)", blobstore.ErrObjectNotFound, id)
		}

		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	downloadURL, err := s.getDownloadURL(ctx, id)
	if err != nil {
		return blobstore.Blob{}, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	var checksum string
	if obj.Checksum != nil && obj.Checksum.ChecksumSHA256 != nil {
		checksum = *obj.Checksum.ChecksumSHA256
	}

	var size int64
	if obj.ObjectSize != nil {
		size = *obj.ObjectSize
	}

	return blobstore.Blob{
		ID:       id,
		Checksum: checksum,
		URL:      downloadURL,
		Filesize: size,
	}, nil
}

// Download returns the content of the object given its presigned URL.
func (s *Store) Download(ctx context.Context, object blobstore.Blob) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, object.URL, nil)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, blobstore.ErrObjectNotFound
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, wheelproxy.NewWrappedError(blobstore.ErrAccessingObject, fmt.Errorf("HTTP response: %s", resp.Status))
	}

	return resp.Body, nil
}

func (s *Store) getDownloadURL(ctx context.Context, id string) (string, error) {
	request, err := s3.NewPresignClient(s.client).PresignGetObject(
		ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(id),
		},
		WithExpiration(s.expiration),
	)
	if err != nil {
		return "", wheelproxy.NewWrappedError(blobstore.ErrCreatingObject, err)
	}

	return request.URL, nil
}
