// Package server implements the wheelproxy server command: the HTTP
// surface of spec §6 (link listing, download redirection, compile and
// resolve), backed by whichever Metadata Store, Blob Store and lock
// backends the flags select.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	blobapiclient "github.com/wheelproxy/wheelproxy/pkg/blobstore/client"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/s3"
	"github.com/wheelproxy/wheelproxy/pkg/builder"
	"github.com/wheelproxy/wheelproxy/pkg/download"
	"github.com/wheelproxy/wheelproxy/pkg/links"
	"github.com/wheelproxy/wheelproxy/pkg/linkcache"
	"github.com/wheelproxy/wheelproxy/pkg/lock"
	lockpostgres "github.com/wheelproxy/wheelproxy/pkg/lock/postgres"
	"github.com/wheelproxy/wheelproxy/pkg/metrics"
	"github.com/wheelproxy/wheelproxy/pkg/resolver"
	s3client "github.com/wheelproxy/wheelproxy/pkg/s3/client"
	"github.com/wheelproxy/wheelproxy/pkg/server"
	"github.com/wheelproxy/wheelproxy/pkg/store"
	"github.com/wheelproxy/wheelproxy/pkg/store/memory"
	"github.com/wheelproxy/wheelproxy/pkg/store/postgres"
	"github.com/wheelproxy/wheelproxy/pkg/tasks"
)

const (
	long = `
Starts the wheelproxy server.

The server exposes the proxy's /simple-style package index: link listing,
download redirection and pip-tools-compatible compile/resolve endpoints,
per package index and target platform.

The index listing and the compiled/resolved requirements are served
straight off the Metadata Store and Blob Store; builds that are still
missing fall back to a redirect to the upstream release, and are enqueued
for the worker command to pick up.
`

	example = `
# start the server against an in-memory store, for local experimentation
wheelproxy server

# start the server against Postgres and S3
wheelproxy server \
    --store-dsn postgres://wheelproxy@localhost/wheelproxy \
    --lock-dsn postgres://wheelproxy@localhost/wheelproxy \
    --s3-bucket wheelproxy-blobs --s3-region us-east-1

# a built wheel is always served directly unless told to redirect instead
wheelproxy server --always-redirect-downloads
`
)

// New creates the cobra command for the server subcommand.
func New() *cobra.Command { //nolint:funlen
	var (
		alwaysRedirectDownloads bool
		blobDir                 string
		blobServerURL           string
		lockDSN                 string
		logLevel                string
		port                    int
		queueCapacity           int
		s3Bucket                string
		s3Endpoint              string
		s3Region                string
		storeDSN                string
		unsafePackages          []string
	)

	cmd := &cobra.Command{
		Use:     "server",
		Short:   "wheelproxy HTTP server",
		Long:    long,
		Example: example,
		// prevent the usage help to printed to stderr when an error is reported by a subcommand
		SilenceUsage: true,
		// this is needed to prevent cobra to print errors reported by subcommands in the stderr
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ll, err := wheelproxy.ParseLogLevel(logLevel)
			if err != nil {
				return fmt.Errorf("parsing log level %w", err)
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ll}))

			ctx := cmd.Context()

			metadata, err := newMetadataStore(ctx, storeDSN)
			if err != nil {
				return fmt.Errorf("creating metadata store %w", err)
			}

			blobs, err := newBlobStore(ctx, blobStoreOpts{
				dir:        blobDir,
				serverURL:  blobServerURL,
				s3Bucket:   s3Bucket,
				s3Endpoint: s3Endpoint,
				s3Region:   s3Region,
			})
			if err != nil {
				return fmt.Errorf("creating blob store %w", err)
			}

			effectiveLockDSN := lockDSN
			if effectiveLockDSN == "" {
				effectiveLockDSN = storeDSN
			}
			locks, err := newLock(ctx, effectiveLockDSN)
			if err != nil {
				return fmt.Errorf("creating lock %w", err)
			}

			cache, err := linkcache.New(linkcache.DefaultConfig)
			if err != nil {
				return fmt.Errorf("creating link cache %w", err)
			}

			queue := tasks.NewMemoryQueue(queueCapacity)
			reg := prometheus.NewRegistry()
			m := metrics.New()
			if err := m.Register(reg); err != nil {
				return fmt.Errorf("registering metrics %w", err)
			}

			dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				return fmt.Errorf("creating docker client %w", err)
			}

			build, err := builder.New(ctx, builder.Config{
				Docker:   dockerClient,
				Blobs:    blobs,
				Metadata: metadata,
				Locks:    locks,
				Cache:    cache,
				Metrics:  m,
			})
			if err != nil {
				return fmt.Errorf("creating build executor %w", err)
			}

			linksSvc, err := links.New(links.Config{
				Metadata: metadata,
				Blobs:    blobs,
				Cache:    cache,
				Queue:    queue,
				Metrics:  m,
			})
			if err != nil {
				return fmt.Errorf("creating link listing service %w", err)
			}

			downloadsSvc, err := download.New(download.Config{
				Metadata:                metadata,
				Blobs:                   blobs,
				Queue:                   queue,
				AlwaysRedirectDownloads: alwaysRedirectDownloads,
			})
			if err != nil {
				return fmt.Errorf("creating download redirector %w", err)
			}

			resolverSvc, err := resolver.New(resolver.Config{
				Metadata:       metadata,
				Builder:        build,
				Blobs:          blobs,
				Locks:          locks,
				Queue:          queue,
				Metrics:        m,
				UnsafePackages: unsafePackages,
			})
			if err != nil {
				return fmt.Errorf("creating dependency resolver %w", err)
			}

			handler := server.New(server.Config{
				Links:     linksSvc,
				Downloads: downloadsSvc,
				Resolver:  resolverSvc,
				Metadata:  metadata,
				Log:       log,
			})

			listenAddr := fmt.Sprintf("0.0.0.0:%d", port)
			log.Info("starting server", "address", listenAddr)
			err = http.ListenAndServe(listenAddr, handler) //nolint:gosec
			if err != nil {
				log.Info("server ended", "error", err.Error())
			}
			log.Info("ending server")

			return nil
		},
	}

	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "Postgres DSN for the metadata store (BUILDS_STORAGE_DSN). Empty uses an in-memory store.")
	cmd.Flags().StringVar(&lockDSN, "lock-dsn", "", "Postgres DSN for the distributed lock. Defaults to --store-dsn, or an in-memory lock if both are empty.")
	cmd.Flags().StringVarP(&blobDir, "blob-dir", "b", "/tmp/wheelproxy/blobstore", "local directory for the blob store, when not using S3 or a remote blob server")
	cmd.Flags().StringVar(&blobServerURL, "blob-server-url", "", "remote blob store server URL, for a shared store fronted by the blobserver command")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket backing the blob store")
	cmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3 endpoint (set for localstack or a non-AWS S3-compatible store)")
	cmd.Flags().StringVar(&s3Region, "s3-region", "", "AWS region for the S3 bucket")
	cmd.Flags().BoolVar(&alwaysRedirectDownloads, "always-redirect-downloads", false, "ALWAYS_REDIRECT_DOWNLOADS: redirect every download to the blob's own URL instead of proxying its bytes")
	cmd.Flags().StringSliceVar(&unsafePackages, "unsafe-packages", nil, "UNSAFE_PACKAGES: package names to list separately at the foot of a compiled requirements file (defaults to setuptools)")
	cmd.Flags().IntVarP(&queueCapacity, "queue-capacity", "q", 1024, "in-process task queue capacity")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "port the server will listen on")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "INFO", "log level")

	return cmd
}

func newMetadataStore(ctx context.Context, dsn string) (store.MetadataStore, error) {
	if dsn == "" {
		return memory.New(), nil
	}
	return postgres.New(ctx, dsn)
}

func newLock(ctx context.Context, dsn string) (lock.Lock, error) {
	if dsn == "" {
		return lock.NewMemoryLock(), nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return lockpostgres.New(pool)
}

type blobStoreOpts struct {
	dir        string
	serverURL  string
	s3Bucket   string
	s3Endpoint string
	s3Region   string
}

func newBlobStore(_ context.Context, opts blobStoreOpts) (blobstore.BlobStore, error) {
	switch {
	case opts.s3Bucket != "":
		s3Client, err := s3client.New(s3client.Config{Endpoint: opts.s3Endpoint, Region: opts.s3Region})
		if err != nil {
			return nil, err
		}
		return s3.New(s3.Config{Bucket: opts.s3Bucket, Client: s3Client})
	case opts.serverURL != "":
		return blobapiclient.New(blobapiclient.Config{Server: strings.TrimRight(opts.serverURL, "/")})
	default:
		return file.NewStore(opts.dir)
	}
}
