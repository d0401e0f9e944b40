// Package worker implements the worker command: the Task Runtime Adapter
// (C10) worker pool draining KindSync/KindBuild/KindCompile tasks, plus the
// periodic trigger that keeps every known BackingIndex synchronized.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/s3"
	"github.com/wheelproxy/wheelproxy/pkg/builder"
	"github.com/wheelproxy/wheelproxy/pkg/linkcache"
	"github.com/wheelproxy/wheelproxy/pkg/lock"
	lockpostgres "github.com/wheelproxy/wheelproxy/pkg/lock/postgres"
	"github.com/wheelproxy/wheelproxy/pkg/metrics"
	"github.com/wheelproxy/wheelproxy/pkg/resolver"
	"github.com/wheelproxy/wheelproxy/pkg/store"
	"github.com/wheelproxy/wheelproxy/pkg/store/memory"
	"github.com/wheelproxy/wheelproxy/pkg/store/postgres"
	"github.com/wheelproxy/wheelproxy/pkg/sync"
	s3client "github.com/wheelproxy/wheelproxy/pkg/s3/client"
	"github.com/wheelproxy/wheelproxy/pkg/tasks"
	"github.com/wheelproxy/wheelproxy/pkg/upstream"
	"github.com/wheelproxy/wheelproxy/pkg/upstream/devindex"
	"github.com/wheelproxy/wheelproxy/pkg/upstream/simplexmlrpc"
)

const (
	long = `
Starts the wheelproxy worker.

The worker periodically synchronizes every known BackingIndex against its
upstream registry, and drains a task queue of sync, build and compile
work. A compile request handled synchronously by the server command
already produces an answer on its own; the queue exists for the build
requests a listing or a download triggers when an artifact still needs to
be produced, and for retrying a sync or compile that failed transiently.
`

	example = `
# start a worker that re-syncs every known index every 5 minutes
wheelproxy worker --store-dsn postgres://wheelproxy@localhost/wheelproxy --sync-interval 5m
`
)

// New creates the cobra command for the worker subcommand.
func New() *cobra.Command { //nolint:funlen
	var (
		blobDir        string
		lockDSN        string
		logLevel       string
		s3Bucket       string
		s3Endpoint     string
		s3Region       string
		storeDSN       string
		syncInterval   time.Duration
		unsafePackages []string
		workers        int
	)

	cmd := &cobra.Command{
		Use:     "worker",
		Short:   "wheelproxy background worker",
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

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			metadata, err := newMetadataStore(ctx, storeDSN)
			if err != nil {
				return fmt.Errorf("creating metadata store %w", err)
			}

			blobs, err := newBlobStore(ctx, blobStoreOpts{dir: blobDir, s3Bucket: s3Bucket, s3Endpoint: s3Endpoint, s3Region: s3Region})
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

			resolverSvc, err := resolver.New(resolver.Config{
				Metadata:       metadata,
				Builder:        build,
				Blobs:          blobs,
				Locks:          locks,
				Metrics:        m,
				UnsafePackages: unsafePackages,
			})
			if err != nil {
				return fmt.Errorf("creating dependency resolver %w", err)
			}

			upstreamRegistry := upstream.Registry{
				"simple-xmlrpc": simplexmlrpc.New,
				"dev-index":     devindex.New,
			}
			synchronizer, err := sync.New(sync.Config{
				Metadata: metadata,
				Upstream: upstreamRegistry,
				Cache:    cache,
				Metrics:  m,
			})
			if err != nil {
				return fmt.Errorf("creating index synchronizer %w", err)
			}

			queue := tasks.NewMemoryQueue(workers * 4) //nolint:mnd
			pool, err := tasks.New(tasks.Config{
				Queue:   queue,
				Workers: workers,
				Logger:  log,
				Metrics: m,
				Handlers: map[tasks.Kind]tasks.Handler{
					tasks.KindSync:    syncHandler(metadata, synchronizer),
					tasks.KindBuild:   buildHandler(metadata, build),
					tasks.KindCompile: compileHandler(resolverSvc),
				},
			})
			if err != nil {
				return fmt.Errorf("creating worker pool %w", err)
			}

			pool.Start(ctx)
			defer pool.Stop()

			log.Info("worker started", "sync_interval", syncInterval, "workers", workers)
			runSyncLoop(ctx, log, metadata, queue, syncInterval)

			log.Info("worker stopping")
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "Postgres DSN for the metadata store (BUILDS_STORAGE_DSN). Empty uses an in-memory store.")
	cmd.Flags().StringVar(&lockDSN, "lock-dsn", "", "Postgres DSN for the distributed lock. Defaults to --store-dsn, or an in-memory lock if both are empty.")
	cmd.Flags().StringVarP(&blobDir, "blob-dir", "b", "/tmp/wheelproxy/blobstore", "local directory for the blob store, when not using S3")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket backing the blob store")
	cmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3 endpoint (set for localstack or a non-AWS S3-compatible store)")
	cmd.Flags().StringVar(&s3Region, "s3-region", "", "AWS region for the S3 bucket")
	cmd.Flags().StringSliceVar(&unsafePackages, "unsafe-packages", nil, "UNSAFE_PACKAGES: package names reported separately by a compile")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 5*time.Minute, "how often every known index is re-synchronized")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "number of concurrent task handlers")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "INFO", "log level")

	return cmd
}

// runSyncLoop enqueues a KindSync task for every known BackingIndex on
// every tick, until ctx is cancelled.
func runSyncLoop(ctx context.Context, log *slog.Logger, metadata store.MetadataStore, queue *tasks.MemoryQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enqueueAll := func() {
		indexes, err := metadata.ListIndexes(ctx)
		if err != nil {
			log.Error("listing indexes", "error", err)
			return
		}
		for _, idx := range indexes {
			if err := queue.Enqueue(ctx, tasks.NewSyncTask(idx.Slug)); err != nil {
				log.Error("enqueuing sync task", "index", idx.Slug, "error", err)
			}
		}
	}

	enqueueAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueueAll()
		}
	}
}

func syncHandler(metadata store.MetadataStore, synchronizer *sync.Synchronizer) tasks.Handler {
	return func(ctx context.Context, t tasks.Task) error {
		var payload tasks.SyncPayload
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshaling task payload %w", err)
		}
		idx, err := metadata.GetIndex(ctx, payload.IndexSlug)
		if err != nil {
			return err
		}
		return synchronizer.Sync(ctx, idx)
	}
}

func buildHandler(metadata store.MetadataStore, build *builder.Builder) tasks.Handler {
	return func(ctx context.Context, t tasks.Task) error {
		var payload tasks.BuildPayload
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshaling task payload %w", err)
		}
		platform, err := metadata.GetPlatform(ctx, payload.PlatformSlug)
		if err != nil {
			return err
		}
		release, err := metadata.GetRelease(ctx, payload.PackageKey, payload.Version)
		if err != nil {
			return err
		}
		releaseKey := payload.PackageKey + "/" + payload.Version
		_, err = build.Rebuild(ctx, releaseKey, release, platform, payload.Force)
		return err
	}
}

func compileHandler(resolverSvc *resolver.Service) tasks.Handler {
	return func(ctx context.Context, t tasks.Task) error {
		var payload tasks.CompilePayload
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshaling task payload %w", err)
		}
		return resolverSvc.Compile(ctx, payload.Key)
	}
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
	s3Bucket   string
	s3Endpoint string
	s3Region   string
}

func newBlobStore(_ context.Context, opts blobStoreOpts) (blobstore.BlobStore, error) {
	if opts.s3Bucket == "" {
		return file.NewStore(opts.dir)
	}

	s3Client, err := s3client.New(s3client.Config{Endpoint: opts.s3Endpoint, Region: opts.s3Region})
	if err != nil {
		return nil, err
	}
	return s3.New(s3.Config{Bucket: opts.s3Bucket, Client: s3Client})
}
