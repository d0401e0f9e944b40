// Package blobserver implements the blobserver command: a standalone Blob
// Store server, for deployments where the server command reaches its
// object store over the network instead of talking to S3 directly.
package blobserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/wheelproxy/wheelproxy"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/api"
	"github.com/wheelproxy/wheelproxy/pkg/blobstore/file"
)

const (
	long = `
Starts a standalone wheelproxy blob store server.

The blob store server offers a REST API for storing and downloading blobs:
built artifacts, compiled requirements logs and cached release files.

Point the server command's --blob-server-url flag at it to use one
local-disk blob store from another process without S3. The worker command
has no such flag: it uses a local directory or S3.
`

	example = `
# start the blob store server on its default port
wheelproxy blobserver --blob-dir /var/lib/wheelproxy/blobs

# store and fetch a blob directly, for debugging
curl -X POST http://localhost:9000/pypi/flask/2.0.1/flask-2.0.1.tar.gz --data-binary @flask-2.0.1.tar.gz
curl http://localhost:9000/pypi/flask/2.0.1/flask-2.0.1.tar.gz
`
)

// New creates the cobra command for the blobserver subcommand.
func New() *cobra.Command {
	var (
		blobDir  string
		logLevel string
		port     int
	)

	cmd := &cobra.Command{
		Use:     "blobserver",
		Short:   "standalone wheelproxy blob store server",
		Long:    long,
		Example: example,
		// prevent the usage help to printed to stderr when an error is reported by a subcommand
		SilenceUsage: true,
		// this is needed to prevent cobra to print errors reported by subcommands in the stderr
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			ll, err := wheelproxy.ParseLogLevel(logLevel)
			if err != nil {
				return fmt.Errorf("parsing log level %w", err)
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ll}))

			store, err := file.NewStore(blobDir)
			if err != nil {
				return fmt.Errorf("creating blob store %w", err)
			}

			srv := api.NewServer(api.ServerConfig{Store: store, Log: log})

			listenAddr := fmt.Sprintf("0.0.0.0:%d", port)
			log.Info("starting blob store server", "address", listenAddr)
			err = http.ListenAndServe(listenAddr, srv) //nolint:gosec
			if err != nil {
				log.Info("server ended", "error", err.Error())
			}
			log.Info("ending server")

			return nil
		},
	}

	cmd.Flags().StringVarP(&blobDir, "blob-dir", "b", "/tmp/wheelproxy/blobstore", "blob store directory")
	cmd.Flags().IntVarP(&port, "port", "p", 9000, "port the server will listen on")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "INFO", "log level")

	return cmd
}
