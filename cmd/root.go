// Package cmd wires the wheelproxy subcommands into a single root
// cobra command, for consumption by a main package or a documentation
// generator.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wheelproxy/wheelproxy/cmd/blobserver"
	"github.com/wheelproxy/wheelproxy/cmd/migrate"
	"github.com/wheelproxy/wheelproxy/cmd/server"
	"github.com/wheelproxy/wheelproxy/cmd/worker"
)

const long = `
wheelproxy is a caching, compiling proxy for a Python package index.

It serves a pip/pip-tools-compatible simple index backed by a Metadata
Store and a Blob Store, building missing wheels on demand and caching
compiled requirements per package index and target platform.
`

// New creates the wheelproxy root cobra command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wheelproxy",
		Short: "caching, compiling proxy for a Python package index",
		Long:  long,
		// prevent the usage help to printed to stderr when an error is reported by a subcommand
		SilenceUsage: true,
		// this is needed to prevent cobra to print errors reported by subcommands in the stderr
		SilenceErrors: true,
	}

	cmd.AddCommand(server.New(), worker.New(), blobserver.New(), migrate.New())

	return cmd
}
