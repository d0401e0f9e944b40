// Command wheelproxy runs the caching, compiling Python package index
// proxy: the server, worker, blobserver and migrate subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/wheelproxy/wheelproxy/cmd"
)

func main() {
	if err := cmd.New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
