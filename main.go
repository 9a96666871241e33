// tarfetch - bulk resumable downloader for archive manifests.
//
// Build with: go build -ldflags "-X github.com/rescale/tarfetch/internal/version.Version=vX.Y.Z"
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rescale/tarfetch/internal/cli"
	"github.com/rescale/tarfetch/internal/transfer"
)

func main() {
	if err := cli.Execute(); err != nil {
		if !errors.Is(err, transfer.ErrAborted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
