// Command s3journal streams newline-delimited entries from stdin to an
// S3-compatible object store through a crash-durable journal.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/s3-journal/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
