// Command portfoliodb resolves broker descriptors into canonical instruments.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/leedenison/portfoliodb/internal/cli"
	"github.com/leedenison/portfoliodb/internal/logging"
)

func main() {
	root := cli.NewRootCmd(logging.NewLogger())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
