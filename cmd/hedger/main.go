// Command hedger runs the delta-neutral options hedger.
package main

import (
	"context"
	"fmt"
	"os"
	_ "time/tzdata"

	"delta-hedger/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
