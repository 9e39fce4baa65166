// Command frontier runs the crawl frontier service and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultAppFactory).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "frontier: %v\n", err)
		stop()
		os.Exit(1)
	}
}
