// Command listingd runs the listing ingestion service: the job API, the
// crawl_site worker, and one-off discovery and enqueue tools.
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
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listingd: %v\n", err)
		os.Exit(1)
	}
}
