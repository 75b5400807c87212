// Command txnhook runs the transaction state manager, event pipeline,
// and webhook delivery engine as a single long-running process. It is
// a thin flag-parsing shell around internal/app.App, which owns every
// dependency the service actually needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hookdeck/txnhook/internal/app"
	"github.com/hookdeck/txnhook/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or .env config file (optional; environment variables always override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "txnhook: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := app.New(cfg).Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "txnhook: %v\n", err)
		os.Exit(1)
	}
}
