package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/patchctl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a patchctl TOML config")
	profile := flag.String("profile", "", "profile whose script set is loaded (overrides config)")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadConfig(*configPath, *profile, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "patchctl: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "patchctl: %v\n", err)
		os.Exit(1)
	}
}
