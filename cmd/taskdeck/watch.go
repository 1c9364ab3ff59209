package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/taskdeck/internal/config"
	"github.com/basket/taskdeck/internal/tui"
	"github.com/mattn/go-isatty"
)

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	urlFlag := fs.String("url", "", "server base URL (default: bind_addr from config.yaml)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "watch needs a terminal; curl the /events stream for raw output")
		return 2
	}

	base := strings.TrimSpace(*urlFlag)
	if base == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		base = "http://" + cfg.BindAddr
	}
	base = strings.TrimRight(base, "/")

	if err := tui.Watch(ctx, base); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
