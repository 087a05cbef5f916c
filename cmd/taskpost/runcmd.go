package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/basket/go-taskpost/internal/config"
	"github.com/basket/go-taskpost/internal/exchange"
	"github.com/basket/go-taskpost/internal/persistence"
)

// openExchange wires a coordinator for one-shot CLI commands, with logging
// discarded so command output stays clean. The caller must Close the
// returned store.
func openExchange() (*exchange.Coordinator, *persistence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	coord := exchange.New(exchange.Config{
		Store:               store,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxPullLimit:        cfg.MaxPullLimit,
		MessageExpiresAfter: cfg.MessageExpiresAfter(),
	})
	return coord, store, nil
}

func runRunCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskpost run <create|list|delete> [args]")
		return 2
	}

	coord, store, err := openExchange()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	switch args[0] {
	case "create":
		runID, err := coord.CreateRun(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create run: %v\n", err)
			return 1
		}
		fmt.Println(runID)
		return 0

	case "list":
		runs, err := store.ListRuns(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
			return 1
		}
		for _, id := range runs {
			fmt.Println(id)
		}
		return 0

	case "delete":
		rest := args[1:]
		cascade := false
		if len(rest) > 0 && (rest[0] == "-cascade" || rest[0] == "--cascade") {
			cascade = true
			rest = rest[1:]
		}
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: taskpost run delete [-cascade] <run-id>")
			return 2
		}
		runID, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid run id %q\n", rest[0])
			return 2
		}
		if err := coord.DeleteRun(ctx, runID, cascade); err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				fmt.Fprintln(os.Stderr, "run still has task records; re-run with -cascade to remove them")
				return 1
			}
			fmt.Fprintf(os.Stderr, "delete run: %v\n", err)
			return 1
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown run action %q\n", args[0])
		return 2
	}
}

func runSweepCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskpost sweep")
		return 2
	}

	coord, store, err := openExchange()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	stats, err := coord.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Printf("swept %d instructions, %d results in %s\n", stats.Instructions, stats.Results, stats.Duration)
	return 0
}
