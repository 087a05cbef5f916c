package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-taskpost/internal/audit"
	"github.com/basket/go-taskpost/internal/bus"
	"github.com/basket/go-taskpost/internal/config"
	"github.com/basket/go-taskpost/internal/cron"
	"github.com/basket/go-taskpost/internal/exchange"
	otelPkg "github.com/basket/go-taskpost/internal/otel"
	"github.com/basket/go-taskpost/internal/persistence"
	"github.com/basket/go-taskpost/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the exchange maintenance daemon
                              (expiry sweeps, scheduled node pruning)

SUBCOMMANDS:
  %s status                   Show exchange storage statistics
  %s run <action>             Manage runs
                              Actions: create, list, delete [-cascade] <id>
  %s sweep                    Run one expiry sweep and exit
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKPOST_HOME                    Data directory (default: ~/.taskpost)
  TASKPOST_DB_PATH                 Database file override
  TASKPOST_LOG_LEVEL               Log level (debug, info, warn, error)
  TASKPOST_SWEEP_INTERVAL_SECONDS  Expiry sweep cadence
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run the maintenance daemon")
	flag.Usage = printUsage
	flag.Parse()

	// Quiet logs (file-only) on an interactive terminal so CLI output
	// stays clean; the daemon logs to stdout as well.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "run":
			os.Exit(runRunCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	coord := exchange.New(exchange.Config{
		Store:               store,
		Logger:              logger,
		Bus:                 eventBus,
		Metrics:             metrics,
		MaxPullLimit:        cfg.MaxPullLimit,
		MessageExpiresAfter: cfg.MessageExpiresAfter(),
	})

	sweeper, err := cron.NewSweeper(cron.Config{
		Maintainer:    coord,
		Logger:        logger,
		Interval:      cfg.SweepInterval(),
		PruneSchedule: cfg.PruneSchedule,
		NodeRetention: time.Duration(cfg.NodeRetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logLevel.Set(telemetry.ParseLevel(reloaded.LogLevel))
				sweeper.SetInterval(reloaded.SweepInterval())
				logger.Info("config reloaded",
					"fingerprint", reloaded.Fingerprint(),
					"log_level", reloaded.LogLevel,
					"sweep_interval", reloaded.SweepInterval())
			}
		}()
	}

	logger.Info("startup phase", "phase", "daemon_ready",
		"sweep_interval", cfg.SweepInterval(),
		"prune_schedule", cfg.PruneSchedule)

	<-ctx.Done()
	logger.Info("shutting down", "reason", "signal")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", fmt.Sprintf("%s: %s", reasonCode, message))

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"exchange","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. Missing file is fine.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
