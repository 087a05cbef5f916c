// Package doctor runs operator-facing diagnostics: config sanity, prune
// schedule validity, database health, and filesystem permissions for the
// exchange home.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-taskpost/internal/config"
	"github.com/basket/go-taskpost/internal/cron"
	"github.com/basket/go-taskpost/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkSchedule,
		checkDatabase,
		checkPermissions,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Healthy reports whether no check failed. Warnings do not count as failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.MessageExpiresAfterSeconds < cfg.SweepIntervalSeconds {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "Message expiry is shorter than the sweep interval",
			Detail:  "Records may expire and linger until the next sweep pass",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Prune Schedule", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.PruneSchedule == "" {
		return CheckResult{Name: "Prune Schedule", Status: "WARN", Message: "Node pruning disabled; stale registry rows accumulate"}
	}
	next, err := cron.NextRunTime(cfg.PruneSchedule, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "Prune Schedule",
			Status:  "FAIL",
			Message: fmt.Sprintf("Invalid cron expression %q", cfg.PruneSchedule),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Prune Schedule", Status: "PASS", Message: fmt.Sprintf("Next deep pass at %s", next.Format(time.RFC3339))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.ReadStats(ctx, time.Now())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail: fmt.Sprintf("%d runs, %d nodes (%d online), %d pending instructions, %d pending results",
			stats.Runs, stats.NodesTotal, stats.NodesOnline, stats.InstructionsPending, stats.ResultsPending),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}
