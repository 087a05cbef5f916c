package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-taskpost/internal/config"
	"github.com/basket/go-taskpost/internal/persistence"
)

var (
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	statusLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(24)
	statusValue = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskpost status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	stats, err := store.ReadStats(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "read stats: %v\n", err)
		return 1
	}

	fmt.Println(statusTitle.Render("taskpost exchange"))
	row("database", cfg.DBPath)
	row("runs", fmt.Sprintf("%d", stats.Runs))
	row("nodes", fmt.Sprintf("%d (%d online)", stats.NodesTotal, stats.NodesOnline))
	row("instructions pending", fmt.Sprintf("%d", stats.InstructionsPending))
	row("instructions delivered", fmt.Sprintf("%d", stats.InstructionsDelivered))
	row("results pending", fmt.Sprintf("%d", stats.ResultsPending))
	row("results delivered", fmt.Sprintf("%d", stats.ResultsDelivered))
	if stats.Expired > 0 {
		fmt.Println(statusLabel.Render("awaiting sweep") + statusWarn.Render(fmt.Sprintf("%d", stats.Expired)))
	}
	return 0
}

func row(label, value string) {
	fmt.Println(statusLabel.Render(label) + statusValue.Render(value))
}
