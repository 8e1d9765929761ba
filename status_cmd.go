package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgnsrekt/kokorod/internal/ttypes"
	"github.com/spf13/cobra"
)

var (
	statusTail int

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Start the worker and report its state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
)

func init() {
	statusCmd.Flags().IntVarP(&statusTail, "tail", "n", 10, "recent worker stderr lines to show")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	svc, cfg, err := newService()
	if err != nil {
		return err
	}
	defer shutdownService(svc, cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StartupTimeout+cfg.RestartCooldown)
	defer cancel()
	startErr := svc.Start(ctx)

	fmt.Println(renderStatus(svc.Status()))
	if tail := svc.StderrTail(statusTail); len(tail) > 0 {
		fmt.Println()
		fmt.Println(faintStyle.Render("worker stderr:"))
		for _, line := range tail {
			fmt.Println(faintStyle.Render("  " + line))
		}
	}
	return startErr
}

func renderStatus(st ttypes.Status) string {
	state := st.State.String()
	switch {
	case st.Healthy:
		state = okStyle.Render(state)
	case st.RestartsExhausted || st.State == ttypes.WorkerCrashed:
		state = errStyle.Render(state)
	default:
		state = warnStyle.Render(state)
	}

	lines := []string{
		row("state", state),
		row("pid", st.PID),
		row("slots", fmt.Sprintf("%d of %d busy", st.Active, st.Ceiling)),
		row("queued", st.QueueLength),
		row("pending", st.PendingRequests),
		row("restarts", st.RestartAttempts),
		row("requests", st.TotalRequests),
	}
	if st.Degraded {
		lines = append(lines, row("health", warnStyle.Render("degraded")))
	}
	if st.RestartsExhausted {
		lines = append(lines, row("restarts", errStyle.Render("exhausted")))
	}
	if st.LastError != "" {
		lines = append(lines, row("last error", st.LastError))
	}
	return strings.Join(lines, "\n")
}
