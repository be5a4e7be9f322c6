package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldaptx/internal/ldap"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Borrow one connection per mode and print pool statistics",
}

func init() {
	healthCmd.RunE = withApp(func(ctx context.Context, a *app) error {
		if err := checkHealth(ctx, a.pool); err != nil {
			return err
		}
		if err := a.resolveBaseDN(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(healthCmd.OutOrStdout(), "base DN: %s\n\n", a.config.BaseDN)
		return printStats(healthCmd.OutOrStdout(), a.pool)
	})
	rootCmd.AddCommand(healthCmd)
}

// checkHealth borrows one connection per mode and logs partition stats.
func checkHealth(ctx context.Context, pool *ldap.KeyedPool) error {
	healthErr := pool.HealthCheck(ctx)

	for _, mode := range ldap.Modes {
		stats := pool.Stats(mode)
		tflog.Info(ctx, "Pool stats", map[string]any{
			"mode":               mode.String(),
			"active":             stats.Active,
			"idle":               stats.Idle,
			"created":            stats.Created,
			"destroyed":          stats.Destroyed,
			"borrowed":           stats.Borrowed,
			"exhausted":          stats.Exhausted,
			"validation_failure": stats.ValidationFailure,
			"uptime":             stats.Uptime.Round(time.Second).String(),
		})
	}

	if healthErr != nil {
		if errors.Is(healthErr, ldap.ErrPoolExhausted) {
			tflog.Warn(ctx, "Pool exhausted during health check")
		}
		return healthErr
	}
	return nil
}

// printStats writes one table row per pool partition.
func printStats(out io.Writer, pool *ldap.KeyedPool) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODE\tACTIVE\tIDLE\tCREATED\tDESTROYED\tBORROWED\tEXHAUSTED\tINVALID")

	for _, mode := range ldap.Modes {
		s := pool.Stats(mode)
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			mode, s.Active, s.Idle, s.Created, s.Destroyed, s.Borrowed, s.Exhausted, s.ValidationFailure)
	}

	return w.Flush()
}
