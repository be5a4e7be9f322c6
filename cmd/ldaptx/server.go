package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/isometry/ldaptx/internal/ldap"
)

var (
	listenAddr    string
	checkInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /health and /metrics until interrupted",
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":9090", "address to serve /health and /metrics on")
	serveCmd.Flags().DurationVar(&checkInterval, "interval", 30*time.Second, "health check interval")
	serveCmd.RunE = withApp(func(ctx context.Context, a *app) error {
		if err := checkHealth(ctx, a.pool); err != nil {
			tflog.Warn(ctx, "Initial health check failed", map[string]any{"error": err.Error()})
		}
		return serve(ctx, a.pool, listenAddr, checkInterval)
	})
	rootCmd.AddCommand(serveCmd)
}

// serve exposes /health and /metrics and re-checks pool health every
// interval until ctx is cancelled.
func serve(ctx context.Context, pool *ldap.KeyedPool, addr string, interval time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		report := map[string]any{"status": "healthy"}
		if err := pool.HealthCheck(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			report["status"] = "unhealthy"
			report["error"] = err.Error()
		}

		stats := make(map[string]ldap.PoolStats, len(ldap.Modes))
		for _, mode := range ldap.Modes {
			stats[mode.String()] = pool.Stats(mode)
		}
		report["pools"] = stats

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		tflog.Info(ctx, "Serving health and metrics", map[string]any{"addr": addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			tflog.Info(ctx, "Shutting down")
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := checkHealth(ctx, pool); err != nil {
				tflog.Warn(ctx, "Health check failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
