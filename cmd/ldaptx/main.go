package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/isometry/ldaptx/internal/ldap"
	"github.com/isometry/ldaptx/internal/transaction"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:               "ldaptx",
	Short:             "Operate a pooled, compensating-transaction LDAP client",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "ldaptx.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// setupLogging installs the root logger and the ldap subsystems on the
// context of the command being run.
func setupLogging(cmd *cobra.Command, _ []string) error {
	level := hclog.Info
	if isDebug {
		level = hclog.Debug
	}

	ctx := tfsdklog.NewRootProviderLogger(cmd.Context(),
		tfsdklog.WithLogName("ldaptx"),
		tfsdklog.WithLevel(level),
		tfsdklog.WithoutLocation(),
	)
	cmd.SetContext(ldap.NewLoggingContext(ctx))
	return nil
}

// app is the pooled client stack shared by the subcommands.
type app struct {
	config     *ldap.Config
	factory    *ldap.DialFactory
	classifier *ldap.FailureClassifier
	metrics    *ldap.Metrics
	pool       *ldap.KeyedPool
	reader     *ldap.Reader
}

func newApp(ctx context.Context) (*app, error) {
	config, err := ldap.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	factory, err := ldap.NewDialFactory(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection factory: %w", err)
	}

	a := &app{
		config:     config,
		factory:    factory,
		classifier: ldap.NewFailureClassifier(config.NonTransientKinds()...),
		metrics:    ldap.NewMetrics(prometheus.DefaultRegisterer),
	}

	a.pool, err = ldap.NewKeyedPool(ctx, factory, config,
		ldap.WithClassifier(a.classifier),
		ldap.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	a.reader = ldap.NewReader(a.pool, config)

	return a, nil
}

func (a *app) manager(ctx context.Context) (*transaction.Manager, error) {
	manager, err := transaction.NewManager(ctx, a.factory,
		transaction.WithRenamingStrategy(transaction.RenamingStrategyFromConfig(a.config)),
		transaction.WithClassifier(a.classifier),
		transaction.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction manager: %w", err)
	}
	return manager, nil
}

// resolveBaseDN fills in BaseDN from the root DSE when it is not configured.
func (a *app) resolveBaseDN(ctx context.Context) error {
	if a.config.BaseDN != "" {
		return nil
	}

	baseDN, err := a.reader.BaseDN(ctx)
	if err != nil {
		return fmt.Errorf("base_dn is not set and could not be discovered: %w", err)
	}
	a.config.BaseDN = baseDN
	tflog.Info(ctx, "Discovered base DN", map[string]any{"base_dn": baseDN})
	return nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.pool.Close(); err != nil {
		tflog.Warn(ctx, "Failed to close connection pool", map[string]any{"error": err.Error()})
	}
}

// withApp builds the app for fn and logs any error it returns.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err == nil {
			defer a.Close(ctx)
			err = fn(ctx, a)
		}
		if err != nil {
			tflog.Error(ctx, "ldaptx failed", map[string]any{
				"command": cmd.Name(),
				"error":   err.Error(),
			})
		}
		return err
	}
}
