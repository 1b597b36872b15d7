package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/ccw-mcp/internal/config"
	"github.com/ehrlich-b/ccw-mcp/internal/logger"
	"github.com/ehrlich-b/ccw-mcp/internal/policy"
	"github.com/ehrlich-b/ccw-mcp/internal/promote"
	"github.com/ehrlich-b/ccw-mcp/internal/registry"
	"github.com/ehrlich-b/ccw-mcp/internal/rpc"
	"github.com/ehrlich-b/ccw-mcp/internal/witness"
)

func main() {
	root := &cobra.Command{
		Use:   "ccw-mcp",
		Short: "counterfactual execution service, speaking JSON-RPC over stdio",
		RunE:  run,
	}

	root.Flags().Bool("stdio", true, "serve JSON-RPC over stdin/stdout (the only supported transport)")
	root.Flags().String("storage", "", "capsule/witness storage directory (defaults to <home>/.ccw-mcp)")
	root.Flags().String("log-level", "info", "log level: debug|info|warn|error")
	root.Flags().String("log-file", "", "optional log file, in addition to stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	if err := logger.Init(level, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	storageFlag, _ := cmd.Flags().GetString("storage")
	cfg, err := config.Load(home, storageFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.New(filepath.Join(cfg.StorageDir, "capsules"))
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	wit, err := witness.New(filepath.Join(cfg.StorageDir, "witnesses"))
	if err != nil {
		return fmt.Errorf("init witness engine: %w", err)
	}

	pol := policy.New()
	for _, rule := range cfg.DefaultPolicies {
		pol.Add(rule)
	}
	bundlePath := filepath.Join(cfg.StorageDir, "policies.yaml")
	if _, statErr := os.Stat(bundlePath); statErr == nil {
		if err := pol.LoadBundle(bundlePath); err != nil {
			logger.Warn("ccw-mcp: policy bundle load failed", "path", bundlePath, "err", err)
		}
	}

	prom := promote.New(pol)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := reg.Rehydrate(ctx); err != nil {
		logger.Warn("ccw-mcp: rehydrate failed", "err", err)
	}
	go reg.WatchEvictions(ctx)

	srv := &rpc.Server{
		Registry: reg,
		Witness:  wit,
		Policy:   pol,
		Promote:  prom,
	}

	logger.Info("ccw-mcp: serving", "storage", cfg.StorageDir)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, os.Stdin, os.Stdout)
	}()

	select {
	case <-ctx.Done():
		logger.Info("ccw-mcp: shutting down")
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("ccw-mcp: serve failed", "err", err)
		}
		return err
	}
}
