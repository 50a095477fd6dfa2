// Package main is the entry point for the sentryvibe-runner binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Merge configuration (flags, SENTRYVIBE_* env, optional runner.yaml)
//  2. Build logger
//  3. Open the workspace directory
//  4. Build supervisor, tunnel manager, and build executor around the
//     command handler
//  5. Start the broker connection loop
//  6. Block until SIGINT/SIGTERM, then stop children and tunnels
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/protocol"
	"github.com/codyde/sentryvibe/internal/runner/build"
	"github.com/codyde/sentryvibe/internal/runner/config"
	"github.com/codyde/sentryvibe/internal/runner/connection"
	"github.com/codyde/sentryvibe/internal/runner/supervisor"
	"github.com/codyde/sentryvibe/internal/runner/tunnel"
	"github.com/codyde/sentryvibe/internal/runner/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes let wrapping scripts tell configuration problems apart from
// project bootstrap failures.
const (
	exitConfigInvalid = 2
	exitInstallFailed = 3
	exitBuildFailed   = 4
)

// exitError carries a process exit code alongside the underlying error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigInvalid)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "sentryvibe-runner",
		Short: "SentryVibe runner — executes builds and hosts dev servers",
		Long: `The SentryVibe runner attaches to a broker over WebSocket, receives
build and dev-server commands, supervises the resulting child processes,
and exposes dev servers through cloudflared quick tunnels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newBootstrapCmd())

	if err := cfg.BindFlags(root.PersistentFlags()); err != nil {
		// Only duplicate or malformed option definitions reach this, which is
		// a programming error rather than user input.
		panic(err)
	}

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentryvibe-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfigInvalid, err: err}
	}

	logger, err := buildLogger(cfg.LogLevel())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting sentryvibe runner",
		zap.String("version", version),
		zap.String("broker", cfg.BrokerURL()),
		zap.String("runner_id", cfg.RunnerID()),
		zap.String("workspace", cfg.WorkspaceDir()),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	files, err := workspace.New(cfg.WorkspaceDir(), logger)
	if err != nil {
		return &exitError{code: exitConfigInvalid, err: err}
	}

	// The handler is every component's event sink (it watches port
	// detections to recreate tunnels), and the manager is the handler's.
	// The manager is constructed last, so the handler reaches it through a
	// late-bound forwarder.
	var mgr *connection.Manager
	handler := connection.NewHandler(connection.SinkFunc(func(evt *protocol.Event) {
		mgr.SendEvent(evt)
	}), logger)

	sup := supervisor.New(handler, logger)
	tun := tunnel.New(cfg.TunnelBinary(), handler, logger)

	var providers []build.AgentProvider
	if cfg.AgentCommand() != "" {
		providers = append(providers, build.NewCLIProvider(cfg.AgentName(), cfg.AgentCommand(), logger))
	} else {
		logger.Warn("no agent command configured — start-build commands will fail (set SENTRYVIBE_AGENT_COMMAND)")
	}
	bld := build.New(providers, cfg.AgentName(), files.Root(), handler, logger)

	handler.SetComponents(sup, tun, bld, files)

	mgr = connection.New(connection.Config{
		BrokerURL: cfg.BrokerURL(),
		RunnerID:  cfg.RunnerID(),
		Secret:    cfg.RunnerSecret(),
		Version:   version,
	}, handler, sup, logger)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("stopping children and tunnels")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	sup.StopAll(stopCtx)
	tun.CloseAll()

	logger.Info("sentryvibe runner stopped")
	return nil
}

// newBootstrapCmd prepares a project directory without a broker: install
// dependencies, then run the build. Useful for seeding a workspace or
// debugging a project that fails under the supervisor.
func newBootstrapCmd() *cobra.Command {
	var installCommand, buildCommand string

	cmd := &cobra.Command{
		Use:   "bootstrap <project-dir>",
		Short: "Install dependencies and build a project directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return &exitError{code: exitConfigInvalid, err: fmt.Errorf("not a directory: %s", dir)}
			}

			if err := runShell(cmd.Context(), dir, installCommand); err != nil {
				return &exitError{code: exitInstallFailed, err: fmt.Errorf("dependency install failed: %w", err)}
			}
			if err := runShell(cmd.Context(), dir, buildCommand); err != nil {
				return &exitError{code: exitBuildFailed, err: fmt.Errorf("build failed: %w", err)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&installCommand, "install-command", "npm install", "Dependency install command")
	cmd.Flags().StringVar(&buildCommand, "build-command", "npm run build", "Build command")
	return cmd
}

func runShell(ctx context.Context, dir, command string) error {
	fmt.Printf("$ %s\n", command)
	c := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	c.Dir = dir
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Env = append(os.Environ(), "CI=false")
	return c.Run()
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
