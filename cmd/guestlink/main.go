package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codewiresh/guestlink/internal/config"
)

var (
	dataDirFlag  string
	logLevelFlag string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "guestlink",
		Short:         "Multiplexed serial link between a VPN test host and its guest VMs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(dataDir())
			if err != nil {
				return err
			}
			if logLevelFlag != "" {
				cfg.LogLevel = logLevelFlag
			}
			level, err := config.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			setupLogging(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Directory holding guestlink.toml and history.db (default $GUESTLINK_DATA_DIR or ~/.guestlink)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
		loopbackCmd(),
		historyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[guestlink] error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging installs a text handler on terminals and JSON otherwise.
func setupLogging(level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if dir := os.Getenv("GUESTLINK_DATA_DIR"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[guestlink] WARNING: $HOME is not set, using /tmp/.guestlink")
		return "/tmp/.guestlink"
	}
	return filepath.Join(home, ".guestlink")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "[guestlink] shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
