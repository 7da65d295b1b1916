package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anhtranbk/sockrpc"
)

type globalFlags struct {
	configPath string
	url        string
	timeout    time.Duration
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "sockrpc",
		Short:         "Talk to a game backend over a correlated websocket channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a yaml config file")
	cmd.PersistentFlags().StringVar(&flags.url, "url", "", "websocket endpoint, overrides the config file")
	cmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "per-call timeout, overrides the config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(
		serveCmd(flags),
		heartbeatCmd(flags),
		createPlayerCmd(flags),
		getPlayerCmd(flags),
		setPlayerCmd(flags),
		deletePlayerCmd(flags),
		createRoomCmd(flags),
		listPlayersCmd(flags),
		watchCmd(flags),
	)
	return cmd
}

func (f *globalFlags) load() (sockrpc.Config, *zap.Logger, error) {
	cfg, err := sockrpc.LoadConfig(f.configPath)
	if err != nil {
		return sockrpc.Config{}, nil, err
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.timeout > 0 {
		cfg.DefaultTimeout = f.timeout
	}
	if f.logLevel != "" {
		cfg.Logger.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return sockrpc.Config{}, nil, err
	}
	logger, err := sockrpc.NewLogger(cfg.Logger)
	if err != nil {
		return sockrpc.Config{}, nil, err
	}
	return cfg, logger, nil
}

// dial loads the configuration and connects. The cleanup closes the client
// and flushes the logger.
func (f *globalFlags) dial(ctx context.Context) (*sockrpc.Client, func(), error) {
	cfg, logger, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	client, err := dialClient(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		_ = client.Close()
		_ = logger.Sync()
	}
	return client, cleanup, nil
}

func dialClient(ctx context.Context, cfg sockrpc.Config, logger *zap.Logger, opts ...sockrpc.Option) (*sockrpc.Client, error) {
	opts = append([]sockrpc.Option{sockrpc.WithLogger(logger)}, opts...)
	return sockrpc.Dial(ctx, cfg, opts...)
}
