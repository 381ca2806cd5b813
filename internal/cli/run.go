// Package cli dispatches the burrow subcommands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/burrowhq/burrow/internal/client"
	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/log"
	"github.com/burrowhq/burrow/internal/server"
)

const usage = `burrow - self-hosted HTTP(S) reverse tunnel

Usage:
  burrow server --config <path>     run the public relay
  burrow client --server <url> --token <token> --port <port>
                                    expose a local port through the relay

Run "burrow <command> -h" for command flags.
`

// Run executes the command line and returns the process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "client":
		return runClient(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func runServer(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", envOrDefault("BURROW_CONFIG", "/etc/burrow/server.toml"), "Path to the server config file")
	logLevel := fs.String("log-level", envOrDefault("BURROW_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := log.New(*logLevel)
	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	logger.Info("starting relay",
		"domain", cfg.Server.Domain,
		"http_port", cfg.Server.HTTPPort,
		"https", cfg.TLSEnabled())

	if err := server.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("server failed", "err", err)
		return 1
	}
	return 0
}

func runClient(ctx context.Context, args []string) int {
	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := log.New(cfg.LogLevel)
	c := client.New(cfg, logger)
	c.OnRegistered = func(subdomain, url string) {
		logger.Info("tunnel online", "subdomain", subdomain, "url", url,
			"origin", fmt.Sprintf("%s:%d", cfg.LocalHost, cfg.LocalPort))
	}

	if err := c.Run(ctx); err != nil {
		logger.Error("client exited", "err", err)
		return 1
	}
	return 0
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
