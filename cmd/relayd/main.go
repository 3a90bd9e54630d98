package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/relaychat/internal/config"
	"github.com/danmuck/relaychat/internal/logging"
	"github.com/danmuck/relaychat/internal/relay"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "relayd",
		Usage:   "relaychat relay server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "relay config file",
				Value:   "relayd.toml",
				Sources: cli.EnvVars("RELAYD_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "init",
				Usage: "write a starter config to --config and exit",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logging.ConfigureRuntime()
	path := cmd.String("config")
	if cmd.Bool("init") {
		if err := config.WriteTemplate(path, "relay", false); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("relayd config written")
		return nil
	}

	cfg, err := config.LoadRelayConfig(path)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	log.Info().Str("path", path).Str("node", cfg.Node).Str("auth", cfg.Auth.Mode).Msg("relayd config loaded")

	srv, err := relay.NewServer(config.RelayServer(cfg), config.RelayValidator(cfg.Auth), config.RelayVerifier(cfg.Auth))
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Str("node", cfg.Node).Msg("relayd stopped")
	return nil
}
