package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/danmuck/relaychat/internal/logging"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "chatctl",
		Usage:   "end-to-end encrypted chat over a relaychat relay",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "client config file",
				Value:   defaultConfigPath(),
				Sources: cli.EnvVars("RELAYCHAT_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "relay",
				Usage: "override relay_url",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log_level (trace, debug, info, warn, error)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.ConfigureRuntime()
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "create the local identity",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "force", Usage: "replace an existing identity"}},
				Action: runKeygen,
			},
			{
				Name:  "config",
				Usage: "manage the client config file",
				Commands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "write a starter config",
						Flags:  []cli.Flag{&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"}},
						Action: runConfigInit,
					},
				},
			},
			{
				Name:  "profile",
				Usage: "manage your own profile",
				Commands: []*cli.Command{
					{
						Name:      "set",
						Usage:     "register your handle and display name",
						ArgsUsage: "<handle>",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "name", Usage: "display name"}},
						Action:    runProfileSet,
					},
					{
						Name:   "show",
						Usage:  "print your id and contact card",
						Action: runProfileShow,
					},
				},
			},
			{
				Name:  "peer",
				Usage: "manage contacts",
				Commands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "import a contact card",
						ArgsUsage: "<card>",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "nick", Usage: "local nickname"}},
						Action:    runPeerAdd,
					},
					{
						Name:      "nick",
						Usage:     "set or clear a local nickname",
						ArgsUsage: "<peer> [nickname]",
						Action:    runPeerNick,
					},
					{
						Name:   "list",
						Usage:  "list contacts",
						Action: runPeerList,
					},
				},
			},
			{
				Name:      "resolve",
				Usage:     "resolve @handle, handle.suffix or a raw id",
				ArgsUsage: "<input>",
				Action:    runResolve,
			},
			{
				Name:      "chat",
				Usage:     "open an interactive conversation",
				ArgsUsage: "<peer>",
				Action:    runChat,
			},
		},
	}
}

// loadConfig applies the global flag overrides on top of the config file.
func loadConfig(cmd *cli.Command) (clientConfig, error) {
	cfg, err := loadClientConfig(expandHome(cmd.String("config")))
	if err != nil {
		return clientConfig{}, err
	}
	if v := cmd.String("relay"); v != "" {
		cfg.RelayURL = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if !logging.SetLevel(cfg.LogLevel) {
		return clientConfig{}, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return cfg, nil
}

func withClient(ctx context.Context, cmd *cli.Command, fn func(context.Context, *client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := openClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
