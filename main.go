package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"circle/internal/api"
	"circle/internal/auth"
	"circle/internal/commands"
	"circle/internal/config"
	"circle/internal/logging"

	"github.com/urfave/cli/v2"
)

func newApp(in io.Reader, out io.Writer) *cli.App {
	return &cli.App{
		Name:      "circle",
		Usage:     "real-time rooms for peer-support circles",
		Reader:    in,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				EnvVars: []string{"CIRCLE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the room server",
				Action: func(c *cli.Context) error {
					cfg, logger, err := setup(c, false)
					if err != nil {
						return err
					}
					return commands.Serve(c.Context, cfg, logger)
				},
			},
			{
				Name:  "create-room",
				Usage: "create a room on a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "room handle", Required: true},
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.StringFlag{Name: "topic", Usage: "room topic"},
					&cli.IntFlag{Name: "capacity", Usage: "maximum number of members (default 12)"},
					&cli.StringFlag{Name: "creator", Usage: "user id of the room creator", Required: true},
				},
				Action: func(c *cli.Context) error {
					cfg, _, err := setup(c, true)
					if err != nil {
						return err
					}
					return commands.CreateRoom(api.CreateRoomRequest{
						ID:        c.String("id"),
						Name:      c.String("name"),
						Topic:     c.String("topic"),
						Capacity:  c.Int("capacity"),
						CreatorID: c.String("creator"),
					}, cfg, c.App.Writer)
				},
			},
			{
				Name:  "issue-token",
				Usage: "issue an access token for a user",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
					&cli.StringFlag{Name: "display-name", Usage: "name shown to other members"},
				},
				Action: func(c *cli.Context) error {
					cfg, _, err := setup(c, true)
					if err != nil {
						return err
					}
					return commands.IssueToken(auth.IssueTokenRequest{
						UserID:      c.String("user"),
						DisplayName: c.String("display-name"),
					}, cfg, c.App.Writer)
				},
			},
			{
				Name:      "join",
				Usage:     "join a room from the terminal",
				ArgsUsage: "<room>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "server base URL (defaults to base_url)"},
					&cli.StringFlag{Name: "token", Usage: "access token", EnvVars: []string{"CIRCLE_TOKEN"}, Required: true},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("join expects exactly one room id, got %d", c.NArg())
					}
					cfg, logger, err := setup(c, true)
					if err != nil {
						return err
					}
					server := c.String("server")
					if server == "" {
						server = cfg.BaseURL
					}
					return commands.Join(c.Context, cfg, commands.JoinOptions{
						ServerURL: server,
						Token:     c.String("token"),
						RoomID:    c.Args().First(),
						In:        c.App.Reader,
						Out:       c.App.Writer,
					}, logger)
				},
			},
		},
	}
}

// setup loads and validates the configuration and installs the logger.
// Client commands log to stderr so the terminal output stays readable.
func setup(c *cli.Context, cliMode bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if level := c.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(cliMode); err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if cliMode && c.String("log-level") == "" {
		level = "warn"
	}
	logger, err := logging.Setup(os.Stderr, level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp(os.Stdin, os.Stdout).RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "circle: %v\n", err)
		os.Exit(1)
	}
}
