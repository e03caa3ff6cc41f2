// Command relayctl runs the BLE chunk relay and its offline helpers.
//
// Usage:
//
//	relayctl serve  [--config file]
//	relayctl replay [--config file] [--input file] [--manual-connect]
//	relayctl split  [--chunk-size n] [--session-id id] file
//	relayctl config init [--output file] [--force]
//	relayctl config check file
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/danmuck/chunkrelay/internal/config"
	"github.com/danmuck/chunkrelay/internal/logging"
	"github.com/danmuck/chunkrelay/internal/observability"
	"github.com/danmuck/chunkrelay/internal/protocol/frame"
	"github.com/danmuck/chunkrelay/internal/relay"
)

var version = "0.1.0"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	logging.ConfigureRuntime()
	observability.InitLogger("relayctl")

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Error().Err(err).Msg("relayctl failed")
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a TOML config file",
		EnvVars: []string{"CHUNKRELAY_CONFIG"},
	}
	return &cli.App{
		Name:    "relayctl",
		Usage:   "reassemble chunked JSON messages written over BLE",
		Version: version,
		Writer:  stdout,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "advertise the peripheral and serve the status endpoint",
				Flags:  []cli.Flag{configFlag},
				Action: serveAction,
			},
			{
				Name:  "replay",
				Usage: "feed recorded frames, one per line, through the engine",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "frame file, - for stdin", Value: "-"},
					&cli.BoolFlag{Name: "manual-connect", Usage: "wait for #connect lines instead of starting connected"},
				},
				Action: replayAction,
			},
			{
				Name:      "split",
				Usage:     "split a JSON message file into chunk frames",
				ArgsUsage: "file",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "chunk-size", Value: frame.DefaultChunkSize, Usage: "characters per chunk"},
					&cli.StringFlag{Name: "session-id", Usage: "session id, random when empty"},
				},
				Action: splitAction,
			},
			{
				Name:  "config",
				Usage: "write or check a config file",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "write the default configuration",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "relay.toml"},
							&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
						},
						Action: configInitAction,
					},
					{
						Name:      "check",
						Usage:     "validate a config file",
						ArgsUsage: "file",
						Action:    configCheckAction,
					},
				},
			},
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServiceConfig(c.String("config"))
	if err != nil {
		return err
	}
	svc, err := relay.NewService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signalContext(c.Context)
	defer stop()
	return svc.Serve(ctx)
}

func replayAction(c *cli.Context) error {
	cfg, err := loadServiceConfig(c.String("config"))
	if err != nil {
		return err
	}
	svc, err := relay.NewService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	in := io.Reader(os.Stdin)
	if path := c.String("input"); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signalContext(c.Context)
	defer stop()
	st, err := svc.Replay(ctx, in, c.App.Writer, !c.Bool("manual-connect"))
	if err != nil {
		return err
	}
	log.Info().Bool("connected", st.Connected).Int("active_sessions", st.ActiveSessions).
		Msg("relayctl replay done")
	return nil
}

func splitAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("split: expected exactly one file argument")
	}
	payload, err := os.ReadFile(c.Args().First())
	if err != nil {
		return fmt.Errorf("split: %w", err)
	}
	id := c.String("session-id")
	if id == "" {
		id = frame.NewSessionID()
	}
	chunks, err := frame.Split(id, string(payload), c.Int("chunk-size"))
	if err != nil {
		return fmt.Errorf("split: %w", err)
	}
	for _, chunk := range chunks {
		raw, err := chunk.Encode()
		if err != nil {
			return fmt.Errorf("split: %w", err)
		}
		if _, err := fmt.Fprintf(c.App.Writer, "%s\n", raw); err != nil {
			return err
		}
	}
	return nil
}

func configInitAction(c *cli.Context) error {
	path := c.String("output")
	if err := config.WriteTemplate(path, c.Bool("force")); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("relayctl config template written")
	return nil
}

func configCheckAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("config check: expected exactly one file argument")
	}
	path := c.Args().First()
	if err := config.Check(path); err != nil {
		return err
	}
	if _, err := loadServiceConfig(path); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.App.Writer, "%s: ok\n", path)
	return err
}
