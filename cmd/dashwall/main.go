package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	cli "github.com/urfave/cli/v3"

	"dashwall/internal/app"
)

func main() {
	cmd := &cli.Command{
		Name:                  "dashwall",
		Usage:                 "Run live dashboard widgets and push their results to screens",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (json, yaml or toml)",
				Value:   "./config.json",
				Sources: cli.EnvVars("DASHWALL_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "override logging.level (trace, debug, info, warn, error)",
				Sources: cli.EnvVars("DASHWALL_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newCheckCommand(),
			newCapabilitiesCommand(),
		},
		Action: serve,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the dashboard runtime (default)",
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(cmd.String("config"), app.Options{LogLevel: cmd.String("log-level")})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopAppStop
	select {
	case sig := <-sigc:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	cancel()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()
	if err := a.Stop(sctx, reason); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return a.Err()
}
