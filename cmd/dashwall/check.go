package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"dashwall/internal/app"
	logx "dashwall/pkg/logx"
)

func newCheckCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the config and compile every stored widget without running it",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the report as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			level := cmd.String("log-level")
			if level == "" {
				level = "warn"
			}
			rep, err := app.Check(ctx, cmd.String("config"), logx.NewConsole(level))
			if err != nil {
				return err
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				fmt.Printf("%d widgets checked, %d problems\n", rep.Widgets, len(rep.Problems))
				for _, p := range rep.Problems {
					fmt.Printf("  %s (%s) %s: %s\n", p.WidgetID, p.ProjectRef, p.Field, p.Message)
				}
			}
			if len(rep.Problems) > 0 {
				return cli.Exit("", 2)
			}
			return nil
		},
	}
}
