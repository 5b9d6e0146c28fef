package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"dashwall/internal/capability"
)

func newCapabilitiesCommand() *cli.Command {
	return &cli.Command{
		Name:    "capabilities",
		Aliases: []string{"caps"},
		Usage:   "List the host functions widget scripts may call",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			f := capability.Default()
			if cmd.Bool("json") {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"version": f.Version(),
					"entries":  f.Entries(),
				})
			}
			fmt.Printf("capability set %s\n\n", f.Version())
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSINCE\tDOC")
			for _, e := range f.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Since, e.Doc)
			}
			return tw.Flush()
		},
	}
}
