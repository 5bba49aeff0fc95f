// Package cli implements the pixeld command line.
package cli

import (
	"fmt"

	"github.com/coder/serpent"

	"github.com/pixelplace/pixeld/buildinfo"
)

// RootCommand returns the pixeld command tree.
func RootCommand() *serpent.Command {
	return &serpent.Command{
		Use:   "pixeld",
		Short: "Real-time collaborative pixel canvas server",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			serverCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *serpent.Command {
	return &serpent.Command{
		Use:   "version",
		Short: "Show the pixeld version",
		Handler: func(inv *serpent.Invocation) error {
			_, _ = fmt.Fprintf(inv.Stdout, "pixeld %s\n", buildinfo.Version())
			if t, ok := buildinfo.Time(); ok {
				_, _ = fmt.Fprintf(inv.Stdout, "built %s\n", t.Format("2006-01-02"))
			}
			_, _ = fmt.Fprintln(inv.Stdout, buildinfo.ExternalURL())
			return nil
		},
	}
}
