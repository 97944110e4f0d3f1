package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/finch-ai/finch/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the budget tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			tr, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			eng, c, err := openEngine(cfg, tr)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			defer func() { _ = c.Close() }()

			server := mcp.New(l, tr, eng, version)
			return server.Run(context.Background(), os.Stdin, os.Stdout)
		},
	}
}
