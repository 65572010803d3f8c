package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func mcpCmd() *cobra.Command {
	var graphPath, dbPath string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if graphPath != "" {
				cfg.GraphFile = graphPath
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.mcp.Watch(ctx) })
			g.Go(func() error {
				defer stop()
				return a.mcp.Serve(ctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&graphPath, "graph", "", "YAML graph whose nodes are mounted at start")
	cmd.Flags().StringVar(&dbPath, "db", "", "libSQL database path (overrides db_path)")
	return cmd
}
