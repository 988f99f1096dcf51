package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Printf("order-stream: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "order-stream",
		Short:        "Order ingestion and hourly transaction aggregation",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), allRoles)
		},
	}
	root.AddCommand(
		newRoleCommand("all", "Run ingestion, aggregation and the HTTP API", allRoles),
		newRoleCommand("ingest", "Consume orders and record each one at most once", roles{ingest: true}),
		newRoleCommand("aggregate", "Consume orders and publish hourly transaction counts", roles{aggregate: true}),
		newRoleCommand("api", "Serve the order submission API", roles{api: true}),
		newMigrateCommand(),
	)
	return root
}

func newRoleCommand(use, short string, r roles) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), r)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	}
}
