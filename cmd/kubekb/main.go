package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cloo-solutions/kubekb/internal/cli"
	"github.com/cloo-solutions/kubekb/internal/cli/client"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "kubekb",
		Short: "kubekb CLI - knowledge base for Kubernetes operations",
		Long: `kubekb ingests documents into the knowledge base and searches them.

Environment variables:
  KUBEKB_API_URL   API base URL (default: http://localhost:8080)`,
		Version:      version,
		SilenceUsage: true,
	}

	client.AddGlobalFlags(rootCmd)
	cli.AddHelpJSONFlag(rootCmd)

	rootCmd.AddCommand(client.IngestCmd())
	rootCmd.AddCommand(client.SearchCmd())
	rootCmd.AddCommand(client.DeleteCmd())

	cli.CheckHelpJSON(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
