package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/kubekb/internal/cli"
	"github.com/cloo-solutions/kubekb/internal/cli/admin"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "kubekbd",
		Short: "kubekb knowledge base server",
		Long: `kubekbd serves the knowledge base API used by the Kubernetes ops server.

Configuration is read from KUBEKB_* environment variables and an optional .env file.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd(version))
	rootCmd.AddCommand(admin.MigrateCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	cli.CheckHelpJSON(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
