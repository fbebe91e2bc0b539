package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "catalogsync",
	Short: "Keep catalog product data fresh against the Product Advertising API",
	Long: `catalogsync refreshes product images and validates affiliate links by
running background jobs against a rate-limited, cached product API.

Examples:
  catalogsync serve                          # HTTP API, workers and scheduler
  catalogsync catalog add p1 B08N5WRWNW      # add a product to the catalog
  catalogsync schedule full-sync             # queue a catalog-wide sync
  catalogsync lookup B08N5WRWNW B07XJ8C8F5   # one-off upstream lookup`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
