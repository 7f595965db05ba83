package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/beacon/internal/client"
	"github.com/alfredjeanlab/beacon/internal/ui"
)

var (
	serverURL  string
	jsonOutput bool
	noColor    bool

	beaconClient client.BeaconClient
)

func defaultServerURL() string {
	if s := os.Getenv("BEACON_SERVER"); s != "" {
		return s
	}
	return "http://localhost:3000"
}

var rootCmd = &cobra.Command{
	Use:          "beacon <command>",
	Short:        "Location ingestion and live broadcast service",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.SetColor(!noColor && ui.ShouldUseColor(cmd.OutOrStdout()))
		beaconClient = client.NewHTTPClient(serverURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if beaconClient != nil {
			beaconClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "beacon server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "feed", Title: "Feed:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(tailCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(backupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
