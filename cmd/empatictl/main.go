package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	serverURL string
	noColor   bool
)

var rootCmd = &cobra.Command{
	Use:           "empatictl",
	Short:         "Control a running empati daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("EMPATI_SERVER", "http://127.0.0.1:8080"), "empatid base URL")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("empatictl version %s\n", version))
	rootCmd.AddCommand(statsCmd, markersCmd, locationCmd, sessionCmd, langCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
