package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL   string
	accessToken string
	rootCmd     = &cobra.Command{
		Use:   "botctl",
		Short: "botctl - manage bots on a botcraft control plane",
		Long: `botctl talks to the botcraft control plane REST API: it creates bots from
configuration files, starts and stops their processes and shows their logs.`,
		SilenceUsage: true,
	}
)

func init() {
	_ = godotenv.Load()
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("BOTCRAFT_SERVER", "http://localhost:8080"), "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&accessToken, "token", os.Getenv("BOTCRAFT_TOKEN"), "access token (see server -issue-token)")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}
