package main

import (
	"fmt"
	"os"

	"chat-gateway/client"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Terminal client for the chat gateway",
	Long: `chatctl talks to a chat gateway from the terminal.

Examples:
  chatctl list
  chatctl show 6f1c0b9e-8f57-4e53-9d55-2a3c1f1b9a10
  chatctl send "What is the capital of Peru?"
  chatctl send --conversation 6f1c0b9e-8f57-4e53-9d55-2a3c1f1b9a10 "And of Chile?"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sendCmd)

	rootCmd.PersistentFlags().String("url", envOr("CHATCTL_URL", "http://localhost:8080"), "Gateway base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("CHATCTL_TOKEN"), "Bearer token (defaults to $CHATCTL_TOKEN)")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		return nil, fmt.Errorf("a bearer token is required: pass --token or set CHATCTL_TOKEN")
	}
	return client.New(url, token), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
