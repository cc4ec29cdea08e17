package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/transport"
)

const (
	envKeyURL   = "VITALS_WS_URL"
	envKeyToken = "VITALS_TOKEN"
)

var (
	wsURL   string
	token   string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "vitalsctl",
	Short: "Command line client for the vitals alert service",
	Long: `vitalsctl talks to the vitals alert service over its realtime
connection: watch alerts as they happen, list and acknowledge active
alerts, and mint development tokens.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			common.SetLogger(zap.NewNop())
			return nil
		}
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		common.SetLogger(logger)
		return nil
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv(envKeyURL)
	if defaultURL == "" {
		defaultURL = "ws://localhost:1080/ws"
	}
	rootCmd.PersistentFlags().StringVar(&wsURL, "url", defaultURL, "realtime endpoint of the alert service")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv(envKeyToken), "bearer token (defaults to $"+envKeyToken+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
}

// openClient connects and authenticates a realtime client for one command.
func openClient(ctx context.Context) (*transport.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("a token is required, pass --token or set %s", envKeyToken)
	}
	client := transport.NewClient(transport.ClientConfig{URL: wsURL, Token: token})
	if err := client.Open(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}
	return client, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
