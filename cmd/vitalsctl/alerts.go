package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

var (
	listPatient string
	listLimit   int
)

func init() {
	listCmd.Flags().StringVar(&listPatient, "patient", "", "only alerts of this patient")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum alerts, 0 for the server default, -1 for all")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(ackCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active alerts, most severe first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		client, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		alerts, err := client.ListActive(ctx, listPatient, listLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), alerts)
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <alert_id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		client, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		alert, err := client.Acknowledge(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), alert)
	},
}
