package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	watchPatients    []string
	watchAllCritical bool
)

// watchLine is one JSON line of watch output.
type watchLine struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchPatients, "patient", nil, "patient id to follow, repeatable")
	watchCmd.Flags().BoolVar(&watchAllCritical, "all-critical", false, "follow critical alerts of every patient (doctor, admin)")

	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream alerts as JSON lines until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		openCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		client, err := openClient(openCtx)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()

		for _, patientID := range watchPatients {
			if err := client.Subscribe(ctx, patientID); err != nil {
				return fmt.Errorf("subscribe %s: %w", patientID, err)
			}
		}
		if watchAllCritical {
			if err := client.SubscribeAllCritical(ctx); err != nil {
				return fmt.Errorf("subscribe to all critical alerts: %w", err)
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		emit := func(kind string, data any) error {
			return enc.Encode(watchLine{Kind: kind, At: time.Now(), Data: data})
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return client.Err()
			case evt, ok := <-client.Alerts():
				if !ok {
					return client.Err()
				}
				if err := emit("alert", evt); err != nil {
					return err
				}
			case change, ok := <-client.PatientStatus():
				if !ok {
					return client.Err()
				}
				if err := emit("patient_status", change); err != nil {
					return err
				}
			case status, ok := <-client.Presence():
				if !ok {
					return client.Err()
				}
				if err := emit("presence", status); err != nil {
					return err
				}
			case sc, ok := <-client.States():
				if !ok {
					return client.Err()
				}
				if sc.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", sc.State, sc.Err)
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", sc.State)
				}
			}
		}
	},
}
