package main

import (
	"fmt"

	"github.com/mwhitten/ingestd/internal/poller"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetcher := poller.NewHTTPFetcher(serverURL)
			snap, err := fetcher.FetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "ingestd server URL")
	return cmd
}

func printSnapshot(cmd *cobra.Command, snap poller.Snapshot) {
	out := cmd.OutOrStdout()
	if snap.ID == 0 {
		fmt.Fprintln(out, "No operations recorded (IDLE).")
		return
	}
	fmt.Fprintf(out, "Operation %d  %s\n", snap.ID, snap.OperationType)
	fmt.Fprintf(out, "  status:   %s\n", snap.CurrentStatus)
	if snap.ProgressDetails != "" {
		fmt.Fprintf(out, "  progress: %s\n", snap.ProgressDetails)
	}
	if snap.ErrorMessage != "" {
		fmt.Fprintf(out, "  error:    %s\n", snap.ErrorMessage)
	}
	if snap.StartedAt != nil {
		fmt.Fprintf(out, "  started:  %s\n", snap.StartedAt.Local())
	}
	if snap.EndedAt != nil {
		fmt.Fprintf(out, "  ended:    %s\n", snap.EndedAt.Local())
	}
}
