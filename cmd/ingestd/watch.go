package main

import (
	"fmt"
	"time"

	"github.com/mwhitten/ingestd/internal/poller"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var serverURL string
	var interval time.Duration
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the latest operation until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, serverURL, interval, maxAttempts)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "ingestd server URL")
	cmd.Flags().DurationVar(&interval, "interval", poller.DefaultInterval, "polling interval")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", poller.DefaultMaxAttempts, "give up after this many polls")
	return cmd
}

func runWatch(cmd *cobra.Command, serverURL string, interval time.Duration, maxAttempts int) error {
	out := cmd.OutOrStdout()
	done := make(chan error, 1)

	p := poller.New(poller.NewHTTPFetcher(serverURL), poller.Options{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		OnProgress: func(snap poller.Snapshot) {
			fmt.Fprintf(out, "%s  %s\n", snap.CurrentStatus, snap.ProgressDetails)
		},
		OnComplete: func(snap poller.Snapshot) {
			fmt.Fprintf(out, "Operation %d completed: %s\n", snap.ID, snap.ProgressDetails)
			done <- nil
		},
		OnFailed: func(snap poller.Snapshot) {
			done <- fmt.Errorf("operation %d failed: %s", snap.ID, snap.ErrorMessage)
		},
		OnTimeout: func() {
			done <- fmt.Errorf("gave up after %d polls; the operation keeps running server-side", maxAttempts)
		},
		OnLostConnection: func(err error) {
			done <- fmt.Errorf("lost connection to server: %w", err)
		},
	})

	snap, err := p.Initialize(cmd.Context())
	if err != nil {
		return err
	}
	if !snap.Active() {
		printSnapshot(cmd, snap)
		return nil
	}

	fmt.Fprintf(out, "Watching operation %d (%s)...\n", snap.ID, snap.OperationType)
	defer p.Stop()

	select {
	case err := <-done:
		return err
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}
