package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/deevus/portalkit/internal/offline"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline request queue",
		Long: `Inspect and manage the offline request queue. Only meaningful with a
durable queue (PORTAL_QUEUE_PATH); the in-memory queue starts empty.`,
	}

	cmd.AddCommand(newQueueListCmd(), newQueueSyncCmd(), newQueueClearCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued requests in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			items, err := a.Queue.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No queued requests.")
				return nil
			}
			printQueue(cmd.OutOrStdout(), items)
			return nil
		},
	}
}

func printQueue(w io.Writer, items []offline.QueuedRequest) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tENDPOINT\tSIZE\tRETRIES\tENQUEUED\tLAST_ERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID, item.Method, item.Endpoint, humanize.Bytes(uint64(len(item.Payload))),
			item.RetryCount, humanize.Time(item.EnqueuedAt), item.LastError)
	}
	tw.Flush()
}

func newQueueSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued requests once, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Monitor.Probe(cmd.Context()); err != nil {
				a.Monitor.Set(false, err.Error())
			}

			result, err := a.Queue.Sync(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if result.Skipped != offline.SkipNone {
				fmt.Fprintf(out, "sync skipped: %s\n", result.Skipped)
				return nil
			}
			fmt.Fprintf(out, "replayed %d: %d succeeded, %d failed, %d dropped, %d remaining\n",
				result.Attempted, result.Succeeded, result.Failed, result.Dropped, result.Remaining)
			return nil
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			n, err := a.Queue.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d queued request(s)\n", n)
			return nil
		},
	}
}
