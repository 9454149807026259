package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/events"
	"github.com/deevus/portalkit/internal/offline"
	"github.com/deevus/portalkit/internal/realtime"
	"github.com/deevus/portalkit/internal/tracker"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var noRealtime bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream connectivity, queue, retry and realtime events until interrupted",
		Long: `Runs the connectivity monitor, offline queue watcher and realtime connection
and prints every event. Serves /metrics when PORTAL_METRICS_ADDR is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)

			sub := a.Bus.Subscribe(events.DefaultBuffer)
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				printEvents(cmd.OutOrStdout(), sub)
			}()

			err = a.Run(ctx, !noRealtime)
			sub.Close()
			<-printed
			return err
		},
	}

	cmd.Flags().BoolVar(&noRealtime, "no-realtime", false, "Do not open the realtime connection")
	return cmd
}

func printEvents(w io.Writer, sub *events.Subscription) {
	for e := range sub.C() {
		fmt.Fprintf(w, "%s %-17s %s\n", e.At.Format("15:04:05.000"), e.Topic, describe(e))
	}
}

func describe(e events.Event) string {
	switch p := e.Payload.(type) {
	case events.NetworkStatus:
		if p.Online {
			return "online (" + p.Reason + ")"
		}
		return "offline (" + p.Reason + ")"
	case realtime.ConnectionState:
		s := p.State.String()
		if p.ReconnectAttempt > 0 {
			s += fmt.Sprintf(" attempt=%d", p.ReconnectAttempt)
		}
		if p.LastError != "" {
			s += " error=" + p.LastError
		}
		return s
	case api.Message:
		if p.Event == api.EventMetricsSnapshot {
			if snap, err := p.DecodeSnapshot(); err == nil {
				return fmt.Sprintf("active_users=%d rpm=%.1f error_rate=%.3f", snap.ActiveUsers, snap.RequestsPerMinute, snap.ErrorRate)
			}
		}
		return p.Event + " " + string(p.Payload)
	case tracker.Transition:
		s := fmt.Sprintf("%s %s %s attempt %d/%d", p.Attempt.ID, p.Attempt.Method, p.Attempt.Endpoint, p.Attempt.Attempt, p.Attempt.MaxAttempts)
		if p.Attempt.Error != "" {
			s += " error=" + p.Attempt.Error
		}
		return s
	case offline.Changed:
		return fmt.Sprintf("depth=%d", p.Depth)
	case offline.Dropped:
		return fmt.Sprintf("%s %s %s error=%v", p.Item.ID, p.Item.Method, p.Item.Endpoint, p.Err)
	case offline.SyncResult:
		return fmt.Sprintf("attempted=%d succeeded=%d failed=%d dropped=%d remaining=%d",
			p.Attempted, p.Succeeded, p.Failed, p.Dropped, p.Remaining)
	default:
		return fmt.Sprintf("%v", p)
	}
}
