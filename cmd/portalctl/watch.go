package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portalsync/cmd/internal/app"
	"portalsync/cmd/internal/gateway"
	"portalsync/cmd/internal/notify"
	"portalsync/cmd/internal/session"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var connectTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print unread counts as they change",
		Long:  "Connects the realtime channel and prints notification and message counts whenever they change, until interrupted or signed out.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			feed := gateway.NewNoticeFeed(32)
			c, err := opts.client(ctx, cmd, true, app.WithNotifier(feed))
			if err != nil {
				return err
			}
			defer c.Close()

			if c.Store.UserID() == "" {
				return errNotSignedIn
			}

			out := cmd.OutOrStdout()
			counts := make(chan notify.Counts, 16)
			cancel := c.Reconciler.Subscribe(func(n notify.Counts) {
				select {
				case counts <- n:
				default:
				}
			})
			defer cancel()

			signedOut := make(chan struct{}, 1)
			cancelSess := c.Store.Subscribe(func(s session.Session) {
				if s.Empty() {
					select {
					case signedOut <- struct{}{}:
					default:
					}
				}
			})
			defer cancelSess()

			if err := c.Sync(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: initial sync failed: %v\n", err)
			}
			printCounts(cmd, c.Inbox.Counts())

			if c.Channel != nil {
				wctx, wcancel := contextWithOptionalTimeout(ctx, connectTimeout)
				err := c.WaitConnected(wctx)
				wcancel()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: realtime not connected, relying on polling: %v\n", err)
				}
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-signedOut:
					fmt.Fprintln(out, "session ended")
					return nil
				case n := <-counts:
					printCounts(cmd, n)
				case notice := <-feed.C():
					fmt.Fprintf(cmd.ErrOrStderr(), "notice: %s (%s)\n", notice.Message, notice.Kind)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "max wait for the realtime channel (0 waits forever)")
	return cmd
}

func printCounts(cmd *cobra.Command, n notify.Counts) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s notifications=%d messages=%d total=%d\n",
		time.Now().Format("15:04:05"), n.Notifications, n.Messages, n.Total)
}
