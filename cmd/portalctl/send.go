package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"portalsync/cmd/internal/ids"
	"portalsync/cmd/internal/notify"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		chatID string
		to     string
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [flags] <message>",
		Short: "Send a chat message over the realtime channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.TrimSpace(strings.Join(args, " "))
			if body == "" {
				return errors.New("empty message")
			}
			return runSend(cmd, opts, chatID, to, body, wait)
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "chat id")
	cmd.Flags().StringVar(&to, "to", "", "receiver user id")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "max wait for connection and server confirmation")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runSend(cmd *cobra.Command, opts *globalOptions, chatID, to, body string, wait time.Duration) error {
	ctx := cmd.Context()
	c, err := opts.client(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Store.UserID() == "" {
		return errNotSignedIn
	}

	wctx, cancel := contextWithOptionalTimeout(ctx, wait)
	defer cancel()
	if err := c.WaitConnected(wctx); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}

	m, ok := c.Inbox.Send(wctx, chatID, to, body)
	if !ok {
		return errors.New("message not sent: realtime connection lost")
	}

	confirmed, err := waitConfirmed(wctx, c.Inbox.Thread(chatID), m)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s (unconfirmed)\n", m.ID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", confirmed.ID)
	return nil
}

// waitConfirmed polls the thread until the optimistic copy of m has been
// replaced by the server-confirmed message.
func waitConfirmed(ctx context.Context, t *notify.Thread, m notify.Message) (notify.Message, error) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		for _, got := range t.Messages() {
			if !ids.IsTemp(got.ID) && got.Sender == m.Sender && got.Body == m.Body && !got.CreatedAt.Before(m.CreatedAt.Add(-time.Second)) {
				return got, nil
			}
		}
		select {
		case <-ctx.Done():
			return notify.Message{}, ctx.Err()
		case <-tick.C:
		}
	}
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
