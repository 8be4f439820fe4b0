package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in (run portalctl login)")

func newWhoamiCmd(opts *globalOptions) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		Long:  "Prints the restored session. With --remote the account is fetched from the backend, refreshing the access token if it has expired.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.client(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer c.Close()

			sess := c.Store.Snapshot()
			if sess.Empty() {
				return errNotSignedIn
			}

			user := *sess.User
			if remote {
				user, err = c.Me(ctx)
				if err != nil {
					return fmt.Errorf("fetch account: %w", err)
				}
				sess = c.Store.Snapshot()
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "portal:\t%s\n", c.Store.Portal().Name)
			fmt.Fprintf(w, "user:\t%s\n", user.ID)
			if user.Email != "" {
				fmt.Fprintf(w, "email:\t%s\n", user.Email)
			}
			fmt.Fprintf(w, "role:\t%s\n", user.Role)
			if user.Locale != "" {
				fmt.Fprintf(w, "locale:\t%s\n", user.Locale)
			}
			if exp, ok := sess.AccessExpiry(); ok {
				fmt.Fprintf(w, "access expires:\t%s (%s)\n", exp.Format(time.RFC3339), expiresIn(exp))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "fetch the account from the backend")
	return cmd
}

func expiresIn(exp time.Time) string {
	d := time.Until(exp).Round(time.Second)
	if d <= 0 {
		return "expired"
	}
	return "in " + d.String()
}
