package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	var (
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long:  "Posts credentials to the portal backend and persists the returned session. The password falls back to PORTAL_PASSWORD.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("PORTAL_PASSWORD")
			}
			return runLogin(cmd, opts, email, password)
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func runLogin(cmd *cobra.Command, opts *globalOptions, email, password string) error {
	if strings.TrimSpace(password) == "" {
		return errors.New("password required (--password or PORTAL_PASSWORD)")
	}

	ctx := cmd.Context()
	c, err := opts.client(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer c.Close()

	sess, err := c.SignIn(ctx, email, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", sess.UserID(), sess.User.Role)
	return nil
}

func newLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.client(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer c.Close()

			if c.Store.UserID() == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			if err := c.SignOut(ctx); err != nil {
				// The local session is gone either way.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: remote logout failed: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}
