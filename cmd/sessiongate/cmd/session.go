package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sessionEmail  string
	sessionUserID string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and revoke refresh sessions",
}

// resolveUserID accepts either --user-id or --email.
func resolveUserID(ctx context.Context, c *components) (string, error) {
	if sessionUserID != "" {
		return sessionUserID, nil
	}
	if sessionEmail == "" {
		return "", errors.New("one of --user-id or --email is required")
	}
	u, err := c.users.GetByEmail(ctx, sessionEmail)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOffline(cmd, func(ctx context.Context, c *components) error {
			userID, err := resolveUserID(ctx, c)
			if err != nil {
				return err
			}
			sessions, err := c.sessions.GetUserSessions(ctx, userID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tIP\tCREATED\tLAST USED\tEXPIRES\tUSER AGENT")
			const layout = "2006-01-02 15:04"
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.IPAddress,
					s.CreatedAt.UTC().Format(layout), s.LastUsedAt.UTC().Format(layout),
					s.ExpiresAt.UTC().Format(layout), s.UserAgent)
			}
			return tw.Flush()
		})
	},
}

var sessionRevokeAllCmd = &cobra.Command{
	Use:   "revoke-all",
	Short: "Revoke every refresh session of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOffline(cmd, func(ctx context.Context, c *components) error {
			userID, err := resolveUserID(ctx, c)
			if err != nil {
				return err
			}
			n, err := c.sessions.RevokeAllUserSessions(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d session(s)\n", n)
			return nil
		})
	},
}

var sessionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired sessions and blacklist entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOffline(cmd, func(ctx context.Context, c *components) error {
			res, err := c.sessions.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired session(s) and %d blacklist entries\n", res.Sessions, res.Blacklist)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionRevokeAllCmd, sessionSweepCmd)
	for _, c := range []*cobra.Command{sessionListCmd, sessionRevokeAllCmd} {
		c.Flags().StringVar(&sessionUserID, "user-id", "", "User id")
		c.Flags().StringVar(&sessionEmail, "email", "", "User email")
	}
}
