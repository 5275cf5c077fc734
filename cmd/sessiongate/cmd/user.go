package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hablas/sessiongate/token"
)

var (
	userEmail    string
	userName     string
	userRole     string
	userPassword string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage gateway accounts",
	Long:  `Commands for creating and inspecting accounts directly in the configured storage.`,
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, ok := token.ParseRole(userRole)
		if !ok {
			return fmt.Errorf("unknown role %q (admin, editor or viewer)", userRole)
		}
		pw, err := readPassword(cmd, userPassword)
		if err != nil {
			return err
		}
		return runOffline(cmd, func(ctx context.Context, c *components) error {
			u, err := c.users.Create(ctx, userEmail, pw, userName, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s) with role %s\n", u.Email, u.ID, u.Role)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOffline(cmd, func(ctx context.Context, c *components) error {
			users, err := c.users.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tROLE\tLAST LOGIN")
			for _, u := range users {
				last := "-"
				if !u.LastLogin.IsZero() {
					last = u.LastLogin.UTC().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, u.Role, last)
			}
			return tw.Flush()
		})
	},
}

var userPasswdCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Replace an account's password and sign it out everywhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readPassword(cmd, userPassword)
		if err != nil {
			return err
		}
		return runOffline(cmd, func(ctx context.Context, c *components) error {
			u, err := c.users.GetByEmail(ctx, userEmail)
			if err != nil {
				return err
			}
			if err := c.users.SetPassword(ctx, u.ID, pw); err != nil {
				return err
			}
			n, err := c.sessions.RevokeAllUserSessions(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s; revoked %d session(s)\n", u.Email, n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userListCmd, userPasswdCmd)

	userAddCmd.Flags().StringVar(&userEmail, "email", "", "Account email")
	userAddCmd.Flags().StringVar(&userName, "name", "", "Display name")
	userAddCmd.Flags().StringVar(&userRole, "role", string(token.RoleViewer), "Role: admin, editor or viewer")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (default: $"+passwordEnv+" or stdin)")
	_ = userAddCmd.MarkFlagRequired("email")

	userPasswdCmd.Flags().StringVar(&userEmail, "email", "", "Account email")
	userPasswdCmd.Flags().StringVar(&userPassword, "password", "", "New password (default: $"+passwordEnv+" or stdin)")
	_ = userPasswdCmd.MarkFlagRequired("email")
}
