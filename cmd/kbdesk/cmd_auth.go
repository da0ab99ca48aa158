package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/kbdesk/internal/session"
	"github.com/user/kbdesk/internal/types"
)

func init() {
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, statusCmd, profileCmd)

	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prompted if empty)")

	registerCmd.Flags().String("email", "", "account email")
	registerCmd.Flags().String("password", "", "account password (prompted if empty)")
	registerCmd.Flags().String("name", "", "full name")

	profileCmd.Flags().String("name", "", "new full name")
	profileCmd.Flags().String("password", "", "new password")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		scanner := bufio.NewScanner(os.Stdin)
		if email == "" {
			email = prompt(scanner, "Email", "")
		}
		if password == "" {
			var err error
			if password, err = promptPassword(scanner, "Password", ""); err != nil {
				return err
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.session.Login(ctx, session.Credentials{Username: email, Password: password}); err != nil {
				return err
			}
			snap := a.session.Snapshot()
			fmt.Fprintf(os.Stdout, "%s Logged in as %s.\n", color.GreenString("✓"), displayName(snap.User))
			return nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		name, _ := cmd.Flags().GetString("name")

		scanner := bufio.NewScanner(os.Stdin)
		if email == "" {
			email = prompt(scanner, "Email", "")
		}
		if name == "" {
			name = prompt(scanner, "Full name (optional)", "")
		}
		if password == "" {
			var err error
			if password, err = promptPassword(scanner, "Password", ""); err != nil {
				return err
			}
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			req := types.RegisterRequest{Email: email, Password: password, FullName: name}
			if err := a.session.Register(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s Account created for %s. Run `kbdesk login` to sign in.\n", color.GreenString("✓"), email)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.session.Logout(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"whoami"},
	Short:   "Show the current session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			// Read claims first; CheckAuth clears a rejected token.
			claims, claimsErr := a.session.Claims()

			snap, err := a.session.CheckAuth(ctx)
			if err != nil {
				return err
			}
			if !snap.IsAuthenticated {
				fmt.Println("Not logged in.")
				return nil
			}

			fmt.Fprintf(os.Stdout, "Logged in as %s\n", displayName(snap.User))
			fmt.Fprintf(os.Stdout, "API:         %s\n", a.api.BaseURL())
			switch {
			case errors.Is(claimsErr, session.ErrNoToken):
			case claimsErr != nil:
				fmt.Fprintf(os.Stdout, "Token:       opaque\n")
			case claims.ExpiresAt.IsZero():
				fmt.Fprintf(os.Stdout, "Token:       no expiry\n")
			default:
				fmt.Fprintf(os.Stdout, "Token:       expires %s (in %s)\n",
					claims.ExpiresAt.Local().Format("2006-01-02 15:04"),
					time.Until(claims.ExpiresAt).Round(time.Minute))
			}
			return nil
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update your profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			var update types.UserUpdate
			if cmd.Flags().Changed("name") {
				name, _ := cmd.Flags().GetString("name")
				update.FullName = &name
			}
			if cmd.Flags().Changed("password") {
				password, _ := cmd.Flags().GetString("password")
				update.Password = &password
			}

			user := a.session.Snapshot().User
			if update.FullName != nil || update.Password != nil {
				var err error
				user, err = a.api.UpdateCurrentUser(ctx, update)
				if err != nil {
					return err
				}
				fmt.Println("Profile updated.")
			}

			fmt.Fprintf(os.Stdout, "Email:   %s\n", user.Email)
			fmt.Fprintf(os.Stdout, "Name:    %s\n", user.FullName)
			fmt.Fprintf(os.Stdout, "Active:  %v\n", user.IsActive)
			fmt.Fprintf(os.Stdout, "Joined:  %s\n", user.CreatedAt.Local().Format("2006-01-02"))
			return nil
		})
	},
}

func displayName(u *types.User) string {
	if u == nil {
		return "unknown user"
	}
	if u.FullName != "" {
		return fmt.Sprintf("%s <%s>", u.FullName, u.Email)
	}
	return u.Email
}
