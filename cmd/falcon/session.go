package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/auth"
	"github.com/falconlib/falcon/internal/schema"
	"github.com/falconlib/falcon/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Sign in and synchronize",
	Long: `Sign in with an email and password, then reconcile the local cache with
the remote store once.

Without --email or --password the missing values are prompted for when
running in a terminal.`,
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			if !ui.IsInteractive() {
				fatal("--email and --password are required")
			}
			var err error
			if email, password, err = ui.PromptLogin(email); err != nil {
				fatal("%v", err)
			}
		}

		a := openApp()
		defer a.close()

		ctx := context.Background()
		session, err := a.gate.SignIn(ctx, email, password)
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			fatal("no account for %s (run 'falcon signup')", email)
		case errors.Is(err, auth.ErrInvalidCredentials):
			fatal("wrong password for %s", email)
		case err != nil:
			fatal("%v", err)
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), session.User.FullName)

		start := time.Now()
		stats, err := a.syncOnce(ctx, session.UserID)
		if err != nil {
			fatal("sync failed: %v", err)
		}
		printSyncStats(stats, time.Since(start))
	},
}

var signupCmd = &cobra.Command{
	Use:     "signup",
	GroupID: "session",
	Short:   "Create a student account",
	Run: func(cmd *cobra.Command, args []string) {
		var req auth.SignUpRequest
		req.Email, _ = cmd.Flags().GetString("email")
		req.FullName, _ = cmd.Flags().GetString("name")
		req.Password, _ = cmd.Flags().GetString("password")
		req.ConfirmPassword, _ = cmd.Flags().GetString("confirm")
		if req.ConfirmPassword == "" && req.Password != "" && !ui.IsInteractive() {
			req.ConfirmPassword = req.Password
		}

		if req.Email == "" && ui.IsInteractive() {
			answers, err := ui.PromptSignUp()
			if err != nil {
				fatal("%v", err)
			}
			req = auth.SignUpRequest{
				Email:           answers.Email,
				Password:        answers.Password,
				ConfirmPassword: answers.ConfirmPassword,
				FullName:        answers.FullName,
			}
		}

		a := openApp()
		defer a.close()

		u, err := a.gate.SignUp(context.Background(), req)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Account created for %s\n", ui.RenderPass("✓"), u.Email)
		fmt.Println("   Sign in with 'falcon login'")
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Sign out and clear the session",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()

		if err := a.gate.Logout(); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "session",
	Short:   "Show the signed-in account",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()

		s, err := a.gate.Current()
		if errors.Is(err, auth.ErrNoSession) {
			fmt.Printf("%s Not signed in\n", ui.RenderWarn("⚠"))
			return
		}
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s %s\n", ui.RenderAccent("👤"), s.User.FullName)
		fmt.Printf("   Email: %s\n", s.User.Email)
		fmt.Printf("   Role: %s\n", s.User.Role)
		fmt.Printf("   User ID: %s\n", s.UserID)
		if !s.Started.IsZero() {
			fmt.Printf("   Signed in: %s\n", humanize.Time(s.Started))
		}
	},
}

var profileCmd = &cobra.Command{
	Use:     "profile",
	GroupID: "session",
	Short:   "Update your name or student details",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.close()
		a.session()

		name, _ := cmd.Flags().GetString("name")
		var data schema.Record
		for _, field := range []string{"mobile", "shift"} {
			if cmd.Flags().Changed(field) {
				if data == nil {
					data = schema.Record{}
				}
				data[field], _ = cmd.Flags().GetString(field)
			}
		}

		u, err := a.gate.UpdateProfile(context.Background(), name, data)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Profile updated for %s\n", ui.RenderPass("✓"), u.FullName)
	},
}

func init() {
	loginCmd.Flags().StringP("email", "e", "", "account email")
	loginCmd.Flags().StringP("password", "p", os.Getenv("FALCON_PASSWORD"), "account password (or FALCON_PASSWORD)")

	signupCmd.Flags().StringP("email", "e", "", "account email")
	signupCmd.Flags().StringP("name", "n", "", "full name")
	signupCmd.Flags().StringP("password", "p", "", "password (at least 6 characters)")
	signupCmd.Flags().String("confirm", "", "password confirmation")

	profileCmd.Flags().String("name", "", "new full name")
	profileCmd.Flags().String("mobile", "", "mobile number")
	profileCmd.Flags().String("shift", "", "preferred shift")

	rootCmd.AddCommand(loginCmd, signupCmd, logoutCmd, whoamiCmd, profileCmd)
}
