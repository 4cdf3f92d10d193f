package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"happysrt/api/internal/client"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a bearer token after checking it with the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("--token is required")
			}
			configPath, err := opts.configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			api := client.New(opts.serverURL(cfg), client.WithToken(token))
			session, err := api.Session(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "check token")
			}
			if !session.Authenticated || session.UserID == nil {
				return errors.New("token was rejected by the server")
			}
			cfg.Server.URL = opts.serverURL(cfg)
			cfg.Auth = ConfigAuth{Token: token, UserID: *session.UserID, Email: session.Email}
			if err := saveConfig(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s plan)\n", displayName(session), session.Plan)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued by the auth service")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token; cached threads stay on disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := opts.configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cfg.Auth = ConfigAuth{}
			if err := saveConfig(configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session, plan and storage usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				out := cmd.OutOrStdout()
				if rt.api == nil {
					fmt.Fprintf(out, "offline, cache scope %s\n", rt.engine.Owner().Scope())
					return nil
				}
				session, err := rt.api.Session(cmd.Context())
				if err != nil {
					return errors.Wrap(err, "fetch session")
				}
				if !session.Authenticated {
					fmt.Fprintf(out, "guest %s, %s plan, %d thread(s) allowed\n", rt.api.GuestID(), session.Plan, session.ThreadLimit)
				} else {
					fmt.Fprintf(out, "%s, %s plan, %d thread(s) allowed\n", displayName(session), session.Plan, session.ThreadLimit)
				}
				if session.Storage != nil {
					fmt.Fprintf(out, "storage: %s of %s\n",
						humanize.IBytes(uint64(session.Storage.UsedBytes)),
						humanize.IBytes(uint64(session.Storage.LimitBytes)))
				}
				return nil
			})
		},
	}
}

func displayName(session client.Session) string {
	switch {
	case session.Name != "":
		return session.Name
	case session.Email != "":
		return session.Email
	case session.UserID != nil:
		return *session.UserID
	}
	return "unknown user"
}
