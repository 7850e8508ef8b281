// Package cli is the terminal front end of a collaboration session.
package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/yourhiddentrip/tripcollab/internal/identity"
	"github.com/yourhiddentrip/tripcollab/pkg/logger"
)

// RootOptions holds the global flags.
type RootOptions struct {
	Server    string
	Name      string
	UserID    string
	Avatar    string
	StatePath string
	LogLevel  string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "collab",
		Short: "Plan a trip together from the terminal",
		Long: `collab joins a live collaboration session on a trip itinerary.

Start a session for a trip, share the printed session id, and let others
join it. Type "help" inside a session for the list of commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := logger.ParseLevel(opts.LogLevel); err != nil {
				return wrapExit(ExitCommandError, "invalid --log-level", err)
			}
			u, err := url.Parse(opts.Server)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return wrapExit(ExitCommandError, fmt.Sprintf("invalid --server %q", opts.Server), err)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.Server, "server", "http://localhost:8080", "collabd base URL")
	pf.StringVar(&opts.Name, "name", "", "display name shown to other travellers")
	pf.StringVar(&opts.UserID, "user", "", "user id (anonymous id from the state file when empty)")
	pf.StringVar(&opts.Avatar, "avatar", "", "avatar URL")
	pf.StringVar(&opts.StatePath, "state", identity.DefaultPath(), "path of the local state file")
	pf.StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(newStartCommand(opts))
	cmd.AddCommand(newJoinCommand(opts))
	cmd.AddCommand(newRejoinCommand(opts))
	cmd.AddCommand(newWhoamiCommand(opts))

	return cmd
}

func newStartCommand(opts *RootOptions) *cobra.Command {
	var trip string
	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a new session for a trip",
		Example: `  collab start --trip rome-2026 --name Alice`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, target{tripID: trip})
		},
	}
	cmd.Flags().StringVar(&trip, "trip", "", "trip id (required)")
	_ = cmd.MarkFlagRequired("trip")
	return cmd
}

func newJoinCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "join <session-id>",
		Short:   "Join an existing session",
		Example: `  collab join 6f1c0a52-... --name Bob`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts, target{sessionID: args[0]})
		},
	}
}

func newRejoinCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rejoin",
		Short: "Rejoin the last session that was not left explicitly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := identity.Open(opts.StatePath)
			if err != nil {
				return wrapExit(ExitCommandError, "open state", err)
			}
			last, err := st.Last()
			_ = st.Close()
			if err != nil {
				return wrapExit(ExitCommandError, "nothing to rejoin", err)
			}
			if !cmd.Flags().Changed("server") && last.Server != "" {
				opts.Server = last.Server
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resuming session %s (last seen update %d)\n", last.SessionID, last.Watermark)
			return runSession(cmd, opts, target{sessionID: last.SessionID})
		},
	}
}

func newWhoamiCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the local anonymous user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := identity.Open(opts.StatePath)
			if err != nil {
				return wrapExit(ExitCommandError, "open state", err)
			}
			defer st.Close()
			id, err := st.UserID()
			if err != nil {
				return wrapExit(ExitCommandError, "read user id", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
