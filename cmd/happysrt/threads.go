package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"happysrt/api/internal/thread"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull thread changes from the server into the local cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				if rt.engine.Owner().IsGuest() {
					fmt.Fprintln(cmd.OutOrStdout(), "guest threads live on this device only; nothing to sync")
					return nil
				}
				if err := rt.engine.SyncFromServer(cmd.Context()); err != nil {
					return errors.Wrap(err, "sync")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d thread(s) in sync\n", len(rt.engine.Threads()))
				return nil
			})
		},
	}
}

func newThreadsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "threads",
		Aliases: []string{"ls"},
		Short:   "List threads, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), opts, true, func(rt *runtime) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "\tID\tTITLE\tITEMS\tDRAFT\tUPDATED")
				active := rt.engine.ActiveID()
				for _, t := range rt.engine.Threads() {
					marker := ""
					if t.ID == active {
						marker = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
						marker, t.ID, t.Title, len(t.Items), len(t.Draft.Files), humanize.Time(t.UpdatedAt))
				}
				return w.Flush()
			})
		},
	}
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a thread and make it active",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				var (
					t   thread.Thread
					err error
				)
				if id != "" {
					t, err = rt.engine.CreateThreadWithID(cmd.Context(), id, title)
				} else {
					t, err = rt.engine.CreateThread(cmd.Context(), title)
				}
				if err != nil {
					return errors.Wrap(err, "create thread")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s %q\n", t.ID, t.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "thread id to use instead of a generated one")
	return cmd
}

func newRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <thread-id> <title>",
		Short: "Rename a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				t, err := rt.engine.RenameThread(cmd.Context(), args[0], args[1])
				if err != nil {
					return errors.Wrap(err, "rename thread")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q (version %d)\n", t.ID, t.Title, t.Version)
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <thread-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a thread and its cached media",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				if err := rt.engine.DeleteThread(cmd.Context(), args[0]); err != nil {
					return errors.Wrap(err, "delete thread")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use <thread-id>",
		Short: "Make a thread the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				if err := rt.engine.SetActive(cmd.Context(), args[0]); err != nil {
					return errors.Wrap(err, "select thread")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Active thread is %s\n", args[0])
				return nil
			})
		},
	}
}

func newAddItemCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-item <thread-id> <type> [payload-json]",
		Short: "Append an item to a thread on this device",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 3 && strings.TrimSpace(args[2]) != "" {
				payload = json.RawMessage(args[2])
			}
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				item, err := rt.engine.AddItem(cmd.Context(), args[0], args[1], payload)
				if err != nil {
					return errors.Wrap(err, "add item")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s item %s\n", item.Type, item.ID)
				return nil
			})
		},
	}
}
