package main

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"happysrt/api/internal/thread"
	"happysrt/api/internal/threadsync"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var mimeType string
	cmd := &cobra.Command{
		Use:   "upload <thread-id> <file>",
		Short: "Stage a local audio or video file in a thread's draft",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := readMediaFile(args[1], mimeType)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				entry, err := rt.engine.AddDraftMediaFromFile(cmd.Context(), args[0], file)
				if err != nil {
					return errors.Wrapf(err, "upload %s", file.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Staged %s (%s) as %s [%s]\n",
					file.Name, humanize.IBytes(uint64(len(file.Data))), entry.ItemID, entry.Stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "content type; detected from the file when empty")
	return cmd
}

func newLinkCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <thread-id> <url>",
		Short: "Stage a remote media URL in a thread's draft",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				entry, err := rt.engine.AddDraftMediaFromURL(cmd.Context(), args[0], args[1])
				if err != nil {
					return errors.Wrap(err, "link media")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Linked %s as %s\n", entry.URL, entry.ItemID)
				return nil
			})
		},
	}
}

func newRemoveMediaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm-media <thread-id> <item-id>",
		Short: "Remove an entry from a thread's draft",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, false, func(rt *runtime) error {
				if err := rt.engine.DeleteDraftMedia(cmd.Context(), args[0], args[1]); err != nil {
					return errors.Wrap(err, "remove draft entry")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[1])
				return nil
			})
		},
	}
}

func newDraftsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drafts [thread-id]",
		Short: "List the draft entries of a thread (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), opts, true, func(rt *runtime) error {
				threadID := rt.engine.ActiveID()
				if len(args) == 1 {
					threadID = args[0]
				}
				t, ok := rt.engine.Thread(threadID)
				if !ok {
					return errors.Wrapf(thread.ErrNotFound, "thread %s", threadID)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ITEM\tSOURCE\tSTAGE\tNAME\tSIZE")
				for _, f := range t.Draft.Files {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.ItemID, f.SourceType, f.Stage, draftName(f), draftSize(f))
				}
				return w.Flush()
			})
		},
	}
}

func draftName(f thread.DraftFile) string {
	if f.Local != nil && f.Local.Name != "" {
		return f.Local.Name
	}
	return f.URL
}

func draftSize(f thread.DraftFile) string {
	if f.Local == nil {
		return "-"
	}
	return humanize.IBytes(uint64(f.Local.Size))
}

func readMediaFile(path, mimeType string) (threadsync.MediaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return threadsync.MediaFile{}, errors.Wrap(err, "read media file")
	}
	info, err := os.Stat(path)
	if err != nil {
		return threadsync.MediaFile{}, errors.Wrap(err, "stat media file")
	}
	if mimeType == "" {
		mimeType = detectMime(path, data)
	}
	return threadsync.MediaFile{
		Name:         filepath.Base(path),
		Mime:         mimeType,
		Data:         data,
		LastModified: info.ModTime(),
	}, nil
}

// detectMime prefers the extension, since sniffing cannot tell most audio
// containers apart.
func detectMime(path string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}
