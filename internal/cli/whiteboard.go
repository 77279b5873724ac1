package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"threadline/pkg/whiteboard"
)

func newWhiteboardCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "whiteboard",
		Aliases: []string{"wb"},
		Short:   "Read or save a conversation's whiteboard",
	}
	cmd.AddCommand(newWhiteboardGetCommand(opts))
	cmd.AddCommand(newWhiteboardSaveCommand(opts))
	return cmd
}

func newWhiteboardGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <conversation>",
		Short: "Print the whiteboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			v, err := c.Whiteboard(cmd.Context(), args[0])
			if err != nil {
				return classify("load whiteboard", err)
			}
			return newPrinter(opts, cmd).print(v, func(w io.Writer) {
				editor := v.Whiteboard.LastEditorID
				if editor == "" {
					editor = "-"
				}
				fmt.Fprintf(w, "revision %d, last edited by %s %s\n", v.Whiteboard.Revision, editor, ago(v.Whiteboard.UpdatedTS))
				for _, s := range v.EditSessions {
					fmt.Fprintf(w, "being edited by %s\n", s.AccountID)
				}
				fmt.Fprintln(w, v.Whiteboard.Content)
			})
		},
	}
}

type whiteboardSaveOptions struct {
	File     string
	Revision int64
}

func newWhiteboardSaveCommand(opts *RootOptions) *cobra.Command {
	so := &whiteboardSaveOptions{}
	cmd := &cobra.Command{
		Use:   "save <conversation>",
		Short: "Save new whiteboard content from a file or stdin",
		Long: `Save new whiteboard content. The save only succeeds if --revision is
still current; otherwise the server's copy is printed and the command exits 3.
Without --revision the current revision is read first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			var content []byte
			if so.File == "" || so.File == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(so.File)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "read content", err)
			}

			convID := args[0]
			expected := uint64(so.Revision)
			if so.Revision < 0 {
				v, err := c.Whiteboard(cmd.Context(), convID)
				if err != nil {
					return classify("load whiteboard", err)
				}
				expected = v.Whiteboard.Revision
			}

			wb, err := c.SaveWhiteboard(cmd.Context(), convID, string(content), expected)
			var ce *whiteboard.ConflictError
			if errors.As(err, &ce) {
				p := newPrinter(opts, cmd)
				_ = p.print(map[string]any{"conflict": true, "current_revision": ce.ServerRevision, "current_content": ce.ServerContent}, func(w io.Writer) {
					fmt.Fprintf(w, "conflict: whiteboard is at revision %d\n%s\n", ce.ServerRevision, ce.ServerContent)
				})
				return classify("save whiteboard", err)
			}
			if err != nil {
				return classify("save whiteboard", err)
			}
			return newPrinter(opts, cmd).print(wb, func(w io.Writer) {
				fmt.Fprintf(w, "saved revision %d\n", wb.Revision)
			})
		},
	}
	cmd.Flags().StringVarP(&so.File, "file", "f", "-", "content file, - for stdin")
	cmd.Flags().Int64Var(&so.Revision, "revision", -1, "revision the edit is based on")
	return cmd
}
