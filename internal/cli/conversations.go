package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"threadline/pkg/client"
	"threadline/pkg/models"
)

func ago(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return humanize.Time(time.Unix(0, ts))
}

func newConversationsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List and create conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListConversations(cmd.Context(), opts, cmd)
		},
	}

	var create client.CreateConversation
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			conv, err := c.CreateConversation(cmd.Context(), create)
			if err != nil {
				return classify("create conversation", err)
			}
			return newPrinter(opts, cmd).print(conv, func(w io.Writer) {
				fmt.Fprintln(w, conv.ID)
			})
		},
	}
	createCmd.Flags().StringVar(&create.Title, "title", "", "conversation title")
	createCmd.Flags().BoolVar(&create.ManualTurns, "manual", false, "agents respond only when triggered")
	createCmd.Flags().StringVar(&create.DefaultAgentID, "default-agent", "", "agent answering every message (automatic conversations)")
	createCmd.Flags().StringVar(&create.AccountID, "account", "", "owning account (backend keys only)")
	cmd.AddCommand(createCmd)
	return cmd
}

func runListConversations(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	c, err := opts.Client()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid client options", err)
	}
	list, err := c.ListConversations(ctx)
	if err != nil {
		return classify("list conversations", err)
	}
	if list == nil {
		list = []models.Conversation{}
	}
	return newPrinter(opts, cmd).print(list, func(w io.Writer) {
		for _, conv := range list {
			mode := "auto"
			if conv.ManualTurns {
				mode = "manual"
			}
			state := ""
			switch {
			case conv.Archived:
				state = " [archived]"
			case conv.AgentResponding():
				state = " [" + conv.RespondingAgentID + " responding]"
			}
			fmt.Fprintf(w, "%s  %-6s  %-24q  updated %s%s\n", conv.ID, mode, conv.Title, ago(conv.UpdatedTS), state)
		}
	})
}
