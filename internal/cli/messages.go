package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"threadline/pkg/models"
)

func author(m models.Message) string {
	switch {
	case m.AuthorAgentID != "":
		return m.AuthorAgentID
	case m.AuthorAccountID != "":
		return m.AuthorAccountID
	}
	return string(m.Role)
}

func printMessage(w io.Writer, m models.Message) {
	status := ""
	if m.Status != models.StatusComplete {
		status = " (" + string(m.Status) + ")"
	}
	fmt.Fprintf(w, "#%d %s %s%s: %s\n", m.Position, ago(m.CreatedTS), author(m), status, m.Content)
}

type historyOptions struct {
	Before string
	All    bool
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	h := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Print a page of history, newest page first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			convID := args[0]
			page, err := c.History(cmd.Context(), convID, h.Before)
			if err != nil {
				return classify("load history", err)
			}
			msgs := page.Messages
			for h.All && page.HasMore && page.OldestID != nil {
				page, err = c.History(cmd.Context(), convID, *page.OldestID)
				if err != nil {
					return classify("load history", err)
				}
				msgs = append(page.Messages, msgs...)
			}
			if msgs == nil {
				msgs = []models.Message{}
			}
			out := models.Page{Messages: msgs, HasMore: page.HasMore, OldestID: page.OldestID}
			return newPrinter(opts, cmd).print(out, func(w io.Writer) {
				for _, m := range msgs {
					printMessage(w, m)
				}
				if out.HasMore && out.OldestID != nil {
					fmt.Fprintf(w, "-- older history: --before %s\n", *out.OldestID)
				}
			})
		},
	}
	cmd.Flags().StringVar(&h.Before, "before", "", "page before this message id")
	cmd.Flags().BoolVar(&h.All, "all", false, "page back to the first message")
	return cmd
}

func newSendCommand(opts *RootOptions) *cobra.Command {
	var resendOf string
	cmd := &cobra.Command{
		Use:   "send <conversation> <text>...",
		Short: "Send a message as the acting account",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			sent, err := c.Send(cmd.Context(), args[0], strings.Join(args[1:], " "), resendOf)
			if err != nil {
				return classify("send message", err)
			}
			return newPrinter(opts, cmd).print(sent, func(w io.Writer) {
				printMessage(w, sent.Message)
				switch {
				case sent.Turn != nil:
					fmt.Fprintf(w, "%s is responding (%s)\n", sent.Turn.AgentID, sent.Turn.MessageID)
				case sent.TurnError != nil:
					fmt.Fprintf(w, "no reply started: %s\n", sent.TurnError.Error)
				}
			})
		},
	}
	cmd.Flags().StringVar(&resendOf, "resend-of", "", "mark this message as a resend of an unanswered one")
	return cmd
}

func newTriggerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <conversation> <agent>",
		Short: "Ask an agent to respond in a manual conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			turn, err := c.Trigger(cmd.Context(), args[0], args[1])
			if err != nil {
				return classify("trigger "+args[1], err)
			}
			return newPrinter(opts, cmd).print(turn, func(w io.Writer) {
				fmt.Fprintf(w, "%s is responding (%s)\n", turn.AgentID, turn.MessageID)
			})
		},
	}
}

func newAgentsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents <conversation>",
		Short: "List the agents that can respond",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			ag, err := c.Agents(cmd.Context(), args[0])
			if err != nil {
				return classify("list agents", err)
			}
			return newPrinter(opts, cmd).print(ag, func(w io.Writer) {
				for _, p := range ag.Agents {
					fmt.Fprintf(w, "%-20s %-10s %s\n", p.ID, p.Eligibility, p.Name)
				}
				if ag.Active != nil {
					fmt.Fprintf(w, "active: %s since %s\n", ag.Active.AgentID, ago(ag.Active.StartedTS))
				}
				fmt.Fprintf(w, "triggerable: %t\n", ag.Triggerable)
			})
		},
	}
}

func newSettingsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Show the server's client tunables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.Client()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid client options", err)
			}
			s, err := c.Settings(cmd.Context())
			if err != nil {
				return classify("load settings", err)
			}
			return newPrinter(opts, cmd).print(s, func(w io.Writer) {
				fmt.Fprintf(w, "version:          %s\n", s.Version)
				fmt.Fprintf(w, "page size:        %d\n", s.PageSize)
				fmt.Fprintf(w, "reply timeout:    %s (checked every %s)\n", s.TimeoutWindow(), s.TimeoutCheckInterval())
				fmt.Fprintf(w, "max message:      %s\n", humanize.IBytes(uint64(s.MaxMessageSize)))
				fmt.Fprintf(w, "max whiteboard:   %s\n", humanize.IBytes(uint64(s.MaxWhiteboardSize)))
			})
		},
	}
}
