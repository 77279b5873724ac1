package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"threadline/pkg/client"
	"threadline/pkg/events"
	"threadline/pkg/timeout"
)

type watchOptions struct {
	Count int
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	wo := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch [conversation]",
		Short: "Stream live events for the account and optionally one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view := client.View{AccountID: opts.User}
			if len(args) == 1 {
				view.ConversationID = args[0]
			}
			return runWatch(cmd.Context(), opts, wo, cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().IntVar(&wo.Count, "count", 0, "exit after this many events (0 = until interrupted)")
	return cmd
}

type watchLine struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Message string          `json:"message_id,omitempty"`
	Event   json.RawMessage `json:"event"`
}

func runWatch(ctx context.Context, opts *RootOptions, wo *watchOptions, w io.Writer, view client.View) error {
	if view.AccountID == "" && view.ConversationID == "" {
		return NewExitError(ExitCommandError, "watch needs --user or a conversation id")
	}
	c, err := opts.Client()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid client options", err)
	}
	settings, err := c.Settings(ctx)
	if err != nil {
		return classify("load settings", err)
	}
	f, err := c.DialFeed(ctx)
	if err != nil {
		return classify("connect feed", err)
	}
	defer f.Close()

	s := client.NewSession(c, f, settings, client.OnTimeout(func(convID string, timedOut bool) {
		if timedOut && opts.Format == "text" {
			fmt.Fprintf(w, "! no reply in %s after %s\n", convID, settings.TimeoutWindow())
		}
	}))
	if _, err := s.SetView(ctx, view); err != nil {
		return classify("subscribe", err)
	}
	if opts.Verbose && opts.Format == "text" {
		fmt.Fprintf(w, "watching %s (%d messages loaded)\n", client.Declaration(view).Topics(), s.Timeline().Len())
	}

	interval := settings.TimeoutCheckInterval()
	if interval <= 0 {
		interval = timeout.DefaultInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.CheckTimeouts()
			if err := s.RecoverStale(ctx); err != nil && opts.Verbose {
				fmt.Fprintf(w, "! refresh failed: %v\n", err)
			}
		case u, ok := <-f.Updates():
			if !ok {
				return classify("feed", f.Err())
			}
			s.Handle(ctx, u)
			if err := printUpdate(w, opts.Format, u, s); err != nil {
				return err
			}
			seen++
			if wo.Count > 0 && seen >= wo.Count {
				return nil
			}
		}
	}
}

func printUpdate(w io.Writer, format string, u client.Update, s *client.Session) error {
	id := events.MessageID(u.Event)
	if format == "json" {
		raw, err := events.Encode(u.Event)
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(watchLine{Topic: u.Topic.String(), Kind: string(u.Event.Kind()), Message: id, Event: raw})
	}
	switch ev := u.Event.(type) {
	case events.StreamingUpdate, events.ThinkingUpdate:
		// chunks are folded into the message; print progress only
		if m, ok := s.Timeline().Get(id); ok {
			fmt.Fprintf(w, "%s %s streaming %d bytes\n", u.Topic, id, len(m.Content))
		}
	case events.End:
		if m, ok := s.Timeline().Get(id); ok {
			printMessage(w, m)
		}
	case events.MessageCreated:
		printMessage(w, ev.Message)
	case events.ConversationUpdated:
		fmt.Fprintf(w, "%s updated %q\n", u.Topic, ev.Conversation.Title)
	case events.WhiteboardUpdated:
		fmt.Fprintf(w, "%s whiteboard revision %d by %s\n", u.Topic, ev.Whiteboard.Revision, ev.Whiteboard.LastEditorID)
	case events.TurnStarted:
		fmt.Fprintf(w, "%s %s started responding\n", u.Topic, ev.Turn.AgentID)
	case events.TurnFinished:
		fmt.Fprintf(w, "%s %s finished (%s)\n", u.Topic, ev.Turn.AgentID, ev.Status)
	default:
		fmt.Fprintf(w, "%s %s %s\n", u.Topic, u.Event.Kind(), id)
	}
	return nil
}
