package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/history"
	"threadline/pkg/models"
	"threadline/pkg/state/logger"
	"threadline/pkg/stream"
	"threadline/pkg/timeout"
	"threadline/pkg/timeutil"
	"threadline/pkg/whiteboard"
)

// scrollThreshold is how close to the top, in pixels, a viewport must be
// before older history is paged in.
const scrollThreshold = 200

// View is what one viewer is looking at.
type View struct {
	AccountID      string
	ConversationID string
}

// Declaration derives the feed subscriptions for v. Equal views always
// yield equal declarations.
func Declaration(v View) feed.Declaration {
	d := feed.Declaration{}
	if v.AccountID != "" {
		d[feed.KindConversationList] = []string{v.AccountID}
	}
	if v.ConversationID != "" {
		d[feed.KindConversation] = []string{v.ConversationID}
		d[feed.KindMessages] = []string{v.ConversationID}
		d[feed.KindWhiteboard] = []string{v.ConversationID}
	}
	return d
}

// Declarer replaces a connection's subscriptions.
type Declarer interface {
	Declare(ctx context.Context, d feed.Declaration) (Declared, error)
}

type SessionOption func(*Session)

// WithClock replaces the clock used for timeout detection.
func WithClock(c timeutil.Clock) SessionOption { return func(s *Session) { s.clock = c } }

// OnTimeout registers fn to run when a conversation's timed-out state flips.
func OnTimeout(fn func(convID string, timedOut bool)) SessionOption {
	return func(s *Session) { s.onTimeout = fn }
}

// Session is the client-side state of one viewer: the active conversation's
// timeline, in-flight streams, whiteboard draft and reply timeouts, plus
// the account's conversation list.
type Session struct {
	api      *Client
	decl     Declarer
	settings Settings
	clock    timeutil.Clock

	onTimeout func(string, bool)
	timeouts  *timeout.Controller

	// refetches collapses concurrent re-reads of one stale message
	refetches singleflight.Group

	mu            sync.Mutex
	view          View
	sig           uint64
	declared      bool
	conv          models.Conversation
	conversations map[string]models.Conversation
	timeline      *history.Timeline
	stream        *stream.Accumulator
	loader        *history.Loader
	draft         *whiteboard.Draft
}

func NewSession(api *Client, decl Declarer, settings Settings, opts ...SessionOption) *Session {
	s := &Session{
		api:           api,
		decl:          decl,
		settings:      settings,
		clock:         timeutil.System,
		conversations: make(map[string]models.Conversation),
	}
	for _, o := range opts {
		o(s)
	}
	topts := []timeout.Option{timeout.WithClock(s.clock)}
	if s.onTimeout != nil {
		topts = append(topts, timeout.OnChange(s.onTimeout))
	}
	s.timeouts = timeout.New(settings.TimeoutWindow(), topts...)
	s.reset("")
	return s
}

// reset replaces the per-conversation state. Callers hold s.mu or own s
// exclusively.
func (s *Session) reset(convID string) {
	s.timeline = history.NewTimeline()
	opts := []stream.Option{stream.OnTerminal(s.terminal)}
	if s.settings.MaxMessageSize > 0 {
		opts = append(opts, stream.WithMaxBytes(int(s.settings.MaxMessageSize)))
	}
	s.stream = stream.New(opts...)
	s.loader = history.NewLoader(convID, s.api.History, s.timeline, scrollThreshold)
	s.draft = whiteboard.NewDraft(models.Whiteboard{ConversationID: convID})
	s.conv = models.Conversation{ID: convID}
}

// SetView switches what the viewer looks at. The feed is re-declared only
// when the derived subscription set changes; switching conversation loads
// its newest history page and whiteboard. It reports whether a
// declaration was sent.
func (s *Session) SetView(ctx context.Context, v View) (bool, error) {
	d := Declaration(v)
	sig := d.Signature()

	s.mu.Lock()
	switched := v.ConversationID != s.view.ConversationID
	redeclare := !s.declared || sig != s.sig
	prev := s.view.ConversationID
	s.view = v
	if switched {
		s.reset(v.ConversationID)
	}
	s.mu.Unlock()

	if switched && prev != "" {
		s.timeouts.Forget(prev)
	}
	if redeclare {
		res, err := s.decl.Declare(ctx, d)
		if err != nil {
			return false, fmt.Errorf("declare: %w", err)
		}
		s.mu.Lock()
		s.sig, s.declared = sig, true
		s.mu.Unlock()
		logger.Debug("session_declared", "topics", len(res.Topics), "pending", len(res.Pending))
	}
	if switched && v.ConversationID != "" {
		if err := s.load(ctx, v.ConversationID); err != nil {
			return redeclare, err
		}
	}
	return redeclare, nil
}

func (s *Session) load(ctx context.Context, convID string) error {
	view, err := s.api.Conversation(ctx, convID)
	if err != nil {
		return err
	}
	wb, err := s.api.Whiteboard(ctx, convID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.view.ConversationID != convID {
		s.mu.Unlock()
		return nil
	}
	s.conv = view.Conversation
	s.draft = whiteboard.NewDraft(wb.Whiteboard)
	loader := s.loader
	s.mu.Unlock()

	page, err := loader.LoadOlder(ctx, "")
	if err != nil {
		return err
	}
	s.track(convID, page.Messages)
	return nil
}

// track registers non-terminal messages with the accumulator so their
// stream events can be applied.
func (s *Session) track(convID string, msgs []models.Message) {
	s.mu.Lock()
	acc := s.stream
	active := s.view.ConversationID == convID
	s.mu.Unlock()
	if !active {
		return
	}
	for _, m := range msgs {
		if !m.Terminal() {
			acc.Track(m)
		}
	}
}

func (s *Session) terminal(f stream.Final) {
	s.timeouts.Observe(f.Message)
}

// Handle folds one feed update into the session.
func (s *Session) Handle(ctx context.Context, u Update) {
	if u.Topic.Kind == feed.KindConversationList {
		switch ev := u.Event.(type) {
		case events.ConversationUpdated:
			s.mu.Lock()
			s.conversations[ev.Conversation.ID] = ev.Conversation
			s.mu.Unlock()
		case events.Resync:
			if err := s.RefreshConversations(ctx); err != nil {
				logger.Warn("session_resync_failed", "topic", ev.Topic, "error", err)
			}
		}
		return
	}

	s.mu.Lock()
	if u.Topic.ID != s.view.ConversationID {
		s.mu.Unlock()
		return
	}
	tl, acc, draft := s.timeline, s.stream, s.draft
	s.mu.Unlock()

	switch ev := u.Event.(type) {
	case events.StreamingUpdate, events.ThinkingUpdate, events.End:
		out := acc.Apply(ev)
		if m, ok := acc.Message(events.MessageID(ev)); ok && (out == stream.Applied || out == stream.Completed) {
			tl.UpsertLive(m)
		}
		switch out {
		case stream.Gap:
			go func(id string) {
				if err := s.refetch(ctx, u.Topic.ID, id); err != nil {
					logger.Warn("session_refetch_failed", "message_id", id, "error", err)
				}
			}(events.MessageID(ev))
		case stream.Unknown:
			logger.Debug("session_stream_untracked", "message_id", events.MessageID(ev))
		}
	case events.MessageCreated:
		s.upsert(tl, acc, ev.Message)
		if ev.Message.Role == models.RoleHuman {
			s.expect(ev.Message)
		}
	case events.MessageUpdated:
		s.upsert(tl, acc, ev.Message)
	case events.MessageDeleted:
		tl.Remove(ev.MessageID)
		acc.Forget(ev.MessageID)
	case events.ConversationUpdated:
		s.mu.Lock()
		s.conv = ev.Conversation
		s.conversations[ev.Conversation.ID] = ev.Conversation
		s.mu.Unlock()
	case events.TurnStarted:
		s.mu.Lock()
		s.conv.RespondingAgentID, s.conv.RespondingMessageID = ev.Turn.AgentID, ev.Turn.MessageID
		s.mu.Unlock()
	case events.TurnFinished:
		s.mu.Lock()
		if s.conv.RespondingMessageID == ev.Turn.MessageID {
			s.conv.RespondingAgentID, s.conv.RespondingMessageID = "", ""
		}
		s.mu.Unlock()
	case events.WhiteboardUpdated:
		draft.Confirm(ev.Whiteboard)
	case events.Resync:
		if err := s.Reconcile(ctx); err != nil {
			logger.Warn("session_resync_failed", "topic", ev.Topic, "error", err)
		}
	}
}

func (s *Session) upsert(tl *history.Timeline, acc *stream.Accumulator, m models.Message) {
	if m.Deleted {
		tl.Remove(m.ID)
		acc.Forget(m.ID)
		return
	}
	acc.Track(m)
	if cur, ok := acc.Message(m.ID); ok {
		m = cur
	}
	tl.UpsertLive(m)
	if m.Terminal() {
		s.timeouts.Observe(m)
	}
}

// expect arms the reply timeout for a human message in an automatic
// conversation.
func (s *Session) expect(m models.Message) {
	s.mu.Lock()
	auto := !s.conv.ManualTurns && s.conv.DefaultAgentID != ""
	s.mu.Unlock()
	if auto {
		s.timeouts.Expect(m)
	}
}

// refetch re-reads one message of convID and folds it into the session.
// Chunks held back by the accumulator are replayed on top of it.
func (s *Session) refetch(ctx context.Context, convID, id string) error {
	_, err, _ := s.refetches.Do(convID+"/"+id, func() (any, error) {
		m, err := s.api.Message(ctx, convID, id)
		s.mu.Lock()
		active := s.view.ConversationID == convID
		tl, acc := s.timeline, s.stream
		s.mu.Unlock()
		if !active {
			return nil, nil
		}
		if errors.Is(err, ErrNotFound) {
			tl.Remove(id)
			acc.Forget(id)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		s.upsert(tl, acc, m)
		return nil, nil
	})
	return err
}

// RecoverStale re-reads every message that missed a chunk.
func (s *Session) RecoverStale(ctx context.Context) error {
	s.mu.Lock()
	convID, acc := s.view.ConversationID, s.stream
	s.mu.Unlock()
	var errs []error
	for _, id := range acc.Stale() {
		errs = append(errs, s.refetch(ctx, convID, id))
	}
	return errors.Join(errs...)
}

// Reconcile re-reads the newest history page and whiteboard. Messages the
// accumulator marked stale are replaced by fresh copies.
func (s *Session) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	convID, tl, acc, draft := s.view.ConversationID, s.timeline, s.stream, s.draft
	s.mu.Unlock()
	if convID == "" {
		return nil
	}
	page, err := s.api.History(ctx, convID, "")
	if err != nil {
		return err
	}
	stale := make(map[string]bool)
	for _, id := range acc.Stale() {
		stale[id] = true
	}
	for _, m := range page.Messages {
		if _, live := tl.Get(m.ID); live || stale[m.ID] {
			acc.Track(m)
			if cur, ok := acc.Message(m.ID); ok {
				m = cur
			}
			tl.UpsertLive(m)
		}
	}
	tl.MergePage(page)
	if err := s.RecoverStale(ctx); err != nil {
		return err
	}
	wb, err := s.api.Whiteboard(ctx, convID)
	if err != nil {
		return err
	}
	draft.Confirm(wb.Whiteboard)
	logger.Debug("session_reconciled", "conversation_id", convID, "stale", len(stale))
	return nil
}

// RefreshConversations replaces the conversation list with the server's.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conversations = make(map[string]models.Conversation, len(list))
	for _, c := range list {
		s.conversations[c.ID] = c
	}
	s.mu.Unlock()
	return nil
}

// Send posts a human message in the active conversation.
func (s *Session) Send(ctx context.Context, content string) (Sent, error) {
	convID := s.View().ConversationID
	if convID == "" {
		return Sent{}, fmt.Errorf("no active conversation")
	}
	sent, err := s.api.Send(ctx, convID, content, "")
	if err != nil {
		return Sent{}, err
	}
	s.mu.Lock()
	tl := s.timeline
	active := s.view.ConversationID == convID
	s.mu.Unlock()
	if active {
		tl.UpsertLive(sent.Message)
		if sent.Turn != nil {
			s.mu.Lock()
			s.conv.RespondingAgentID, s.conv.RespondingMessageID = sent.Turn.AgentID, sent.Turn.MessageID
			s.mu.Unlock()
		}
		s.expect(sent.Message)
	}
	return sent, nil
}

// Resend submits the stalled message of the active conversation again.
func (s *Session) Resend(ctx context.Context) (models.Message, error) {
	convID := s.View().ConversationID
	m, err := s.timeouts.Resend(ctx, convID, s.api.SendMessage)
	if err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	if s.view.ConversationID == convID {
		s.timeline.UpsertLive(m)
	}
	s.mu.Unlock()
	return m, nil
}

// TimedOut reports whether the active conversation's reply is overdue.
func (s *Session) TimedOut() bool {
	return s.timeouts.TimedOut(s.View().ConversationID)
}

// OnScroll pages in older history when the viewport nears the top.
func (s *Session) OnScroll(ctx context.Context, v history.Viewport, measure func() float64) (float64, bool, error) {
	s.mu.Lock()
	loader, convID := s.loader, s.view.ConversationID
	s.mu.Unlock()
	top, loaded, err := loader.OnScroll(ctx, v, measure)
	if loaded {
		s.track(convID, s.Timeline().Messages())
	}
	return top, loaded, err
}

// LoadOlder pages in the history before the oldest loaded message.
func (s *Session) LoadOlder(ctx context.Context) (models.Page, error) {
	s.mu.Lock()
	loader, tl := s.loader, s.timeline
	s.mu.Unlock()
	cursor, more := tl.Cursor()
	if !more {
		return models.Page{Messages: []models.Message{}}, nil
	}
	return loader.LoadOlder(ctx, cursor)
}

// SaveWhiteboard submits the draft. A conflict is kept on the draft until
// resolved with KeepMine or UseTheirs.
func (s *Session) SaveWhiteboard(ctx context.Context) (models.Whiteboard, error) {
	s.mu.Lock()
	convID, draft := s.view.ConversationID, s.draft
	s.mu.Unlock()
	return draft.Save(ctx, func(ctx context.Context, content string, expected uint64) (models.Whiteboard, error) {
		return s.api.SaveWhiteboard(ctx, convID, content, expected)
	})
}

// Run applies updates until ctx ends or the channel closes. Reply timeouts
// and messages left stale by a gap are checked on the configured interval.
func (s *Session) Run(ctx context.Context, updates <-chan Update) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	interval := s.settings.TimeoutCheckInterval()
	if interval <= 0 {
		interval = timeout.DefaultInterval
	}
	go s.timeouts.Run(ctx, interval)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.RecoverStale(ctx); err != nil {
				logger.Warn("session_stale_recovery_failed", "error", err)
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.Handle(ctx, u)
		}
	}
}

// CheckTimeouts recomputes reply timeouts now.
func (s *Session) CheckTimeouts() []string { return s.timeouts.Check() }

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) Conversation() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Conversations returns the list entries seen on the feed, newest first.
func (s *Session) Conversations() []models.Conversation {
	s.mu.Lock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTS > out[j].UpdatedTS })
	return out
}

func (s *Session) Timeline() *history.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

func (s *Session) Draft() *whiteboard.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Messages returns the visible messages of the active conversation.
func (s *Session) Messages() []models.Message { return s.Timeline().Messages() }
