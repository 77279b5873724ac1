package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/timeutil"
	"threadline/pkg/whiteboard"
)

type recordingDeclarer struct {
	calls []feed.Declaration
}

func (r *recordingDeclarer) Declare(_ context.Context, d feed.Declaration) (Declared, error) {
	r.calls = append(r.calls, d)
	return Declared{Topics: feed.TopicStrings(d.Topics())}, nil
}

func TestDeclarationFollowsView(t *testing.T) {
	assert.Empty(t, Declaration(View{}))
	assert.Equal(t, feed.Declaration{feed.KindConversationList: {"acct1"}}, Declaration(View{AccountID: "acct1"}))

	a := Declaration(View{AccountID: "acct1", ConversationID: "c1"})
	b := Declaration(View{AccountID: "acct1", ConversationID: "c1"})
	assert.Equal(t, a.Signature(), b.Signature())
	assert.NotEqual(t, a.Signature(), Declaration(View{AccountID: "acct1", ConversationID: "c2"}).Signature())
	assert.Len(t, a.Topics(), 4)
}

func TestSetViewRedeclaresOnlyOnChange(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)

	decl := &recordingDeclarer{}
	s := NewSession(c, decl, Settings{})

	sent, err := s.SetView(ctx, View{AccountID: "acct1"})
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = s.SetView(ctx, View{AccountID: "acct1"})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = s.SetView(ctx, View{AccountID: "acct1", ConversationID: conv.ID})
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, decl.calls, 2)
	assert.Equal(t, []string{conv.ID}, decl.calls[1][feed.KindMessages])
	assert.Equal(t, conv.ID, s.Conversation().ID)
}

func TestSessionAppliesStreamEvents(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)

	s := NewSession(c, &recordingDeclarer{}, Settings{})
	_, err = s.SetView(ctx, View{AccountID: "acct1", ConversationID: conv.ID})
	require.NoError(t, err)

	topic := feed.MessagesTopic(conv.ID)
	pending := models.Message{ID: "m1", ConversationID: conv.ID, Role: models.RoleAgent, Status: models.StatusPending, Position: 1}
	s.Handle(ctx, Update{Topic: topic, Event: events.MessageCreated{Message: pending}})
	s.Handle(ctx, Update{Topic: topic, Event: events.StreamingUpdate{MessageID: "m1", Seq: 1, Chunk: "Hel"}})
	s.Handle(ctx, Update{Topic: topic, Event: events.StreamingUpdate{MessageID: "m1", Seq: 1, Chunk: "Hel"}})
	s.Handle(ctx, Update{Topic: topic, Event: events.StreamingUpdate{MessageID: "m1", Seq: 2, Chunk: "lo"}})

	m, ok := s.Timeline().Get("m1")
	require.True(t, ok)
	assert.Equal(t, "Hello", m.Content)
	assert.Equal(t, models.StatusStreaming, m.Status)

	s.Handle(ctx, Update{Topic: topic, Event: events.End{MessageID: "m1", Status: models.StatusComplete}})
	m, _ = s.Timeline().Get("m1")
	assert.Equal(t, models.StatusComplete, m.Status)

	// events for another conversation are ignored
	s.Handle(ctx, Update{Topic: feed.MessagesTopic("other"), Event: events.MessageCreated{Message: models.Message{ID: "x"}}})
	_, ok = s.Timeline().Get("x")
	assert.False(t, ok)

	s.Handle(ctx, Update{Topic: topic, Event: events.MessageDeleted{ConversationID: conv.ID, MessageID: "m1"}})
	_, ok = s.Timeline().Get("m1")
	assert.False(t, ok)
}

// storeGenerating puts an agent message with content at seq into conv as
// if a flush had just written it.
func storeGenerating(t *testing.T, srv *server, convID, content string, seq uint64) models.Message {
	t.Helper()
	m, _, err := srv.db.AppendMessage(models.Message{
		ConversationID: convID,
		Role:           models.RoleAgent,
		Status:         models.StatusStreaming,
		Content:        content,
		StreamSeq:      seq,
	}, nil)
	require.NoError(t, err)
	return m
}

func flushTo(t *testing.T, srv *server, id, content string, seq uint64) {
	t.Helper()
	_, err := srv.db.UpdateMessage(id, func(m *models.Message) error {
		m.Content, m.StreamSeq = content, seq
		return nil
	})
	require.NoError(t, err)
}

func TestSessionJoinedMidStreamCatchesUp(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)
	m := storeGenerating(t, srv, conv.ID, "ab", 2)

	s := NewSession(c, &recordingDeclarer{}, Settings{})
	_, err = s.SetView(ctx, View{AccountID: "acct1", ConversationID: conv.ID})
	require.NoError(t, err)
	flushTo(t, srv, m.ID, "abcde", 5)

	// seq 3 was published before the session subscribed
	topic := feed.MessagesTopic(conv.ID)
	for i, chunk := range []string{"d", "e", "f", "g", "h"} {
		s.Handle(ctx, Update{Topic: topic, Event: events.StreamingUpdate{MessageID: m.ID, Seq: uint64(4 + i), Chunk: chunk}})
	}

	assert.Eventually(t, func() bool {
		got, ok := s.Timeline().Get(m.ID)
		return ok && got.Content == "abcdefgh" && got.StreamSeq == 8 && len(s.stream.Stale()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	s.Handle(ctx, Update{Topic: topic, Event: events.StreamingUpdate{MessageID: m.ID, Seq: 9, Chunk: "i"}})
	got, _ := s.Timeline().Get(m.ID)
	assert.Equal(t, "abcdefghi", got.Content)
}

func TestRecoverStaleRereadsLaggingMessages(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)
	m := storeGenerating(t, srv, conv.ID, "ab", 2)

	s := NewSession(c, &recordingDeclarer{}, Settings{})
	_, err = s.SetView(ctx, View{AccountID: "acct1", ConversationID: conv.ID})
	require.NoError(t, err)

	// the stored copy has not moved, so the re-read cannot close the gap yet
	topic := feed.MessagesTopic(conv.ID)
	s.Handle(ctx, Update{Topic: topic, Event: events.StreamingUpdate{MessageID: m.ID, Seq: 4, Chunk: "d"}})
	require.NoError(t, s.RecoverStale(ctx))
	assert.Equal(t, []string{m.ID}, s.stream.Stale())

	flushTo(t, srv, m.ID, "abc", 3)
	assert.Eventually(t, func() bool {
		if err := s.RecoverStale(ctx); err != nil {
			return false
		}
		got, ok := s.Timeline().Get(m.ID)
		return ok && got.Content == "abcd" && len(s.stream.Stale()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionTracksConversationList(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	s := NewSession(c, &recordingDeclarer{}, Settings{})

	list := feed.ConversationListTopic("acct1")
	s.Handle(ctx, Update{Topic: list, Event: events.ConversationUpdated{Conversation: models.Conversation{ID: "c1", UpdatedTS: 1}}})
	s.Handle(ctx, Update{Topic: list, Event: events.ConversationUpdated{Conversation: models.Conversation{ID: "c2", UpdatedTS: 2}}})
	got := s.Conversations()
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].ID)

	_, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)
	s.Handle(ctx, Update{Topic: list, Event: events.Resync{Topic: list.String()}})
	assert.Len(t, s.Conversations(), 1)
}

func TestSessionTimeoutAndResend(t *testing.T) {
	srv := newServer(t)
	clock := timeutil.NewFake(time.Now())
	srv.db.SetClock(clock)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{DefaultAgentID: "a1"})
	require.NoError(t, err)

	var flips []bool
	s := NewSession(c, &recordingDeclarer{}, Settings{TimeoutWindowMS: 60_000},
		WithClock(clock), OnTimeout(func(_ string, timedOut bool) { flips = append(flips, timedOut) }))
	_, err = s.SetView(ctx, View{AccountID: "acct1", ConversationID: conv.ID})
	require.NoError(t, err)

	first, err := s.Send(ctx, "are you there?")
	require.NoError(t, err)
	require.NotNil(t, first.Turn)
	assert.False(t, s.TimedOut())

	clock.Advance(61 * time.Second)
	assert.Equal(t, []string{conv.ID}, s.CheckTimeouts())
	assert.True(t, s.TimedOut())
	assert.Equal(t, []bool{true}, flips)

	again, err := s.Resend(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Message.ID, again.ResendOf)
	assert.Equal(t, "are you there?", again.Content)
	assert.False(t, s.TimedOut())

	// a terminal agent reply settles the wait
	reply := models.Message{ID: "r1", ConversationID: conv.ID, Role: models.RoleAgent, Status: models.StatusComplete, Position: again.Position + 1}
	s.Handle(ctx, Update{Topic: feed.MessagesTopic(conv.ID), Event: events.MessageCreated{Message: reply}})
	clock.Advance(2 * time.Minute)
	assert.Empty(t, s.CheckTimeouts())
}

func TestSessionWhiteboardConflictFlow(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)

	s := NewSession(c, &recordingDeclarer{}, Settings{})
	_, err = s.SetView(ctx, View{AccountID: "acct1", ConversationID: conv.ID})
	require.NoError(t, err)

	_, err = c.SaveWhiteboard(ctx, conv.ID, "theirs", 0)
	require.NoError(t, err)

	s.Draft().Edit("mine")
	_, err = s.SaveWhiteboard(ctx)
	var ce *whiteboard.ConflictError
	require.ErrorAs(t, err, &ce)
	conflict, ok := s.Draft().Conflict()
	require.True(t, ok)
	assert.Equal(t, "theirs", conflict.Theirs)

	s.Draft().KeepMine()
	wb, err := s.SaveWhiteboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mine", wb.Content)
	assert.EqualValues(t, 2, wb.Revision)
}
