package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/stream"
	"threadline/pkg/turns"
)

type failing struct{}

func (failing) Generate(_ context.Context, _ Request, emit func(Fragment) error) (Result, error) {
	if err := emit(Fragment{Text: "partial"}); err != nil {
		return Result{}, err
	}
	return Result{}, errors.New("model unavailable")
}

type harness struct {
	db    *store.DB
	hub   *feed.Hub
	sched *turns.Scheduler
	pipe  *Pipeline
	conv  models.Conversation
}

func newHarness(t *testing.T, gen Generator) *harness {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := db.CreateConversation(models.Conversation{AccountID: "acct1", DefaultAgentID: "echo"})
	require.NoError(t, err)

	hub := feed.NewHub(256)
	t.Cleanup(hub.Close)
	sched := turns.New(db, hub, nil)
	pipe := NewPipeline(db, hub, gen, Options{Workers: 2, QueueCapacity: 8, FlushInterval: time.Millisecond})
	pipe.SetFinisher(sched)
	sched.SetDispatcher(pipe)
	pipe.Start(context.Background())
	t.Cleanup(pipe.Stop)
	return &harness{db: db, hub: hub, sched: sched, pipe: pipe, conv: c}
}

func (h *harness) send(t *testing.T, text string) models.Turn {
	t.Helper()
	_, c, err := h.db.AppendMessage(models.Message{
		ConversationID: h.conv.ID, Role: models.RoleHuman, Status: models.StatusComplete,
		AuthorAccountID: "acct1", Content: text,
	}, nil)
	require.NoError(t, err)
	turn, err := h.sched.OnHumanMessage(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, turn)
	return *turn
}

func waitTerminal(t *testing.T, db *store.DB, id string) models.Message {
	t.Helper()
	var m models.Message
	require.Eventually(t, func() bool {
		var err error
		m, err = db.GetMessage(id)
		return err == nil && m.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return m
}

func TestEchoTurnStreamsAndPersists(t *testing.T) {
	h := newHarness(t, &Echo{})
	sub, err := h.hub.Subscribe(feed.MessagesTopic(h.conv.ID))
	require.NoError(t, err)
	defer sub.Close()

	turn := h.send(t, "hello brave world")
	m := waitTerminal(t, h.db, turn.MessageID)

	assert.Equal(t, models.StatusComplete, m.Status)
	assert.Equal(t, "hello brave world", m.Content)
	assert.Equal(t, int64(3), m.Tokens)
	assert.Empty(t, m.Thinking)

	require.Eventually(t, func() bool {
		c, err := h.db.GetConversation(h.conv.ID)
		return err == nil && !c.AgentResponding()
	}, 5*time.Second, 5*time.Millisecond)
	c, err := h.db.GetConversation(h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.TotalTokens)
	assert.Equal(t, "hello brave world", c.Title)

	// a viewer replaying the feed reaches the same content
	viewer := stream.New()
	var sawThinking, sawEnd bool
	deadline := time.After(5 * time.Second)
	for !sawEnd {
		select {
		case d := <-sub.C():
			switch ev := d.Event.(type) {
			case events.MessageCreated:
				viewer.Track(ev.Message)
			case events.ThinkingUpdate:
				sawThinking = true
				viewer.Apply(ev)
			case events.End:
				sawEnd = true
				viewer.Apply(ev)
			default:
				viewer.Apply(ev)
			}
		case <-deadline:
			t.Fatal("end event not delivered")
		}
	}
	got, ok := viewer.Message(turn.MessageID)
	require.True(t, ok)
	assert.True(t, sawThinking)
	assert.Equal(t, "hello brave world", got.Content)
	assert.Equal(t, models.StatusComplete, got.Status)
}

func TestGeneratorFailureMarksMessageFailed(t *testing.T) {
	h := newHarness(t, failing{})
	turn := h.send(t, "anyone there")
	m := waitTerminal(t, h.db, turn.MessageID)

	assert.Equal(t, models.StatusFailed, m.Status)
	assert.Equal(t, "generation failed", m.Error)
	assert.Equal(t, "partial", m.Content)

	require.Eventually(t, func() bool {
		active, err := h.sched.Active(h.conv.ID)
		return err == nil && active == nil
	}, 5*time.Second, 5*time.Millisecond)

	retry, err := h.sched.Retry(context.Background(), h.conv.ID, m.ID)
	require.NoError(t, err)
	rm := waitTerminal(t, h.db, retry.MessageID)
	assert.Equal(t, m.ID, rm.RetryOf)
}

func TestQueueBounds(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(&Job{}))
	assert.ErrorIs(t, q.Enqueue(&Job{}), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(&Job{}), ErrQueueClosed)

	var handled int
	RunWorker(q, nil, func(*Job) error { handled++; return nil })
	assert.Equal(t, 1, handled, "queued jobs drain after close")
}

func TestEchoPrompt(t *testing.T) {
	req := Request{History: []models.Message{
		{Role: models.RoleHuman, Content: "first"},
		{Role: models.RoleAgent, Content: "reply"},
		{Role: models.RoleHuman, Content: "second one"},
		{Role: models.RoleAgent, Content: "reply"},
	}}
	var out []Fragment
	res, err := (&Echo{}).Generate(context.Background(), req, func(f Fragment) error {
		out = append(out, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Tokens)
	require.Len(t, out, 3)
	assert.True(t, out[0].Thinking)
	assert.Equal(t, "second", out[1].Text)
	assert.Equal(t, " one", out[2].Text)

	_, err = NewGenerator("gpt", 0)
	assert.Error(t, err)
}

// gated emits two chunks and then waits for release.
type gated struct{ release chan struct{} }

func (g gated) Generate(ctx context.Context, _ Request, emit func(Fragment) error) (Result, error) {
	for _, s := range []string{"a", "b"} {
		if err := emit(Fragment{Text: s}); err != nil {
			return Result{}, err
		}
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{}, emit(Fragment{Text: "c"})
}

func TestSnapshotIsAheadOfFlush(t *testing.T) {
	g := gated{release: make(chan struct{})}
	h := newHarness(t, g)
	turn := h.send(t, "go")

	require.Eventually(t, func() bool {
		m, ok := h.pipe.Snapshot(turn.MessageID)
		return ok && m.StreamSeq == 2
	}, 5*time.Second, 5*time.Millisecond)
	m, _ := h.pipe.Snapshot(turn.MessageID)
	assert.Equal(t, "ab", m.Content)
	assert.Equal(t, models.StatusStreaming, m.Status)

	close(g.release)
	final := waitTerminal(t, h.db, turn.MessageID)
	assert.Equal(t, "abc", final.Content)
	_, ok := h.pipe.Snapshot(turn.MessageID)
	assert.False(t, ok)
}
