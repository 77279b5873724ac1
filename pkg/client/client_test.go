package client

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"threadline/pkg/api"
	"threadline/pkg/auth"
	"threadline/pkg/config"
	"threadline/pkg/feed"
	"threadline/pkg/history"
	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/timeutil"
	"threadline/pkg/turns"
	"threadline/pkg/whiteboard"
)

const (
	backendKey  = "sk_test"
	frontendKey = "pk_test"
)

type server struct {
	ln      *fasthttputil.InmemoryListener
	feedURL string
	db      *store.DB
}

func newServer(t *testing.T) *server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.DBPath = "memory"
	cfg.Security.APIKeys.Backend = []string{backendKey}
	cfg.Security.APIKeys.Frontend = []string{frontendKey}
	require.NoError(t, config.ValidateConfig(config.EffectiveConfigResult{Config: cfg}))

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	hub := feed.NewHub(64)
	t.Cleanup(hub.Close)
	sessions := whiteboard.NewSessions(cfg.Whiteboard.EditSessionTTL.Duration(), timeutil.System)
	gw := auth.NewGateway(auth.NewSecConfig(cfg.Security))
	t.Cleanup(gw.Close)

	a := api.New(api.Deps{
		Config:     cfg,
		Version:    "test",
		Store:      db,
		Hub:        hub,
		Pager:      history.NewPager(db, 2),
		Whiteboard: whiteboard.NewResolver(db, hub, sessions, int(cfg.Whiteboard.MaxSize.Int64())),
		Turns:      turns.New(db, hub, sessions),
		Gateway:    gw,
		Ready:      db.Ready,
	})

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: a.Handler()}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	fs := httptest.NewServer(api.NewFeedServer(hub, db, gw, []string{"*"}, 64).Handler())
	t.Cleanup(fs.Close)
	return &server{ln: ln, feedURL: "ws" + strings.TrimPrefix(fs.URL, "http"), db: db}
}

func (s *server) client(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.BaseURL = "http://threadline.test"
	opts.FeedURL = s.feedURL
	opts.Dial = func(string) (net.Conn, error) { return s.ln.Dial() }
	if opts.APIKey == "" {
		opts.APIKey = backendKey
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"whiteboard conflict", 409, `{"error":"x","conflict":true,"current_content":"theirs","current_revision":4}`, func(t *testing.T, err error) {
			var ce *whiteboard.ConflictError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "theirs", ce.ServerContent)
			assert.EqualValues(t, 4, ce.ServerRevision)
		}},
		{"turn rejection", 409, `{"error":"turn rejected: turn_active: agent a1 is responding","reason":"turn_active"}`, func(t *testing.T, err error) {
			re, ok := turns.AsRejection(err)
			require.True(t, ok)
			assert.Equal(t, turns.ReasonTurnActive, re.Reason)
			assert.Equal(t, "agent a1 is responding", re.Detail)
		}},
		{"not found", 404, `{"error":"not found"}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"plain text", 502, "bad gateway", func(t *testing.T, err error) {
			var ae *APIError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, "bad gateway", ae.Message)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, decodeError(tt.status, []byte(tt.body)))
		})
	}
}

func TestNewDerivesFeedURLAndSignature(t *testing.T) {
	c, err := New(Options{BaseURL: "https://chat.example:8443", UserID: "acct1", SigningKey: backendKey})
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example:8443", c.opts.FeedURL)
	assert.Equal(t, auth.CreateHMACSignature("acct1", backendKey), c.opts.Signature)

	_, err = New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestClientRoundTrips(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)

	settings, err := c.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, settings.TimeoutWindow())

	conv, err := c.CreateConversation(ctx, CreateConversation{Title: "plans", ManualTurns: true})
	require.NoError(t, err)
	_, err = c.AddParticipant(ctx, conv.ID, models.Participant{Kind: models.ParticipantAgent, ID: "a1", Name: "Scout"})
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		sent, err := c.Send(ctx, conv.ID, text, "")
		require.NoError(t, err)
		assert.Nil(t, sent.Turn)
	}
	page, err := c.History(ctx, conv.ID, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	older, err := c.History(ctx, conv.ID, *page.OldestID)
	require.NoError(t, err)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "one", older.Messages[0].Content)

	agents, err := c.Agents(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, agents.Triggerable)

	turn, err := c.Trigger(ctx, conv.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", turn.AgentID)
	_, err = c.Trigger(ctx, conv.ID, "a1")
	re, ok := turns.AsRejection(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, turns.ReasonTurnActive, re.Reason)

	_, err = c.Conversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientWhiteboardConflict(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := c.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)

	wb, err := c.SaveWhiteboard(ctx, conv.ID, "first", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, wb.Revision)

	_, err = c.SaveWhiteboard(ctx, conv.ID, "stale", 0)
	var ce *whiteboard.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "first", ce.ServerContent)
	assert.EqualValues(t, 1, ce.ServerRevision)

	s, err := c.BeginEdit(ctx, conv.ID, "")
	require.NoError(t, err)
	renewed, err := c.BeginEdit(ctx, conv.ID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, renewed.ID)
	view, err := c.Whiteboard(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, view.EditSessions, 1)
	require.NoError(t, c.EndEdit(ctx, conv.ID, s.ID))
}

func TestFeedDeliversUpdates(t *testing.T) {
	srv := newServer(t)
	owner := srv.client(t, Options{UserID: "acct1"})
	ctx := testContext(t)
	conv, err := owner.CreateConversation(ctx, CreateConversation{ManualTurns: true})
	require.NoError(t, err)

	viewer := srv.client(t, Options{APIKey: frontendKey, UserID: "acct1", SigningKey: backendKey})
	f, err := viewer.DialFeed(ctx)
	require.NoError(t, err)
	defer f.Close()

	res, err := f.Declare(ctx, Declaration(View{AccountID: "acct1", ConversationID: conv.ID}))
	require.NoError(t, err)
	assert.Len(t, res.Topics, 4)
	assert.Empty(t, res.Pending)

	_, err = owner.Send(ctx, conv.ID, "hello", "")
	require.NoError(t, err)

	for {
		select {
		case u, ok := <-f.Updates():
			require.True(t, ok, "feed closed: %v", f.Err())
			if u.Topic == feed.MessagesTopic(conv.ID) {
				return
			}
		case <-ctx.Done():
			t.Fatal("no message event delivered")
		}
	}
}

func TestFeedDialUnauthorized(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t, Options{APIKey: "nope"})
	_, err := c.DialFeed(testContext(t))
	var ae *APIError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, 401, ae.Status)
}
