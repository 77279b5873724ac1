package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"threadline/pkg/auth"
	"threadline/pkg/feed"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/telemetry"
)

const (
	feedWriteTimeout = 5 * time.Second
	feedRetryEvery   = 5 * time.Second
	feedReadLimit    = 64 << 10
)

// FeedServer upgrades viewers to websocket sessions that stream the topics
// they declare.
type FeedServer struct {
	hub     *feed.Hub
	store   *store.DB
	gateway *auth.Gateway
	origins []string
	buffer  int
	authz   auth.Authorizer

	sessions atomic.Int64
}

func NewFeedServer(hub *feed.Hub, st *store.DB, gw *auth.Gateway, origins []string, buffer int) *FeedServer {
	return &FeedServer{hub: hub, store: st, gateway: gw, origins: origins, buffer: buffer}
}

// Handler serves /v1/feed.
func (f *FeedServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/feed", f.serveFeed)
	return mux
}

// Sessions reports how many viewers are connected.
func (f *FeedServer) Sessions() int64 { return f.sessions.Load() }

func (f *FeedServer) serveFeed(w http.ResponseWriter, r *http.Request) {
	id, err := f.gateway.AuthenticateHTTP(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.origins})
	if err != nil {
		logger.Warn("feed_accept_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(feedReadLimit)

	s := &feedSession{
		conn: conn,
		id:   id,
		reg:  feed.NewRegistry(f.opener(id), f.buffer),
		send: make(chan feed.ServerFrame, 16),
	}
	f.sessions.Add(1)
	telemetry.FeedSessions.Inc()
	logger.Info("feed_session_opened", "role", id.Role.String(), "account_id", id.AccountID, "remote", r.RemoteAddr)
	defer func() {
		f.sessions.Add(-1)
		telemetry.FeedSessions.Dec()
		logger.Info("feed_session_closed", "account_id", id.AccountID)
	}()
	s.run(r.Context())
}

// opener subscribes only to topics id may view. Refused topics stay pending
// and are retried, so a conversation created after the declaration is picked
// up once it exists.
func (f *FeedServer) opener(id auth.Identity) feed.Opener {
	return func(ctx context.Context, t feed.Topic) (*feed.Subscription, error) {
		if t.Kind.AccountScoped() {
			if !id.Privileged() && t.ID != id.AccountID {
				return nil, auth.ErrForbidden
			}
			return f.hub.Subscribe(t)
		}
		c, err := f.store.GetConversation(t.ID)
		if err != nil {
			return nil, err
		}
		if err := f.authz.CanView(id, c); err != nil {
			return nil, err
		}
		return f.hub.Subscribe(t)
	}
}

type feedSession struct {
	conn *websocket.Conn
	id   auth.Identity
	reg  *feed.Registry
	send chan feed.ServerFrame
}

func (s *feedSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.reg.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.writePump(ctx)
	}()
	s.readPump(ctx)
	cancel()
	<-done
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *feedSession) readPump(ctx context.Context) {
	for {
		var frame feed.ClientFrame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Debug("feed_read_failed", "account_id", s.id.AccountID, "error", err)
			}
			return
		}
		switch frame.Type {
		case feed.FrameDeclare:
			s.declare(ctx, frame.Subscriptions)
		case feed.FramePing:
			s.reply(ctx, feed.ServerFrame{Type: feed.FramePong})
		default:
			s.reply(ctx, feed.ServerFrame{Type: feed.FrameError, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
	}
}

func (s *feedSession) declare(ctx context.Context, d feed.Declaration) {
	for k := range d {
		if !k.Valid() {
			s.reply(ctx, feed.ServerFrame{Type: feed.FrameError, Error: fmt.Sprintf("unknown topic kind %q", k)})
			return
		}
	}
	changed, err := s.reg.Reconcile(ctx, d)
	out := feed.ServerFrame{
		Type:    feed.FrameDeclared,
		Topics:  feed.TopicStrings(s.reg.Topics()),
		Pending: feed.TopicStrings(s.reg.Pending()),
	}
	if err != nil {
		out.Error = err.Error()
	}
	logger.Debug("feed_declared", "account_id", s.id.AccountID, "changed", changed, "topics", len(out.Topics), "pending", len(out.Pending))
	s.reply(ctx, out)
}

func (s *feedSession) reply(ctx context.Context, f feed.ServerFrame) {
	select {
	case s.send <- f:
	case <-ctx.Done():
	}
}

func (s *feedSession) writePump(ctx context.Context) {
	retry := time.NewTicker(feedRetryEvery)
	defer retry.Stop()
	deliveries := s.reg.Deliveries()
	for {
		var frame feed.ServerFrame
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
			if len(s.reg.Pending()) > 0 {
				_ = s.reg.Retry(ctx)
			}
			continue
		case f := <-s.send:
			frame = f
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			frame = feed.EventFrame(d)
		}
		wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
		err := wsjson.Write(wctx, s.conn, frame)
		cancel()
		if err != nil {
			logger.Debug("feed_write_failed", "account_id", s.id.AccountID, "error", err)
			return
		}
	}
}
