package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/state/logger"
)

var ErrFeedClosed = errors.New("feed connection closed")

const (
	feedPath      = "/v1/feed"
	pingInterval  = 30 * time.Second
	writeTimeout  = 5 * time.Second
	updatesBuffer = 256
)

// Update is one event received on a topic.
type Update struct {
	Topic feed.Topic
	Event events.Event
}

// Declared is the server's answer to a declaration. Pending topics were
// refused for now and are retried by the server.
type Declared struct {
	Topics  []string
	Pending []string
}

// Feed is a live websocket connection to the server feed.
type Feed struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	updates  chan Update
	declared chan feed.ServerFrame
	declMu   sync.Mutex

	errMu sync.Mutex
	err   error
}

// DialFeed opens the feed with the client's credentials.
func (c *Client) DialFeed(ctx context.Context) (*Feed, error) {
	h := http.Header{}
	if c.opts.APIKey != "" {
		h.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if c.opts.UserID != "" {
		h.Set("X-User-ID", c.opts.UserID)
	}
	if c.opts.Signature != "" {
		h.Set("X-User-Signature", c.opts.Signature)
	}
	if c.opts.AgentID != "" {
		h.Set("X-Agent-ID", c.opts.AgentID)
	}
	conn, resp, err := websocket.Dial(ctx, c.opts.FeedURL+feedPath, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("feed dial: %v", err)}
		}
		return nil, fmt.Errorf("feed dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	fctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		conn:     conn,
		ctx:      fctx,
		cancel:   cancel,
		updates:  make(chan Update, updatesBuffer),
		declared: make(chan feed.ServerFrame, 1),
	}
	go f.readPump()
	go f.keepalive()
	return f, nil
}

// Updates delivers events in arrival order. It is closed when the
// connection ends; Err then reports why.
func (f *Feed) Updates() <-chan Update { return f.updates }

func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

func (f *Feed) fail(err error) {
	f.errMu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.errMu.Unlock()
	f.cancel()
}

// Declare replaces the connection's whole subscription set with d.
func (f *Feed) Declare(ctx context.Context, d feed.Declaration) (Declared, error) {
	f.declMu.Lock()
	defer f.declMu.Unlock()

	if err := f.write(ctx, feed.ClientFrame{Type: feed.FrameDeclare, Subscriptions: d}); err != nil {
		return Declared{}, err
	}
	select {
	case fr := <-f.declared:
		if fr.Error != "" {
			return Declared{}, errors.New(fr.Error)
		}
		return Declared{Topics: fr.Topics, Pending: fr.Pending}, nil
	case <-f.ctx.Done():
		if err := f.Err(); err != nil {
			return Declared{}, err
		}
		return Declared{}, ErrFeedClosed
	case <-ctx.Done():
		return Declared{}, ctx.Err()
	}
}

func (f *Feed) write(ctx context.Context, fr feed.ClientFrame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, f.conn, fr); err != nil {
		return fmt.Errorf("feed write %s: %w", fr.Type, err)
	}
	return nil
}

func (f *Feed) readPump() {
	defer close(f.updates)
	defer f.cancel()
	for {
		var fr feed.ServerFrame
		if err := wsjson.Read(f.ctx, f.conn, &fr); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || f.ctx.Err() != nil {
				f.fail(ErrFeedClosed)
			} else {
				f.fail(err)
			}
			return
		}
		switch fr.Type {
		case feed.FrameEvent:
			u, err := decodeUpdate(fr)
			if err != nil {
				logger.Warn("feed_event_undecodable", "topic", fr.Topic, "error", err)
				continue
			}
			select {
			case f.updates <- u:
			case <-f.ctx.Done():
				return
			}
		case feed.FrameDeclared:
			select {
			case f.declared <- fr:
			default:
				logger.Warn("feed_unexpected_declared")
			}
		case feed.FrameError:
			logger.Warn("feed_server_error", "error", fr.Error)
		case feed.FramePong:
		default:
			logger.Debug("feed_unknown_frame", "type", fr.Type)
		}
	}
}

func decodeUpdate(fr feed.ServerFrame) (Update, error) {
	t, err := feed.ParseTopic(fr.Topic)
	if err != nil {
		return Update{}, err
	}
	ev, err := events.Decode(fr.Event)
	if err != nil {
		return Update{}, err
	}
	return Update{Topic: t, Event: ev}, nil
}

func (f *Feed) keepalive() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-t.C:
			if err := f.write(f.ctx, feed.ClientFrame{Type: feed.FramePing}); err != nil {
				f.fail(err)
				return
			}
		}
	}
}

func (f *Feed) Close() error {
	f.fail(ErrFeedClosed)
	return f.conn.Close(websocket.StatusNormalClosure, "")
}
