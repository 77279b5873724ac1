package feed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"threadline/pkg/events"
	"threadline/pkg/state/logger"
	"threadline/pkg/telemetry"
)

var ErrHubClosed = errors.New("feed hub closed")

// Delivery is one event addressed to one topic. Payload is the wire encoding.
type Delivery struct {
	Topic   Topic
	Event   events.Event
	Payload []byte
}

// Publisher is the publishing half of a Hub.
type Publisher interface {
	Publish(t Topic, ev events.Event) error
}

// Hub fans published events out to topic subscribers. Delivery order is
// preserved per topic and per subscriber; slow subscribers lose events and
// are flagged as lagged instead of blocking publishers.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	topics map[Topic]*topicSubs
	closed bool
}

type topicSubs struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub returns a hub whose subscriptions buffer up to buffer deliveries.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, topics: make(map[Topic]*topicSubs)}
}

// Subscription receives deliveries for a single topic.
type Subscription struct {
	topic  Topic
	hub    *Hub
	ch     chan Delivery
	once   sync.Once
	lagged atomic.Bool
}

// Subscribe registers a new subscriber on t.
func (h *Hub) Subscribe(t Topic) (*Subscription, error) {
	if !t.Kind.Valid() || t.ID == "" {
		return nil, fmt.Errorf("invalid topic %q", t)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	ts, ok := h.topics[t]
	if !ok {
		ts = &topicSubs{subs: make(map[*Subscription]struct{})}
		h.topics[t] = ts
	}
	s := &Subscription{topic: t, hub: h, ch: make(chan Delivery, h.buffer)}
	ts.mu.Lock()
	ts.subs[s] = struct{}{}
	ts.mu.Unlock()
	telemetry.FeedSubscriptions.Inc()
	return s, nil
}

// Publish encodes ev once and offers it to every subscriber of t.
func (h *Hub) Publish(t Topic, ev events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	ts := h.topics[t]
	h.mu.RUnlock()

	telemetry.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	if ts == nil {
		return nil
	}
	d := Delivery{Topic: t, Event: ev, Payload: payload}

	// holding the topic lock across sends keeps concurrent publishers to the
	// same topic in a single order for every subscriber
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for s := range ts.subs {
		select {
		case s.ch <- d:
		default:
			if !s.lagged.Swap(true) {
				logger.Warn("feed_subscriber_lagged", "topic", t.String())
			}
			telemetry.EventsDropped.Inc()
		}
	}
	return nil
}

// Subscribers returns the number of subscribers on t.
func (h *Hub) Subscribers(t Topic) int {
	h.mu.RLock()
	ts := h.topics[t]
	h.mu.RUnlock()
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Close closes every subscription; later Subscribe and Publish calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, ts := range h.topics {
		ts.mu.Lock()
		for s := range ts.subs {
			all = append(all, s)
		}
		ts.mu.Unlock()
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (s *Subscription) Topic() Topic { return s.topic }

// C yields deliveries until the subscription is closed.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// TakeLagged reports whether events were dropped since the last call.
func (s *Subscription) TakeLagged() bool { return s.lagged.Swap(false) }

// Close detaches the subscription. Closing twice is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		ts := h.topics[s.topic]
		if ts != nil {
			ts.mu.Lock()
			delete(ts.subs, s)
			if len(ts.subs) == 0 {
				delete(h.topics, s.topic)
			}
			close(s.ch)
			ts.mu.Unlock()
		} else {
			close(s.ch)
		}
		h.mu.Unlock()
		telemetry.FeedSubscriptions.Dec()
	})
}
