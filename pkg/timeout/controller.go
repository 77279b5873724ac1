// Package timeout flags conversations whose expected agent reply has not
// arrived in time and resends the original message on request.
//
// The state is derived from message timestamps and recomputed on every
// check, so a late terminal reply clears the flag on the next tick.
package timeout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"threadline/pkg/models"
	"threadline/pkg/state/logger"
	"threadline/pkg/timeutil"
)

const (
	DefaultWindow   = 60 * time.Second
	DefaultInterval = 5 * time.Second
)

var ErrNothingToResend = errors.New("no stalled message to resend")

// SendFunc submits a human message. resendOf links the new attempt to the
// stalled one.
type SendFunc func(ctx context.Context, convID, content, resendOf string) (models.Message, error)

type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// OnChange registers fn to run whenever a conversation's timed-out state
// flips during Check.
func OnChange(fn func(convID string, timedOut bool)) Option {
	return func(ctl *Controller) { ctl.onChange = fn }
}

type expectation struct {
	human models.Message
	since time.Time
}

type Controller struct {
	window   time.Duration
	clock    timeutil.Clock
	onChange func(string, bool)

	mu      sync.Mutex
	pending map[string]expectation
	flagged map[string]bool
}

func New(window time.Duration, opts ...Option) *Controller {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Controller{
		window:  window,
		clock:   timeutil.System,
		pending: make(map[string]expectation),
		flagged: make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Expect records that human, sent in an automatic conversation, awaits an
// agent reply. A newer expectation replaces an older one.
func (c *Controller) Expect(human models.Message) {
	since := c.clock.Now()
	if human.CreatedTS != 0 {
		since = time.Unix(0, human.CreatedTS)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[human.ConversationID]; ok && cur.human.Position > human.Position && human.Position != 0 {
		return
	}
	c.pending[human.ConversationID] = expectation{human: human, since: since}
}

// Observe settles the expectation of m's conversation when m is a terminal
// agent message newer than the awaited human message.
func (c *Controller) Observe(m models.Message) {
	if m.Role != models.RoleAgent || !m.Terminal() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.pending[m.ConversationID]
	if !ok {
		return
	}
	if m.Position != 0 && exp.human.Position != 0 && m.Position < exp.human.Position {
		return
	}
	delete(c.pending, m.ConversationID)
}

// Forget drops any expectation for convID.
func (c *Controller) Forget(convID string) {
	c.mu.Lock()
	delete(c.pending, convID)
	delete(c.flagged, convID)
	c.mu.Unlock()
}

// TimedOut reports whether convID's expected reply is overdue.
func (c *Controller) TimedOut(convID string) bool {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.pending[convID]
	return ok && now.Sub(exp.since) >= c.window
}

// Stalled returns the human message awaiting a reply in convID, if overdue.
func (c *Controller) Stalled(convID string) (models.Message, bool) {
	if !c.TimedOut(convID) {
		return models.Message{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.pending[convID]
	return exp.human, ok
}

// Check recomputes every conversation and returns the overdue ones.
func (c *Controller) Check() []string {
	now := c.clock.Now()
	type flip struct {
		id string
		on bool
	}
	var flips []flip
	var out []string

	c.mu.Lock()
	for id, exp := range c.pending {
		over := now.Sub(exp.since) >= c.window
		if over {
			out = append(out, id)
		}
		if over != c.flagged[id] {
			flips = append(flips, flip{id, over})
		}
	}
	for id, was := range c.flagged {
		if _, ok := c.pending[id]; !ok && was {
			flips = append(flips, flip{id, false})
		}
	}
	for _, f := range flips {
		if f.on {
			c.flagged[f.id] = true
		} else {
			delete(c.flagged, f.id)
		}
	}
	c.mu.Unlock()

	for _, f := range flips {
		logger.Debug("reply_timeout_changed", "conversation_id", f.id, "timed_out", f.on)
		if c.onChange != nil {
			c.onChange(f.id, f.on)
		}
	}
	sort.Strings(out)
	return out
}

// Run calls Check every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Check()
		}
	}
}

// Resend submits the stalled message's content again as a new message. The
// original is not modified; the new attempt becomes the awaited message.
func (c *Controller) Resend(ctx context.Context, convID string, send SendFunc) (models.Message, error) {
	orig, ok := c.Stalled(convID)
	if !ok {
		return models.Message{}, ErrNothingToResend
	}
	m, err := send(ctx, convID, orig.Content, orig.ID)
	if err != nil {
		return models.Message{}, err
	}
	logger.Info("message_resent", "conversation_id", convID, "original_id", orig.ID, "message_id", m.ID)
	if m.CreatedTS == 0 {
		m.CreatedTS = c.clock.Now().UnixNano()
	}
	c.Expect(m)
	c.Check()
	return m, nil
}
