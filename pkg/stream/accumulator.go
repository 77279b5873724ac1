// Package stream merges sequenced chunk events into message bodies.
package stream

import (
	"sort"
	"strings"
	"sync"

	"threadline/pkg/events"
	"threadline/pkg/models"
	"threadline/pkg/telemetry"
)

// Outcome reports what Apply did with an event.
type Outcome string

const (
	Applied   Outcome = "applied"
	Completed Outcome = "completed"
	// Unknown: the event names a message that is not tracked.
	Unknown Outcome = "unknown"
	// Duplicate: the chunk's seq was already applied.
	Duplicate Outcome = "duplicate"
	// Gap: the chunk skipped ahead. It is held back and the message marked
	// stale until the missing chunks or a newer snapshot arrive.
	Gap Outcome = "gap"
	// AfterTerminal: a chunk arrived for a complete or failed message.
	AfterTerminal Outcome = "after_terminal"
	// Overflow: appending would exceed the size limit.
	Overflow Outcome = "overflow"
	// NoOp: a repeated terminal event.
	NoOp Outcome = "noop"
	// Ignored: the event kind does not concern the accumulator.
	Ignored Outcome = "ignored"
)

// Final is handed to the terminal callback once per message.
type Final struct {
	Message models.Message
	// Thinking is the reasoning text collected while streaming.
	Thinking string
}

type Option func(*Accumulator)

// WithMaxBytes caps the content size of a single message.
func WithMaxBytes(n int) Option { return func(a *Accumulator) { a.maxBytes = n } }

// OnTerminal registers fn to run after a message reaches complete or failed.
// fn runs outside the accumulator lock.
func OnTerminal(fn func(Final)) Option { return func(a *Accumulator) { a.onTerminal = fn } }

// Accumulator tracks in-progress messages and applies stream events to them.
// Per message, chunks must be applied in emission order; seq numbers make
// re-delivery harmless.
type Accumulator struct {
	maxBytes   int
	onTerminal func(Final)

	mu      sync.Mutex
	entries map[string]*entry
}

// maxHeldChunks bounds the chunks held back per message while it is stale.
const maxHeldChunks = 1024

type heldChunk struct {
	text     string
	thinking bool
}

type entry struct {
	msg      models.Message
	content  strings.Builder
	thinking strings.Builder
	stale    bool
	held     map[uint64]heldChunk
}

func New(opts ...Option) *Accumulator {
	a := &Accumulator{entries: make(map[string]*entry)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Track registers m or reconciles it with the tracked copy. A snapshot
// whose StreamSeq is behind what was already applied locally only updates
// metadata; terminal snapshots always win. Chunks held back by a gap are
// replayed on top of a newer snapshot.
func (a *Accumulator) Track(m models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[m.ID]
	if !ok {
		e = &entry{}
		a.entries[m.ID] = e
		e.adopt(m)
		return
	}
	if m.Terminal() || m.StreamSeq >= e.msg.StreamSeq {
		e.adopt(m)
		if m.Terminal() {
			e.held, e.stale = nil, false
			return
		}
		a.replay(e)
		return
	}
	content, thinking, seq, status := e.msg.Content, e.msg.Thinking, e.msg.StreamSeq, e.msg.Status
	e.msg = m
	e.msg.Content, e.msg.Thinking, e.msg.StreamSeq, e.msg.Status = content, thinking, seq, status
}

func (e *entry) adopt(m models.Message) {
	e.msg = m
	e.content.Reset()
	e.content.WriteString(m.Content)
	e.thinking.Reset()
	if !m.Terminal() {
		e.thinking.WriteString(m.Thinking)
	}
}

// Apply merges one event.
func (a *Accumulator) Apply(ev events.Event) Outcome {
	out, final := a.apply(ev)
	telemetry.ChunksApplied.WithLabelValues(string(out)).Inc()
	if final != nil && a.onTerminal != nil {
		a.onTerminal(*final)
	}
	return out
}

func (a *Accumulator) apply(ev events.Event) (Outcome, *Final) {
	switch e := ev.(type) {
	case events.StreamingUpdate:
		return a.chunk(e.MessageID, e.Seq, e.Chunk, false), nil
	case events.ThinkingUpdate:
		return a.chunk(e.MessageID, e.Seq, e.Chunk, true), nil
	case events.End:
		return a.end(e)
	}
	return Ignored, nil
}

func (a *Accumulator) chunk(id string, seq uint64, text string, thinking bool) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[id]
	if !ok {
		return Unknown
	}
	if e.msg.Terminal() {
		return AfterTerminal
	}
	if seq != 0 {
		switch {
		case seq <= e.msg.StreamSeq:
			return Duplicate
		case seq > e.msg.StreamSeq+1:
			e.stale = true
			if e.held == nil {
				e.held = make(map[uint64]heldChunk)
			}
			if len(e.held) < maxHeldChunks {
				e.held[seq] = heldChunk{text: text, thinking: thinking}
			}
			return Gap
		}
	}
	if out := a.append(e, seq, text, thinking); out != Applied {
		return out
	}
	a.replay(e)
	return Applied
}

func (a *Accumulator) append(e *entry, seq uint64, text string, thinking bool) Outcome {
	if !thinking && a.maxBytes > 0 && e.content.Len()+len(text) > a.maxBytes {
		return Overflow
	}
	if thinking {
		e.thinking.WriteString(text)
		e.msg.Thinking = e.thinking.String()
	} else {
		e.content.WriteString(text)
		e.msg.Content = e.content.String()
	}
	if seq != 0 {
		e.msg.StreamSeq = seq
	}
	e.msg.Status = models.StatusStreaming
	return Applied
}

// replay applies held chunks that now follow the applied seq, drops those
// already covered, and clears the stale flag once nothing is missing.
func (a *Accumulator) replay(e *entry) {
	for seq := range e.held {
		if seq <= e.msg.StreamSeq {
			delete(e.held, seq)
		}
	}
	for {
		next := e.msg.StreamSeq + 1
		h, ok := e.held[next]
		if !ok {
			break
		}
		delete(e.held, next)
		if a.append(e, next, h.text, h.thinking) != Applied {
			break
		}
	}
	e.stale = len(e.held) > 0
}

func (a *Accumulator) end(ev events.End) (Outcome, *Final) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[ev.MessageID]
	if !ok {
		return Unknown, nil
	}
	if e.msg.Terminal() {
		return NoOp, nil
	}
	status := ev.Status
	if !status.Terminal() {
		status = models.StatusComplete
	}
	e.msg.Status = status
	e.msg.Error = ev.Error
	final := &Final{Message: e.msg, Thinking: e.thinking.String()}
	final.Message.Thinking = final.Thinking

	e.thinking.Reset()
	e.msg.Thinking = ""
	return Completed, final
}

// Message returns the tracked copy of id. While streaming, Thinking holds the
// transient reasoning buffer.
func (a *Accumulator) Message(id string) (models.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return models.Message{}, false
	}
	return e.msg, true
}

// Stale lists messages that missed a chunk and need a fresh snapshot.
func (a *Accumulator) Stale() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for id, e := range a.entries {
		if e.stale {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Forget drops the tracked copy of id.
func (a *Accumulator) Forget(id string) {
	a.mu.Lock()
	delete(a.entries, id)
	a.mu.Unlock()
}

// Len returns the number of tracked messages.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
