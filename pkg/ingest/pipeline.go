// Package ingest runs admitted agent turns through the generator and turns
// its output into sequenced stream events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/state/logger"
	"threadline/pkg/stream"
	"threadline/pkg/telemetry"
	"threadline/pkg/timeutil"
)

var ErrMessageTooLarge = errors.New("generated message exceeds size limit")

const (
	historyWindow = 20
	titleLimit    = 60
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetConversation(id string) (models.Conversation, error)
	UpdateConversation(id string, fn func(c *models.Conversation) error) (models.Conversation, error)
	ListBefore(convID string, before uint64, limit int) ([]models.Message, bool, error)
	UpdateMessage(id string, fn func(m *models.Message) error) (models.Message, error)
}

// Finisher releases the turn a message holds once it is terminal.
type Finisher interface {
	Finish(ctx context.Context, convID, messageID string, status models.Status) error
}

type Options struct {
	Workers        int
	QueueCapacity  int
	FlushInterval  time.Duration
	MaxMessageSize int
	Clock          timeutil.Clock
}

// Pipeline creates nothing itself: the pending message already exists when
// Dispatch is called. Workers stream the reply into it.
type Pipeline struct {
	store    Store
	pub      feed.Publisher
	gen      Generator
	queue    *Queue
	acc      *stream.Accumulator
	finisher Finisher
	opts     Options

	usageMu sync.Mutex
	usage   map[string]jobUsage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type jobUsage struct {
	result Result
	prompt string
}

func NewPipeline(st Store, pub feed.Publisher, gen Generator, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.System
	}
	p := &Pipeline{
		store: st,
		pub:   pub,
		gen:   gen,
		queue: NewQueue(max(opts.QueueCapacity, 1)),
		opts:  opts,
		usage: make(map[string]jobUsage),
	}
	p.acc = stream.New(stream.WithMaxBytes(opts.MaxMessageSize), stream.OnTerminal(p.persistFinal))
	return p
}

// SetFinisher wires turn release.
func (p *Pipeline) SetFinisher(f Finisher) { p.finisher = f }

// Queue exposes the job queue for health reporting.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Start launches the workers. Generation contexts derive from ctx.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			RunWorker(p.queue, nil, func(j *Job) error { return p.process(ctx, j) })
		}()
	}
	logger.Info("ingest_started", "workers", p.opts.Workers, "capacity", p.queue.Cap())
}

// Stop closes the queue, cancels running generations and waits for workers.
func (p *Pipeline) Stop() {
	p.queue.Close()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logger.Info("ingest_stopped", "dropped", p.queue.Dropped())
}

// Snapshot returns the in-flight copy of a message being generated. It is
// never behind the chunks already published for it.
func (p *Pipeline) Snapshot(id string) (models.Message, bool) {
	m, ok := p.acc.Message(id)
	if !ok || m.Terminal() {
		return models.Message{}, false
	}
	return m, true
}

// Dispatch queues generation for an admitted turn.
func (p *Pipeline) Dispatch(ctx context.Context, turn models.Turn, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.acc.Track(msg)
	j := &Job{Turn: turn, Message: msg, EnqTS: p.opts.Clock.Now().UnixNano()}
	if err := p.queue.Enqueue(j); err != nil {
		p.acc.Forget(msg.ID)
		return err
	}
	logger.Debug("generation_enqueued", "conversation_id", turn.ConversationID, "message_id", msg.ID, "seq", j.EnqSeq)
	return nil
}

func (p *Pipeline) process(ctx context.Context, j *Job) error {
	msg := j.Message
	convID := msg.ConversationID
	tr := telemetry.Track("ingest.generate")
	defer tr.Finish()

	history, _, err := p.store.ListBefore(convID, msg.Position, historyWindow)
	if err != nil {
		p.pipelineError(convID, "history unavailable")
		p.terminate(convID, msg.ID, models.StatusFailed, "history unavailable", jobUsage{})
		return err
	}
	req := Request{ConversationID: convID, AgentID: j.Turn.AgentID, MessageID: msg.ID, History: history}
	tr.Mark("history")

	var seq uint64
	lastFlush := p.opts.Clock.Now()
	emit := func(f Fragment) error {
		seq++
		var ev events.Event = events.StreamingUpdate{MessageID: msg.ID, Seq: seq, Chunk: f.Text}
		if f.Thinking {
			ev = events.ThinkingUpdate{MessageID: msg.ID, Seq: seq, Chunk: f.Text}
		}
		switch out := p.acc.Apply(ev); out {
		case stream.Applied:
		case stream.Overflow:
			return ErrMessageTooLarge
		default:
			return fmt.Errorf("chunk %d not applied: %s", seq, out)
		}
		p.publish(feed.MessagesTopic(convID), ev)
		if now := p.opts.Clock.Now(); p.opts.FlushInterval > 0 && now.Sub(lastFlush) >= p.opts.FlushInterval {
			p.flush(msg.ID)
			lastFlush = now
		}
		return nil
	}

	res, err := p.gen.Generate(ctx, req, emit)
	tr.Mark("generate")
	u := jobUsage{result: res, prompt: req.Prompt()}
	if err != nil {
		logger.Warn("generation_failed", "conversation_id", convID, "message_id", msg.ID, "error", err)
		p.terminate(convID, msg.ID, models.StatusFailed, failureText(err), u)
		return err
	}
	p.terminate(convID, msg.ID, models.StatusComplete, "", u)
	return nil
}

func failureText(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, ErrMessageTooLarge):
		return "reply too long"
	}
	return "generation failed"
}

// terminate applies and publishes the end event. persistFinal runs from the
// accumulator's terminal hook.
func (p *Pipeline) terminate(convID, msgID string, status models.Status, reason string, u jobUsage) {
	p.usageMu.Lock()
	p.usage[msgID] = u
	p.usageMu.Unlock()

	end := events.End{MessageID: msgID, Status: status, Error: reason}
	if out := p.acc.Apply(end); out != stream.Completed {
		logger.Warn("generation_end_not_applied", "message_id", msgID, "outcome", string(out))
		p.usageMu.Lock()
		delete(p.usage, msgID)
		p.usageMu.Unlock()
		return
	}
	p.publish(feed.MessagesTopic(convID), end)
}

func (p *Pipeline) persistFinal(f stream.Final) {
	m := f.Message
	defer p.acc.Forget(m.ID)

	p.usageMu.Lock()
	u := p.usage[m.ID]
	delete(p.usage, m.ID)
	p.usageMu.Unlock()

	saved, err := p.store.UpdateMessage(m.ID, func(sm *models.Message) error {
		sm.Content = m.Content
		sm.Status = m.Status
		sm.StreamSeq = m.StreamSeq
		sm.Error = m.Error
		sm.Thinking = ""
		sm.Tokens = u.result.Tokens
		sm.ToolsUsed = u.result.ToolsUsed
		return nil
	})
	if err != nil {
		logger.Error("generation_persist_failed", "message_id", m.ID, "error", err)
		p.pipelineError(m.ConversationID, "reply could not be saved")
	} else {
		p.publish(feed.MessagesTopic(m.ConversationID), events.MessageUpdated{Message: saved})
	}

	if u.result.Tokens > 0 || m.Status == models.StatusComplete {
		conv, err := p.store.UpdateConversation(m.ConversationID, func(c *models.Conversation) error {
			c.TotalTokens += u.result.Tokens
			if c.Title == "" && m.Status == models.StatusComplete {
				c.Title = deriveTitle(u.prompt)
			}
			return nil
		})
		if err != nil {
			logger.Warn("conversation_usage_failed", "conversation_id", m.ConversationID, "error", err)
		} else {
			p.publish(feed.ConversationListTopic(conv.AccountID), events.ConversationUpdated{Conversation: conv})
		}
	}

	if p.finisher != nil {
		if err := p.finisher.Finish(context.Background(), m.ConversationID, m.ID, m.Status); err != nil {
			logger.Error("turn_release_failed", "message_id", m.ID, "error", err)
		}
	}
	telemetry.GenerationJobs.WithLabelValues(string(m.Status)).Inc()
	logger.Info("generation_finished", "conversation_id", m.ConversationID, "message_id", m.ID, "status", string(m.Status), "tokens", u.result.Tokens)
}

// flush persists streamed content so a reload mid-stream sees progress.
func (p *Pipeline) flush(msgID string) {
	m, ok := p.acc.Message(msgID)
	if !ok || m.Terminal() {
		return
	}
	_, err := p.store.UpdateMessage(msgID, func(sm *models.Message) error {
		if sm.Terminal() {
			return nil
		}
		sm.Content, sm.Thinking, sm.StreamSeq, sm.Status = m.Content, m.Thinking, m.StreamSeq, models.StatusStreaming
		return nil
	})
	if err != nil {
		logger.Warn("stream_flush_failed", "message_id", msgID, "error", err)
		p.pipelineError(m.ConversationID, "streaming progress could not be saved")
	}
}

func (p *Pipeline) pipelineError(convID, text string) {
	p.publish(feed.MessagesTopic(convID), events.PipelineError{Message: text})
}

func (p *Pipeline) publish(t feed.Topic, ev events.Event) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(t, ev); err != nil {
		logger.Warn("ingest_publish_failed", "topic", t.String(), "event", string(ev.Kind()), "error", err)
	}
}

func deriveTitle(prompt string) string {
	if utf8.RuneCountInString(prompt) <= titleLimit {
		return prompt
	}
	r := []rune(prompt)
	return string(r[:titleLimit-1]) + "…"
}
