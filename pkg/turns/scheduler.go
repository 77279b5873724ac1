// Package turns admits agent turns, one per conversation at a time.
//
// Automatic conversations hand every human message to the default agent.
// Manual conversations only start a turn when a caller triggers a specific
// eligible agent. In both modes admission is decided against the persisted
// "agent responding" state of the conversation, in the same write that
// creates the agent's pending message.
package turns

import (
	"context"
	"errors"
	"fmt"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/telemetry"
)

// Reason names why a turn was not admitted.
type Reason string

const (
	ReasonTurnActive       Reason = "turn_active"
	ReasonNotRespondable   Reason = "not_respondable"
	ReasonAgentNotEligible Reason = "agent_not_eligible"
	ReasonEditSessionOpen  Reason = "edit_session_open"
	ReasonManualDisabled   Reason = "manual_disabled"
	ReasonNotRetryable     Reason = "not_retryable"
)

// RejectionError is a synchronous admission refusal. Rejected turns are
// never queued.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return "turn rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("turn rejected: %s: %s", e.Reason, e.Detail)
}

func reject(r Reason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a RejectionError from err.
func AsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	ok := errors.As(err, &re)
	return re, ok
}

// Store is the persistence the scheduler needs.
type Store interface {
	GetConversation(id string) (models.Conversation, error)
	UpdateConversation(id string, fn func(c *models.Conversation) error) (models.Conversation, error)
	EachConversation(fn func(c models.Conversation) error) error
	AppendMessage(m models.Message, mutate func(c *models.Conversation, m models.Message) error) (models.Message, models.Conversation, error)
	GetMessage(id string) (models.Message, error)
	UpdateMessage(id string, fn func(m *models.Message) error) (models.Message, error)
	GetParticipant(convID string, kind models.ParticipantKind, id string) (models.Participant, error)
	ListParticipants(convID string) ([]models.Participant, error)
}

// Dispatcher starts generation for an admitted turn.
type Dispatcher interface {
	Dispatch(ctx context.Context, turn models.Turn, msg models.Message) error
}

// EditGate reports whether an interactive whiteboard edit is open.
type EditGate interface {
	Open(convID string) bool
}

type Scheduler struct {
	store    Store
	pub      feed.Publisher
	gate     EditGate
	dispatch Dispatcher
}

func New(st Store, pub feed.Publisher, gate EditGate) *Scheduler {
	return &Scheduler{store: st, pub: pub, gate: gate}
}

// SetDispatcher wires the generation pipeline. Without one, admitted turns
// only create the pending message.
func (s *Scheduler) SetDispatcher(d Dispatcher) { s.dispatch = d }

// OnHumanMessage grants the default agent the next turn when conv is in
// automatic mode. It returns nil without error in manual mode.
func (s *Scheduler) OnHumanMessage(ctx context.Context, conv models.Conversation) (*models.Turn, error) {
	if conv.ManualTurns || conv.DefaultAgentID == "" {
		return nil, nil
	}
	t, err := s.admit(ctx, conv.ID, conv.DefaultAgentID, "")
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Trigger starts agentID's turn in a manual conversation.
func (s *Scheduler) Trigger(ctx context.Context, convID, agentID string) (models.Turn, error) {
	c, err := s.store.GetConversation(convID)
	if err != nil {
		return models.Turn{}, err
	}
	if !c.ManualTurns {
		return models.Turn{}, s.rejected(convID, reject(ReasonManualDisabled, "conversation uses automatic turns"))
	}
	if err := s.checkEligible(convID, agentID); err != nil {
		return models.Turn{}, s.rejected(convID, err)
	}
	return s.admit(ctx, convID, agentID, "")
}

// Retry starts a new turn for the agent that produced a failed message. The
// failed message is left untouched; the new one links back to it.
func (s *Scheduler) Retry(ctx context.Context, convID, messageID string) (models.Turn, error) {
	m, err := s.store.GetMessage(messageID)
	if err != nil {
		return models.Turn{}, err
	}
	if m.ConversationID != convID {
		return models.Turn{}, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	if m.Role != models.RoleAgent || m.Status != models.StatusFailed || m.Deleted {
		return models.Turn{}, s.rejected(convID, reject(ReasonNotRetryable, "message %s is %s", messageID, m.Status))
	}
	return s.admit(ctx, convID, m.AuthorAgentID, m.ID)
}

func (s *Scheduler) checkEligible(convID, agentID string) error {
	p, err := s.store.GetParticipant(convID, models.ParticipantAgent, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return reject(ReasonAgentNotEligible, "agent %s is not assigned", agentID)
	}
	if err != nil {
		return err
	}
	if p.Eligibility == models.EligibilityAddable {
		return reject(ReasonAgentNotEligible, "agent %s is not assigned", agentID)
	}
	return nil
}

func (s *Scheduler) admit(ctx context.Context, convID, agentID, retryOf string) (models.Turn, error) {
	tr := telemetry.Track("turns.admit")
	defer tr.Finish()

	if err := ctx.Err(); err != nil {
		return models.Turn{}, err
	}
	if s.gate != nil && s.gate.Open(convID) {
		return models.Turn{}, s.rejected(convID, reject(ReasonEditSessionOpen, "whiteboard is being edited"))
	}

	pending := models.Message{
		ConversationID: convID,
		Role:           models.RoleAgent,
		Status:         models.StatusPending,
		AuthorAgentID:  agentID,
		RetryOf:        retryOf,
	}
	msg, conv, err := s.store.AppendMessage(pending, func(c *models.Conversation, m models.Message) error {
		if !c.AcceptsTurns() {
			return reject(ReasonNotRespondable, "conversation is archived or deleted")
		}
		if c.AgentResponding() {
			return reject(ReasonTurnActive, "agent %s is responding", c.RespondingAgentID)
		}
		c.RespondingAgentID, c.RespondingMessageID = agentID, m.ID
		return nil
	})
	if err != nil {
		return models.Turn{}, s.rejected(convID, err)
	}
	tr.Mark("append")

	turn := models.Turn{ConversationID: convID, AgentID: agentID, MessageID: msg.ID, StartedTS: msg.CreatedTS}
	telemetry.TurnsStarted.Inc()
	logger.Info("turn_started", "conversation_id", convID, "agent_id", agentID, "message_id", msg.ID, "retry_of", retryOf)

	s.publish(feed.MessagesTopic(convID), events.MessageCreated{Message: msg})
	s.publish(feed.ConversationTopic(convID), events.TurnStarted{Turn: turn})
	s.publishConversation(conv)

	if s.dispatch != nil {
		if err := s.dispatch.Dispatch(ctx, turn, msg); err != nil {
			logger.Error("turn_dispatch_failed", "conversation_id", convID, "message_id", msg.ID, "error", err)
			s.fail(msg.ID, "generation unavailable")
			return models.Turn{}, fmt.Errorf("dispatch turn: %w", err)
		}
	}
	return turn, nil
}

func (s *Scheduler) rejected(convID string, err error) error {
	if re, ok := AsRejection(err); ok {
		telemetry.TurnRejections.WithLabelValues(string(re.Reason)).Inc()
		logger.Info("turn_rejected", "conversation_id", convID, "reason", string(re.Reason), "detail", re.Detail)
	}
	return err
}

// Finish releases the turn held by messageID once it reached status. It is
// safe to call more than once and for messages that hold no turn.
func (s *Scheduler) Finish(ctx context.Context, convID, messageID string, status models.Status) error {
	var turn models.Turn
	released := false
	conv, err := s.store.UpdateConversation(convID, func(c *models.Conversation) error {
		if c.RespondingMessageID != messageID {
			return nil
		}
		turn = models.Turn{ConversationID: convID, AgentID: c.RespondingAgentID, MessageID: messageID}
		c.RespondingAgentID, c.RespondingMessageID = "", ""
		released = true
		return nil
	})
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	logger.Info("turn_finished", "conversation_id", convID, "agent_id", turn.AgentID, "message_id", messageID, "status", string(status))
	s.publish(feed.ConversationTopic(convID), events.TurnFinished{Turn: turn, Status: status})
	s.publishConversation(conv)
	return nil
}

// Active returns the in-flight turn of convID, if any.
func (s *Scheduler) Active(convID string) (*models.Turn, error) {
	c, err := s.store.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if !c.AgentResponding() {
		return nil, nil
	}
	t := &models.Turn{ConversationID: convID, AgentID: c.RespondingAgentID, MessageID: c.RespondingMessageID}
	if m, err := s.store.GetMessage(c.RespondingMessageID); err == nil {
		t.StartedTS = m.CreatedTS
	}
	return t, nil
}

// Agents is the trigger surface of a conversation.
type Agents struct {
	Agents []models.Participant `json:"agents"`
	Active *models.Turn         `json:"active,omitempty"`
	// Triggerable is false while a turn is active or the conversation is
	// closed to new turns.
	Triggerable bool `json:"triggerable"`
	ManualTurns bool `json:"manual_turns"`
}

// Eligible lists the agents a caller may trigger. The agent holding the
// turn is reported with the active eligibility.
func (s *Scheduler) Eligible(convID string) (Agents, error) {
	c, err := s.store.GetConversation(convID)
	if err != nil {
		return Agents{}, err
	}
	ps, err := s.store.ListParticipants(convID)
	if err != nil {
		return Agents{}, err
	}
	out := Agents{Agents: []models.Participant{}, ManualTurns: c.ManualTurns}
	for _, p := range ps {
		if p.Kind != models.ParticipantAgent || p.Eligibility == models.EligibilityAddable {
			continue
		}
		if p.ID == c.RespondingAgentID {
			p.Eligibility = models.EligibilityActive
		}
		out.Agents = append(out.Agents, p)
	}
	if out.Active, err = s.Active(convID); err != nil {
		return Agents{}, err
	}
	out.Triggerable = c.ManualTurns && c.AcceptsTurns() && !c.AgentResponding()
	return out, nil
}

// Recover fails the messages of turns that were in flight when the process
// stopped and releases those turns. It returns how many were recovered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	var stuck []models.Conversation
	err := s.store.EachConversation(func(c models.Conversation) error {
		if c.AgentResponding() || c.RespondingAgentID != "" {
			stuck = append(stuck, c)
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range stuck {
		if c.RespondingMessageID != "" {
			s.fail(c.RespondingMessageID, "interrupted by restart")
		}
		if _, err := s.store.UpdateConversation(c.ID, func(cc *models.Conversation) error {
			cc.RespondingAgentID, cc.RespondingMessageID = "", ""
			return nil
		}); err != nil {
			logger.Warn("turn_recover_failed", "conversation_id", c.ID, "error", err)
			continue
		}
		logger.Info("turn_recovered", "conversation_id", c.ID, "message_id", c.RespondingMessageID)
		n++
	}
	return n, nil
}

// fail marks a non-terminal message failed and releases its turn.
func (s *Scheduler) fail(messageID, reason string) {
	m, err := s.store.UpdateMessage(messageID, func(m *models.Message) error {
		if m.Terminal() {
			return nil
		}
		m.Status = models.StatusFailed
		m.Error = reason
		return nil
	})
	if err != nil {
		logger.Warn("turn_fail_message_failed", "message_id", messageID, "error", err)
		return
	}
	s.publish(feed.MessagesTopic(m.ConversationID), events.End{MessageID: m.ID, Status: m.Status, Error: m.Error})
	s.publish(feed.MessagesTopic(m.ConversationID), events.MessageUpdated{Message: m})
	if err := s.Finish(context.Background(), m.ConversationID, m.ID, m.Status); err != nil {
		logger.Warn("turn_release_failed", "message_id", messageID, "error", err)
	}
}

func (s *Scheduler) publishConversation(c models.Conversation) {
	s.publish(feed.ConversationTopic(c.ID), events.ConversationUpdated{Conversation: c})
	s.publish(feed.ConversationListTopic(c.AccountID), events.ConversationUpdated{Conversation: c})
}

func (s *Scheduler) publish(t feed.Topic, ev events.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(t, ev); err != nil {
		logger.Warn("turn_publish_failed", "topic", t.String(), "event", string(ev.Kind()), "error", err)
	}
}
