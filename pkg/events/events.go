// Package events defines the closed set of events published on feed topics
// and their wire encoding.
package events

import "threadline/pkg/models"

type Kind string

const (
	KindStreamingUpdate     Kind = "streaming_update"
	KindThinkingUpdate      Kind = "thinking_update"
	KindEnd                 Kind = "end"
	KindError               Kind = "error"
	KindMessageCreated      Kind = "message_created"
	KindMessageUpdated      Kind = "message_updated"
	KindMessageDeleted      Kind = "message_deleted"
	KindConversationUpdated Kind = "conversation_updated"
	KindWhiteboardUpdated   Kind = "whiteboard_updated"
	KindTurnStarted         Kind = "turn_started"
	KindTurnFinished        Kind = "turn_finished"
	KindResync              Kind = "resync"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	event()
}

// StreamingUpdate appends Chunk to a message's content. Seq numbers both
// chunk kinds of one message from 1; zero means the producer does not number.
type StreamingUpdate struct {
	MessageID string
	Seq       uint64
	Chunk     string
}

// ThinkingUpdate appends Chunk to a message's transient reasoning buffer.
type ThinkingUpdate struct {
	MessageID string
	Seq       uint64
	Chunk     string
}

// End is the terminal event of a message stream. Status is complete unless
// the pipeline reported a failure.
type End struct {
	MessageID string
	Status    models.Status
	Error     string
}

// PipelineError reports a transient pipeline failure not tied to a message.
type PipelineError struct {
	Message string
}

type MessageCreated struct{ Message models.Message }

type MessageUpdated struct{ Message models.Message }

type MessageDeleted struct {
	ConversationID string
	MessageID      string
}

type ConversationUpdated struct{ Conversation models.Conversation }

type WhiteboardUpdated struct{ Whiteboard models.Whiteboard }

type TurnStarted struct{ Turn models.Turn }

type TurnFinished struct {
	Turn   models.Turn
	Status models.Status
}

// Resync tells a subscriber that events on Topic were dropped and its
// state for that topic must be reloaded.
type Resync struct{ Topic string }

func (StreamingUpdate) Kind() Kind     { return KindStreamingUpdate }
func (ThinkingUpdate) Kind() Kind      { return KindThinkingUpdate }
func (End) Kind() Kind                 { return KindEnd }
func (PipelineError) Kind() Kind       { return KindError }
func (MessageCreated) Kind() Kind      { return KindMessageCreated }
func (MessageUpdated) Kind() Kind      { return KindMessageUpdated }
func (MessageDeleted) Kind() Kind      { return KindMessageDeleted }
func (ConversationUpdated) Kind() Kind { return KindConversationUpdated }
func (WhiteboardUpdated) Kind() Kind   { return KindWhiteboardUpdated }
func (TurnStarted) Kind() Kind         { return KindTurnStarted }
func (TurnFinished) Kind() Kind        { return KindTurnFinished }
func (Resync) Kind() Kind              { return KindResync }

func (StreamingUpdate) event()     {}
func (ThinkingUpdate) event()      {}
func (End) event()                 {}
func (PipelineError) event()       {}
func (MessageCreated) event()      {}
func (MessageUpdated) event()      {}
func (MessageDeleted) event()      {}
func (ConversationUpdated) event() {}
func (WhiteboardUpdated) event()   {}
func (TurnStarted) event()         {}
func (TurnFinished) event()        {}
func (Resync) event()              {}

// MessageID returns the message an event targets, or "" for events that are
// not keyed by message.
func MessageID(ev Event) string {
	switch e := ev.(type) {
	case StreamingUpdate:
		return e.MessageID
	case ThinkingUpdate:
		return e.MessageID
	case End:
		return e.MessageID
	case MessageCreated:
		return e.Message.ID
	case MessageUpdated:
		return e.Message.ID
	case MessageDeleted:
		return e.MessageID
	}
	return ""
}
