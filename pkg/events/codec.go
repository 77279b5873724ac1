package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"threadline/pkg/models"
)

var (
	ErrUnknownAction = errors.New("unknown event action")
	ErrMissingID     = errors.New("event missing message id")
)

// wire is the transport shape. Only the fields relevant to Action are set.
type wire struct {
	Action  Kind            `json:"action"`
	ID      string          `json:"id,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Chunk   string          `json:"chunk,omitempty"`
	Status  models.Status   `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type turnData struct {
	Turn   models.Turn   `json:"turn"`
	Status models.Status `json:"status,omitempty"`
}

type deletedData struct {
	ConversationID string `json:"conversation_id"`
}

// Encode renders ev in wire form.
func Encode(ev Event) ([]byte, error) {
	w := wire{Action: ev.Kind()}
	var data any
	switch e := ev.(type) {
	case StreamingUpdate:
		w.ID, w.Seq, w.Chunk = e.MessageID, e.Seq, e.Chunk
	case ThinkingUpdate:
		w.ID, w.Seq, w.Chunk = e.MessageID, e.Seq, e.Chunk
	case End:
		w.ID, w.Error = e.MessageID, e.Error
		if e.Status != "" && e.Status != models.StatusComplete {
			w.Status = e.Status
		}
	case PipelineError:
		w.Message = e.Message
	case MessageCreated:
		w.ID, data = e.Message.ID, e.Message
	case MessageUpdated:
		w.ID, data = e.Message.ID, e.Message
	case MessageDeleted:
		w.ID, data = e.MessageID, deletedData{ConversationID: e.ConversationID}
	case ConversationUpdated:
		w.ID, data = e.Conversation.ID, e.Conversation
	case WhiteboardUpdated:
		w.ID, data = e.Whiteboard.ConversationID, e.Whiteboard
	case TurnStarted:
		w.ID, data = e.Turn.MessageID, turnData{Turn: e.Turn}
	case TurnFinished:
		w.ID, data = e.Turn.MessageID, turnData{Turn: e.Turn, Status: e.Status}
	case Resync:
		w.Topic = e.Topic
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, ev)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", w.Action, err)
		}
		w.Data = raw
	}
	return json.Marshal(w)
}

// Decode parses a wire event into its typed form.
func Decode(b []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	needID := func() error {
		if w.ID == "" {
			return fmt.Errorf("%w: %s", ErrMissingID, w.Action)
		}
		return nil
	}
	unmarshal := func(v any) error {
		if len(w.Data) == 0 {
			return fmt.Errorf("decode %s: missing data", w.Action)
		}
		if err := json.Unmarshal(w.Data, v); err != nil {
			return fmt.Errorf("decode %s data: %w", w.Action, err)
		}
		return nil
	}

	switch w.Action {
	case KindStreamingUpdate:
		if err := needID(); err != nil {
			return nil, err
		}
		return StreamingUpdate{MessageID: w.ID, Seq: w.Seq, Chunk: w.Chunk}, nil
	case KindThinkingUpdate:
		if err := needID(); err != nil {
			return nil, err
		}
		return ThinkingUpdate{MessageID: w.ID, Seq: w.Seq, Chunk: w.Chunk}, nil
	case KindEnd:
		if err := needID(); err != nil {
			return nil, err
		}
		st := w.Status
		if st == "" {
			st = models.StatusComplete
		}
		if !st.Terminal() {
			return nil, fmt.Errorf("decode end: non-terminal status %q", st)
		}
		return End{MessageID: w.ID, Status: st, Error: w.Error}, nil
	case KindError:
		return PipelineError{Message: w.Message}, nil
	case KindMessageCreated:
		var m models.Message
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return MessageCreated{Message: m}, nil
	case KindMessageUpdated:
		var m models.Message
		if err := unmarshal(&m); err != nil {
			return nil, err
		}
		return MessageUpdated{Message: m}, nil
	case KindMessageDeleted:
		if err := needID(); err != nil {
			return nil, err
		}
		var d deletedData
		if err := unmarshal(&d); err != nil {
			return nil, err
		}
		return MessageDeleted{ConversationID: d.ConversationID, MessageID: w.ID}, nil
	case KindConversationUpdated:
		var c models.Conversation
		if err := unmarshal(&c); err != nil {
			return nil, err
		}
		return ConversationUpdated{Conversation: c}, nil
	case KindWhiteboardUpdated:
		var wb models.Whiteboard
		if err := unmarshal(&wb); err != nil {
			return nil, err
		}
		return WhiteboardUpdated{Whiteboard: wb}, nil
	case KindTurnStarted:
		var td turnData
		if err := unmarshal(&td); err != nil {
			return nil, err
		}
		return TurnStarted{Turn: td.Turn}, nil
	case KindTurnFinished:
		var td turnData
		if err := unmarshal(&td); err != nil {
			return nil, err
		}
		return TurnFinished{Turn: td.Turn, Status: td.Status}, nil
	case KindResync:
		return Resync{Topic: w.Topic}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Action)
}
