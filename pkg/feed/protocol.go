package feed

import "encoding/json"

// Frame types exchanged on a websocket feed connection.
const (
	FrameDeclare  = "declare"
	FrameDeclared = "declared"
	FrameEvent    = "event"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameError    = "error"
)

// ClientFrame is sent by a viewer. A declare frame replaces the viewer's
// whole subscription set.
type ClientFrame struct {
	Type          string      `json:"type"`
	Subscriptions Declaration `json:"subscriptions,omitempty"`
}

// ServerFrame carries either one event or a control reply.
type ServerFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Topics  []string        `json:"topics,omitempty"`
	Pending []string        `json:"pending,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventFrame wraps a delivery for the wire.
func EventFrame(d Delivery) ServerFrame {
	return ServerFrame{Type: FrameEvent, Topic: d.Topic.String(), Event: d.Payload}
}

// TopicStrings renders topics for a declared frame.
func TopicStrings(ts []Topic) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
