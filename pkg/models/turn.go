package models

// Turn is an agent's in-flight right to produce the next message.
type Turn struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	MessageID      string `json:"message_id"`
	StartedTS      int64  `json:"started_ts"`
}
