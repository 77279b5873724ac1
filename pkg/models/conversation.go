package models

type Conversation struct {
	ID string `json:"id"`
	// Title stays empty until derived from the first exchange.
	Title string `json:"title,omitempty"`
	// AccountID is the access-control scope; opaque to this service.
	AccountID string `json:"account_id"`
	// ManualTurns marks a group chat where agents only respond when triggered.
	ManualTurns bool `json:"manual_turns"`
	// DefaultAgentID answers every human message when ManualTurns is false.
	DefaultAgentID string `json:"default_agent_id,omitempty"`
	TotalTokens    int64  `json:"total_tokens"`
	// WhiteboardRevision mirrors the active whiteboard revision; zero means none yet.
	WhiteboardRevision uint64 `json:"whiteboard_revision,omitempty"`

	// RespondingAgentID and RespondingMessageID are set while an agent turn is in flight.
	RespondingAgentID   string `json:"responding_agent_id,omitempty"`
	RespondingMessageID string `json:"responding_message_id,omitempty"`

	// LastSeq is the position of the most recently appended message.
	LastSeq uint64 `json:"last_seq"`

	Archived  bool  `json:"archived,omitempty"`
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedTS int64 `json:"deleted_ts,omitempty"`
	CreatedTS int64 `json:"created_ts"`
	UpdatedTS int64 `json:"updated_ts"`

	// Respondable is computed per request by the authorizer.
	Respondable bool `json:"respondable"`
}

// AcceptsTurns reports whether new agent turns may start: the conversation
// must be neither archived nor deleted.
func (c *Conversation) AcceptsTurns() bool {
	return !c.Archived && !c.Deleted
}

// AgentResponding reports whether an agent turn is in flight.
func (c *Conversation) AgentResponding() bool {
	return c.RespondingMessageID != ""
}
