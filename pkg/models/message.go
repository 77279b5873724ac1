package models

type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further chunks may be applied.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

type FileRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	// Position is the creation order within the conversation, starting at 1.
	Position uint64 `json:"position"`
	Status   Status `json:"status"`
	// StreamSeq is the last chunk sequence reflected in Content and Thinking.
	StreamSeq uint64 `json:"stream_seq,omitempty"`

	// exactly one of these is set for human and agent messages
	AuthorAccountID string `json:"author_account_id,omitempty"`
	AuthorAgentID   string `json:"author_agent_id,omitempty"`

	Thinking  string    `json:"thinking,omitempty"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
	Files     []FileRef `json:"files,omitempty"`
	Tokens    int64     `json:"tokens,omitempty"`
	Error     string    `json:"error,omitempty"`

	// RetryOf links a retry to the failed message it replaces.
	RetryOf string `json:"retry_of,omitempty"`
	// ResendOf links a resent human message to the original attempt.
	ResendOf string `json:"resend_of,omitempty"`

	Deleted   bool  `json:"deleted,omitempty"`
	CreatedTS int64 `json:"created_ts"`
	UpdatedTS int64 `json:"updated_ts"`

	// computed per request by the authorizer
	Editable  bool `json:"editable"`
	Deletable bool `json:"deletable"`
}

func (m *Message) Terminal() bool { return m.Status.Terminal() }
