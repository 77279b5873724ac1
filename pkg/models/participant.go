package models

type ParticipantKind string

const (
	ParticipantAgent ParticipantKind = "agent"
	ParticipantHuman ParticipantKind = "human"
)

// Eligibility describes an agent's standing in a conversation.
type Eligibility string

const (
	// EligibilityAssigned agents are attached and may be triggered.
	EligibilityAssigned Eligibility = "assigned"
	// EligibilityAddable agents are known but not attached.
	EligibilityAddable Eligibility = "addable"
	// EligibilityActive is the agent currently holding the turn.
	EligibilityActive Eligibility = "active"
)

type Participant struct {
	ConversationID string          `json:"conversation_id"`
	Kind           ParticipantKind `json:"kind"`
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Color          string          `json:"color,omitempty"`
	Icon           string          `json:"icon,omitempty"`
	Eligibility    Eligibility     `json:"eligibility,omitempty"`
	AddedTS        int64           `json:"added_ts"`
}
