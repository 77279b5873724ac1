package models

type Whiteboard struct {
	ConversationID string `json:"conversation_id"`
	// Revision increments by exactly one per accepted save; zero means never saved.
	Revision       uint64          `json:"revision"`
	Content        string          `json:"content"`
	LastEditorKind ParticipantKind `json:"last_editor_kind,omitempty"`
	LastEditorID   string          `json:"last_editor_id,omitempty"`
	UpdatedTS      int64           `json:"updated_ts,omitempty"`
}

// EditSession is an open interactive edit on a whiteboard. It is advisory:
// it gates agent turns but never locks the document.
type EditSession struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	AccountID      string `json:"account_id"`
	OpenedTS       int64  `json:"opened_ts"`
	ExpiresTS      int64  `json:"expires_ts"`
}
