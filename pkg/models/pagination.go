package models

// Page is one reverse-chronological slice of a conversation, returned in
// ascending display order.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	// OldestID is the cursor for the next older page; nil when the page is empty.
	OldestID *string `json:"oldest_id"`
}
