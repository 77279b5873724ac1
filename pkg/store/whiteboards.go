package store

import (
	"errors"
	"fmt"

	"threadline/pkg/models"
)

// GetWhiteboard returns the conversation's whiteboard. A whiteboard that was
// never saved is returned at revision 0 with empty content.
func (d *DB) GetWhiteboard(convID string) (models.Whiteboard, error) {
	if _, err := d.GetConversation(convID); err != nil {
		return models.Whiteboard{}, err
	}
	var wb models.Whiteboard
	err := d.getJSON(genWhiteboardKey(convID), &wb)
	if errors.Is(err, ErrNotFound) {
		return models.Whiteboard{ConversationID: convID}, nil
	}
	return wb, err
}

// SaveWhiteboard writes content only if expected equals the stored revision,
// incrementing the revision by one. On mismatch it returns the current
// whiteboard together with ErrRevisionConflict and writes nothing.
func (d *DB) SaveWhiteboard(convID string, expected uint64, content string, editorKind models.ParticipantKind, editorID string) (models.Whiteboard, error) {
	l := d.lock(convID)
	l.Lock()
	defer l.Unlock()

	c, err := d.GetConversation(convID)
	if err != nil {
		return models.Whiteboard{}, err
	}
	cur, err := d.GetWhiteboard(convID)
	if err != nil {
		return models.Whiteboard{}, err
	}
	if cur.Revision != expected {
		return cur, fmt.Errorf("%w: expected %d, current %d", ErrRevisionConflict, expected, cur.Revision)
	}

	now := d.now()
	next := models.Whiteboard{
		ConversationID: convID,
		Revision:       cur.Revision + 1,
		Content:        content,
		LastEditorKind: editorKind,
		LastEditorID:   editorID,
		UpdatedTS:      now,
	}
	c.WhiteboardRevision = next.Revision
	c.UpdatedTS = now

	b := d.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, genWhiteboardKey(convID), next); err != nil {
		return models.Whiteboard{}, err
	}
	if err := setJSON(b, genConversationKey(convID), c); err != nil {
		return models.Whiteboard{}, err
	}
	if err := d.commit(b); err != nil {
		return models.Whiteboard{}, err
	}
	return next, nil
}
