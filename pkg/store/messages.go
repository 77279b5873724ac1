package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/models"
)

// AppendMessage assigns m the next position in its conversation and persists
// it. A missing id is generated under the conversation lock, so generated
// ids sort in position order. mutate, when non-nil, runs against the
// conversation under the same lock and sees m with its id set; its changes
// commit atomically with the message and an error from mutate aborts the
// append.
func (d *DB) AppendMessage(m models.Message, mutate func(c *models.Conversation, m models.Message) error) (models.Message, models.Conversation, error) {
	if m.ID != "" {
		if err := ValidateID(m.ID); err != nil {
			return models.Message{}, models.Conversation{}, err
		}
	}

	l := d.lock(m.ConversationID)
	l.Lock()
	defer l.Unlock()

	if m.ID == "" {
		m.ID = newID()
	}
	c, err := d.GetConversation(m.ConversationID)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if mutate != nil {
		if err := mutate(&c, m); err != nil {
			return models.Message{}, models.Conversation{}, err
		}
	}

	now := d.now()
	c.LastSeq++
	c.UpdatedTS = now
	m.Position = c.LastSeq
	if m.CreatedTS == 0 {
		m.CreatedTS = now
	}
	m.UpdatedTS = now
	if m.Status == "" {
		m.Status = models.StatusPending
	}

	b := d.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, genMessageKey(c.ID, m.Position), m); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if err := b.Set(genMessageIndexKey(m.ID), encodeLocator(c.ID, m.Position), nil); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if err := setJSON(b, genConversationKey(c.ID), c); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if err := d.commit(b); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	return m, c, nil
}

// GetMessage looks a message up by id.
func (d *DB) GetMessage(id string) (models.Message, error) {
	if err := ValidateID(id); err != nil {
		return models.Message{}, err
	}
	loc, err := d.getRaw(genMessageIndexKey(id))
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	convID, pos, err := parseLocator(loc)
	if err != nil {
		return models.Message{}, err
	}
	var m models.Message
	if err := d.getJSON(genMessageKey(convID, pos), &m); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return m, nil
}

// UpdateMessage applies fn to the stored message under its conversation's lock.
// Position, id and conversation are immutable.
func (d *DB) UpdateMessage(id string, fn func(m *models.Message) error) (models.Message, error) {
	m, err := d.GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	l := d.lock(m.ConversationID)
	l.Lock()
	defer l.Unlock()

	// re-read under the lock
	m, err = d.GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	convID, pos := m.ConversationID, m.Position
	if err := fn(&m); err != nil {
		return models.Message{}, err
	}
	m.ID, m.ConversationID, m.Position = id, convID, pos
	m.UpdatedTS = d.now()

	b := d.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, genMessageKey(convID, pos), m); err != nil {
		return models.Message{}, err
	}
	if err := d.commit(b); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// ListBefore returns up to limit live (not deleted) messages with position
// strictly below before, in ascending order. before == 0 reads from the end.
// hasMore reports whether older live messages remain.
func (d *DB) ListBefore(convID string, before uint64, limit int) ([]models.Message, bool, error) {
	if err := ValidateID(convID); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		return nil, false, fmt.Errorf("limit must be positive")
	}
	if d.db == nil {
		return nil, false, ErrClosed
	}
	prefix := genMessagePrefix(convID)
	upper := prefixUpperBound(prefix)
	if before > 0 {
		upper = genMessageKey(convID, before)
	}
	iter, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	desc := make([]models.Message, 0, limit)
	hasMore := false
	for iter.Last(); iter.Valid(); iter.Prev() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if m.Deleted {
			continue
		}
		if len(desc) == limit {
			hasMore = true
			break
		}
		desc = append(desc, m)
	}
	if err := iter.Error(); err != nil {
		return nil, false, err
	}

	out := make([]models.Message, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, hasMore, nil
}
