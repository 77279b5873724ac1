package store

import (
	"encoding/json"
	"fmt"

	"threadline/pkg/models"
)

// PutParticipant adds or replaces a participant and touches the conversation.
func (d *DB) PutParticipant(p models.Participant) (models.Participant, error) {
	if err := ValidateID(p.ID); err != nil {
		return models.Participant{}, err
	}
	if p.Kind != models.ParticipantAgent && p.Kind != models.ParticipantHuman {
		return models.Participant{}, fmt.Errorf("unknown participant kind %q", p.Kind)
	}
	l := d.lock(p.ConversationID)
	l.Lock()
	defer l.Unlock()

	c, err := d.GetConversation(p.ConversationID)
	if err != nil {
		return models.Participant{}, err
	}
	now := d.now()
	if p.AddedTS == 0 {
		p.AddedTS = now
	}
	c.UpdatedTS = now

	b := d.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, genParticipantKey(c.ID, string(p.Kind), p.ID), p); err != nil {
		return models.Participant{}, err
	}
	if err := setJSON(b, genConversationKey(c.ID), c); err != nil {
		return models.Participant{}, err
	}
	return p, d.commit(b)
}

// RemoveParticipant detaches a participant; removing an absent one is ErrNotFound.
func (d *DB) RemoveParticipant(convID string, kind models.ParticipantKind, id string) error {
	l := d.lock(convID)
	l.Lock()
	defer l.Unlock()

	key := genParticipantKey(convID, string(kind), id)
	if _, err := d.getRaw(key); err != nil {
		return fmt.Errorf("participant %s/%s: %w", kind, id, err)
	}
	c, err := d.GetConversation(convID)
	if err != nil {
		return err
	}
	c.UpdatedTS = d.now()

	b := d.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	if err := setJSON(b, genConversationKey(convID), c); err != nil {
		return err
	}
	return d.commit(b)
}

func (d *DB) GetParticipant(convID string, kind models.ParticipantKind, id string) (models.Participant, error) {
	var p models.Participant
	if err := d.getJSON(genParticipantKey(convID, string(kind), id), &p); err != nil {
		return models.Participant{}, fmt.Errorf("participant %s/%s: %w", kind, id, err)
	}
	return p, nil
}

// ListParticipants returns every participant ordered by kind then id.
func (d *DB) ListParticipants(convID string) ([]models.Participant, error) {
	if err := ValidateID(convID); err != nil {
		return nil, err
	}
	var out []models.Participant
	err := d.scan(genParticipantPrefix(convID), func(k, v []byte) (bool, error) {
		var p models.Participant
		if err := json.Unmarshal(v, &p); err != nil {
			return false, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, p)
		return true, nil
	})
	return out, err
}
