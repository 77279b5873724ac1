package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"threadline/pkg/models"
	"threadline/pkg/state/logger"
)

// CreateConversation persists c, assigning an id when empty. Initial
// participants are written in the same batch.
func (d *DB) CreateConversation(c models.Conversation, participants ...models.Participant) (models.Conversation, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if err := ValidateID(c.ID); err != nil {
		return models.Conversation{}, err
	}
	if err := ValidateID(c.AccountID); err != nil {
		return models.Conversation{}, fmt.Errorf("account: %w", err)
	}
	now := d.now()
	c.CreatedTS, c.UpdatedTS = now, now
	c.LastSeq = 0

	l := d.lock(c.ID)
	l.Lock()
	defer l.Unlock()

	if _, err := d.getRaw(genConversationKey(c.ID)); err == nil {
		return models.Conversation{}, fmt.Errorf("conversation %s already exists", c.ID)
	}

	b := d.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, genConversationKey(c.ID), c); err != nil {
		return models.Conversation{}, err
	}
	if err := b.Set(genAccountRelKey(c.AccountID, c.ID), nil, nil); err != nil {
		return models.Conversation{}, err
	}
	for _, p := range participants {
		p.ConversationID = c.ID
		if p.AddedTS == 0 {
			p.AddedTS = now
		}
		if err := ValidateID(p.ID); err != nil {
			return models.Conversation{}, fmt.Errorf("participant: %w", err)
		}
		if err := setJSON(b, genParticipantKey(c.ID, string(p.Kind), p.ID), p); err != nil {
			return models.Conversation{}, err
		}
	}
	if err := d.commit(b); err != nil {
		return models.Conversation{}, err
	}
	logger.Debug("conversation_created", "conversation_id", c.ID, "account_id", c.AccountID)
	return c, nil
}

// GetConversation returns the stored conversation, including soft-deleted ones.
func (d *DB) GetConversation(id string) (models.Conversation, error) {
	if err := ValidateID(id); err != nil {
		return models.Conversation{}, err
	}
	var c models.Conversation
	if err := d.getJSON(genConversationKey(id), &c); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
	}
	return c, nil
}

// UpdateConversation applies fn to the stored conversation under the
// conversation lock and persists the result.
func (d *DB) UpdateConversation(id string, fn func(c *models.Conversation) error) (models.Conversation, error) {
	l := d.lock(id)
	l.Lock()
	defer l.Unlock()
	return d.updateConversationLocked(id, fn)
}

func (d *DB) updateConversationLocked(id string, fn func(c *models.Conversation) error) (models.Conversation, error) {
	c, err := d.GetConversation(id)
	if err != nil {
		return models.Conversation{}, err
	}
	wasDeleted := c.Deleted
	if err := fn(&c); err != nil {
		return models.Conversation{}, err
	}
	c.UpdatedTS = d.now()

	b := d.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, genConversationKey(id), c); err != nil {
		return models.Conversation{}, err
	}
	if c.Deleted && !wasDeleted {
		if c.DeletedTS == 0 {
			c.DeletedTS = c.UpdatedTS
			if err := setJSON(b, genConversationKey(id), c); err != nil {
				return models.Conversation{}, err
			}
		}
		if err := b.Set(genSoftDeleteKey(id), []byte(strconv.FormatInt(c.DeletedTS, 10)), nil); err != nil {
			return models.Conversation{}, err
		}
	}
	if err := d.commit(b); err != nil {
		return models.Conversation{}, err
	}
	return c, nil
}

// ListConversations returns the account's conversations that are not
// soft-deleted, newest activity first.
func (d *DB) ListConversations(accountID string) ([]models.Conversation, error) {
	if err := ValidateID(accountID); err != nil {
		return nil, err
	}
	prefix := genAccountRelPrefix(accountID)
	var out []models.Conversation
	err := d.scan(prefix, func(k, _ []byte) (bool, error) {
		id := string(bytes.TrimPrefix(k, prefix))
		c, err := d.GetConversation(id)
		if err != nil {
			logger.Warn("conversation_rel_dangling", "account_id", accountID, "conversation_id", id, "error", err)
			return true, nil
		}
		if !c.Deleted {
			out = append(out, c)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sortByUpdatedDesc(out)
	return out, nil
}

// EachConversation visits every stored conversation.
func (d *DB) EachConversation(fn func(c models.Conversation) error) error {
	prefix := []byte("c:")
	return d.scan(prefix, func(k, v []byte) (bool, error) {
		// only meta keys: c:<id> without further segments
		if bytes.IndexByte(k[len(prefix):], ':') >= 0 {
			return true, nil
		}
		var c models.Conversation
		if err := json.Unmarshal(v, &c); err != nil {
			return false, fmt.Errorf("decode %s: %w", k, err)
		}
		return true, fn(c)
	})
}

// SoftDeleted lists ids of soft-deleted conversations with their deletion time (ns).
func (d *DB) SoftDeleted() (map[string]int64, error) {
	out := make(map[string]int64)
	prefix := []byte(softDeletePrefix)
	err := d.scan(prefix, func(k, v []byte) (bool, error) {
		ts, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			logger.Warn("soft_delete_marker_malformed", "key", string(k), "error", err)
			return true, nil
		}
		out[string(bytes.TrimPrefix(k, prefix))] = ts
		return true, nil
	})
	return out, err
}

// PurgeConversation physically removes a conversation and everything under it.
func (d *DB) PurgeConversation(id string) error {
	l := d.lock(id)
	l.Lock()
	defer func() {
		l.Unlock()
		d.forget(id)
	}()

	c, err := d.GetConversation(id)
	if err != nil {
		return err
	}

	b := d.db.NewBatch()
	defer b.Close()
	err = d.scan(genMessagePrefix(id), func(_, v []byte) (bool, error) {
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return true, nil
		}
		return true, b.Delete(genMessageIndexKey(m.ID), nil)
	})
	if err != nil {
		return err
	}
	children := []byte(fmt.Sprintf(conversationKey+":", id))
	if err := b.DeleteRange(children, prefixUpperBound(children), nil); err != nil {
		return err
	}
	if err := b.Delete(genConversationKey(id), nil); err != nil {
		return err
	}
	if err := b.Delete(genAccountRelKey(c.AccountID, id), nil); err != nil {
		return err
	}
	if err := b.Delete(genSoftDeleteKey(id), nil); err != nil {
		return err
	}
	if err := d.commit(b); err != nil {
		return err
	}
	logger.Info("conversation_purged", "conversation_id", id)
	return nil
}

func sortByUpdatedDesc(cs []models.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].UpdatedTS > cs[j].UpdatedTS })
}
