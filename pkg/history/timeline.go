package history

import (
	"sort"
	"sync"

	"threadline/pkg/models"
)

// Timeline is the client-visible message set: the deduplicated union of
// paged-in history and live messages. Live copies always win on id collision.
type Timeline struct {
	mu       sync.RWMutex
	msgs     map[string]models.Message
	live     map[string]bool
	cursor   string
	hasMore  bool
	loaded   bool
	oldestAt uint64
}

func NewTimeline() *Timeline {
	return &Timeline{msgs: make(map[string]models.Message), live: make(map[string]bool)}
}

// MergePage folds a history page in and returns how many ids were new.
func (t *Timeline) MergePage(p models.Page) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range p.Messages {
		if t.live[m.ID] {
			continue
		}
		if _, ok := t.msgs[m.ID]; !ok {
			added++
		}
		t.msgs[m.ID] = m
	}
	if p.OldestID != nil && len(p.Messages) > 0 {
		pos := p.Messages[0].Position
		// positions start at 1; zero means no cursor was set yet
		if t.oldestAt == 0 || pos < t.oldestAt {
			t.cursor, t.oldestAt = *p.OldestID, pos
			t.hasMore = p.HasMore
		}
	} else if len(p.Messages) == 0 {
		t.hasMore = false
	}
	t.loaded = true
	return added
}

// UpsertLive stores a message delivered in real time. A generating copy
// never replaces one that has seen more chunks.
func (t *Timeline) UpsertLive(m models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.msgs[m.ID]; ok && !m.Terminal() && !cur.Terminal() && m.StreamSeq < cur.StreamSeq {
		return
	}
	t.msgs[m.ID] = m
	t.live[m.ID] = true
}

// Remove drops a message, e.g. after a delete event.
func (t *Timeline) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.msgs, id)
	delete(t.live, id)
}

func (t *Timeline) Get(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.msgs[id]
	return m, ok
}

// Messages returns the visible set in position order.
func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	out := make([]models.Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		out = append(out, m)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cursor returns the id to page before and whether older history exists.
// Before any page is merged it reports ("", true) so the newest page loads.
func (t *Timeline) Cursor() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.loaded {
		return "", true
	}
	return t.cursor, t.hasMore
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
