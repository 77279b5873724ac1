package whiteboard

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"threadline/pkg/models"
	"threadline/pkg/timeutil"
)

var (
	ErrSessionNotFound = errors.New("edit session not found")
	ErrSessionOwner    = errors.New("edit session belongs to another account")
)

// Sessions tracks open edit sessions in memory. A session lapses once its
// TTL passes without renewal.
type Sessions struct {
	ttl   time.Duration
	clock timeutil.Clock

	mu     sync.Mutex
	byConv map[string]map[string]models.EditSession
}

func NewSessions(ttl time.Duration, clock timeutil.Clock) *Sessions {
	if clock == nil {
		clock = timeutil.System
	}
	return &Sessions{ttl: ttl, clock: clock, byConv: make(map[string]map[string]models.EditSession)}
}

func (s *Sessions) Begin(convID, accountID string) models.EditSession {
	now := s.clock.Now()
	es := models.EditSession{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: convID,
		AccountID:      accountID,
		OpenedTS:       now.UnixNano(),
		ExpiresTS:      now.Add(s.ttl).UnixNano(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byConv[convID]
	if m == nil {
		m = make(map[string]models.EditSession)
		s.byConv[convID] = m
	}
	m[es.ID] = es
	return es
}

// Renew extends a live session.
func (s *Sessions) Renew(convID, sessionID, accountID string) (models.EditSession, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(convID, now)
	es, ok := s.byConv[convID][sessionID]
	if !ok {
		return models.EditSession{}, ErrSessionNotFound
	}
	if es.AccountID != accountID {
		return models.EditSession{}, ErrSessionOwner
	}
	es.ExpiresTS = now.Add(s.ttl).UnixNano()
	s.byConv[convID][sessionID] = es
	return es, nil
}

func (s *Sessions) End(convID, sessionID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.byConv[convID][sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if es.AccountID != accountID {
		return ErrSessionOwner
	}
	delete(s.byConv[convID], sessionID)
	if len(s.byConv[convID]) == 0 {
		delete(s.byConv, convID)
	}
	return nil
}

// Open reports whether any unexpired session exists for convID.
func (s *Sessions) Open(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(convID, s.clock.Now())
	return len(s.byConv[convID]) > 0
}

// List returns the live sessions of convID, oldest first.
func (s *Sessions) List(convID string) []models.EditSession {
	s.mu.Lock()
	s.pruneLocked(convID, s.clock.Now())
	out := make([]models.EditSession, 0, len(s.byConv[convID]))
	for _, es := range s.byConv[convID] {
		out = append(out, es)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedTS < out[j].OpenedTS })
	return out
}

// Forget drops every session of convID, e.g. when it is purged.
func (s *Sessions) Forget(convID string) {
	s.mu.Lock()
	delete(s.byConv, convID)
	s.mu.Unlock()
}

func (s *Sessions) pruneLocked(convID string, now time.Time) {
	m := s.byConv[convID]
	for id, es := range m {
		if es.ExpiresTS <= now.UnixNano() {
			delete(m, id)
		}
	}
	if m != nil && len(m) == 0 {
		delete(s.byConv, convID)
	}
}
