// Package whiteboard guards the shared conversation document with
// revision-checked saves and advisory edit sessions.
package whiteboard

import (
	"context"
	"errors"
	"fmt"

	"threadline/pkg/events"
	"threadline/pkg/feed"
	"threadline/pkg/models"
	"threadline/pkg/state/logger"
	"threadline/pkg/store"
	"threadline/pkg/telemetry"
)

var (
	ErrTooLarge        = errors.New("whiteboard content too large")
	ErrEditSessionOpen = errors.New("whiteboard is being edited")
	ErrAgentResponding = errors.New("an agent is responding")
)

// ConflictError is returned when a save names a revision that is no longer
// current. It carries the server copy so the writer can choose between
// keeping their edit and taking the server's.
type ConflictError struct {
	ServerContent  string
	ServerRevision uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("whiteboard revision conflict: current revision is %d", e.ServerRevision)
}

func (e *ConflictError) Unwrap() error { return store.ErrRevisionConflict }

// Store is the persistence the resolver needs.
type Store interface {
	GetConversation(id string) (models.Conversation, error)
	GetWhiteboard(convID string) (models.Whiteboard, error)
	SaveWhiteboard(convID string, expected uint64, content string, kind models.ParticipantKind, id string) (models.Whiteboard, error)
}

// Editor identifies who is writing.
type Editor struct {
	Kind models.ParticipantKind
	ID   string
}

type Resolver struct {
	store    Store
	pub      feed.Publisher
	sessions *Sessions
	maxSize  int
}

func NewResolver(st Store, pub feed.Publisher, sessions *Sessions, maxSize int) *Resolver {
	return &Resolver{store: st, pub: pub, sessions: sessions, maxSize: maxSize}
}

// Sessions exposes the edit session table.
func (r *Resolver) Sessions() *Sessions { return r.sessions }

func (r *Resolver) Get(convID string) (models.Whiteboard, error) {
	return r.store.GetWhiteboard(convID)
}

// Save writes content if expected is the current revision. A stale revision
// yields *ConflictError and nothing is written. Agents are refused while a
// human edit session is open.
func (r *Resolver) Save(ctx context.Context, convID, content string, expected uint64, ed Editor) (models.Whiteboard, error) {
	tr := telemetry.Track("whiteboard.save")
	defer tr.Finish()

	if err := ctx.Err(); err != nil {
		return models.Whiteboard{}, err
	}
	if r.maxSize > 0 && len(content) > r.maxSize {
		telemetry.WhiteboardSaves.WithLabelValues("too_large").Inc()
		return models.Whiteboard{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(content), r.maxSize)
	}
	if ed.Kind == models.ParticipantAgent && r.sessions != nil && r.sessions.Open(convID) {
		telemetry.WhiteboardSaves.WithLabelValues("rejected").Inc()
		logger.Info("whiteboard_agent_write_rejected", "conversation_id", convID, "agent_id", ed.ID)
		return models.Whiteboard{}, ErrEditSessionOpen
	}

	wb, err := r.store.SaveWhiteboard(convID, expected, content, ed.Kind, ed.ID)
	if errors.Is(err, store.ErrRevisionConflict) {
		telemetry.WhiteboardSaves.WithLabelValues("conflict").Inc()
		logger.Info("whiteboard_conflict", "conversation_id", convID, "expected", expected, "current", wb.Revision, "editor", ed.ID)
		return models.Whiteboard{}, &ConflictError{ServerContent: wb.Content, ServerRevision: wb.Revision}
	}
	if err != nil {
		telemetry.WhiteboardSaves.WithLabelValues("error").Inc()
		return models.Whiteboard{}, err
	}
	tr.Mark("saved")
	telemetry.WhiteboardSaves.WithLabelValues("ok").Inc()
	logger.Debug("whiteboard_saved", "conversation_id", convID, "revision", wb.Revision, "editor", ed.ID)

	if r.pub != nil {
		if err := r.pub.Publish(feed.WhiteboardTopic(convID), events.WhiteboardUpdated{Whiteboard: wb}); err != nil {
			logger.Warn("whiteboard_publish_failed", "conversation_id", convID, "error", err)
		}
	}
	return wb, nil
}

// BeginEdit opens an interactive edit session, or renews sessionID if it is
// still live. New sessions are refused while an agent is responding.
func (r *Resolver) BeginEdit(ctx context.Context, convID, accountID, sessionID string) (models.EditSession, error) {
	if err := ctx.Err(); err != nil {
		return models.EditSession{}, err
	}
	c, err := r.store.GetConversation(convID)
	if err != nil {
		return models.EditSession{}, err
	}
	if sessionID != "" {
		if s, err := r.sessions.Renew(convID, sessionID, accountID); err == nil {
			return s, nil
		}
	}
	if c.AgentResponding() {
		logger.Info("edit_session_rejected", "conversation_id", convID, "agent_id", c.RespondingAgentID)
		return models.EditSession{}, ErrAgentResponding
	}
	s := r.sessions.Begin(convID, accountID)
	logger.Info("edit_session_opened", "conversation_id", convID, "session_id", s.ID)
	return s, nil
}

// EndEdit closes a session opened by accountID.
func (r *Resolver) EndEdit(convID, sessionID, accountID string) error {
	if err := r.sessions.End(convID, sessionID, accountID); err != nil {
		return err
	}
	logger.Info("edit_session_closed", "conversation_id", convID, "session_id", sessionID)
	return nil
}
