package auth

import (
	"fmt"

	"threadline/pkg/models"
	"threadline/pkg/store"
)

// Authorizer decides access to conversations and fills in the per-request
// editable, deletable and respondable flags.
type Authorizer struct{}

// CanView allows privileged callers everywhere and account holders inside
// their own account. Soft-deleted conversations are reported as missing.
func (Authorizer) CanView(id Identity, c models.Conversation) error {
	if c.Deleted {
		return fmt.Errorf("conversation %s: %w", c.ID, store.ErrNotFound)
	}
	if id.Privileged() {
		return nil
	}
	if id.AccountID == "" || id.AccountID != c.AccountID {
		return ErrForbidden
	}
	return nil
}

// CanWrite is CanView plus the archive check.
func (a Authorizer) CanWrite(id Identity, c models.Conversation) error {
	if err := a.CanView(id, c); err != nil {
		return err
	}
	if c.Archived {
		return fmt.Errorf("%w: conversation is archived", ErrForbidden)
	}
	return nil
}

// Conversation returns c with Respondable set for id.
func (Authorizer) Conversation(id Identity, c models.Conversation) models.Conversation {
	c.Respondable = c.AcceptsTurns() && !c.AgentResponding() &&
		(id.Privileged() || (id.AccountID != "" && id.AccountID == c.AccountID))
	return c
}

// Message returns m with Editable and Deletable set for id. Only authors
// edit, and only once the message is terminal; the conversation owner may
// also delete.
func (Authorizer) Message(id Identity, c models.Conversation, m models.Message) models.Message {
	author := (m.AuthorAccountID != "" && m.AuthorAccountID == id.AccountID) ||
		(m.AuthorAgentID != "" && m.AuthorAgentID == id.AgentID)
	if id.Role == RoleAdmin {
		author = true
	}
	owner := id.Privileged() || (id.AccountID != "" && id.AccountID == c.AccountID)
	open := !m.Deleted && !c.Archived && !c.Deleted

	m.Editable = open && author && m.Terminal() && m.Role != models.RoleTool
	m.Deletable = open && (author || owner) && m.Terminal()
	return m
}

// Messages applies Message to each element of ms in place.
func (a Authorizer) Messages(id Identity, c models.Conversation, ms []models.Message) []models.Message {
	for i := range ms {
		ms[i] = a.Message(id, c, ms[i])
	}
	return ms
}
