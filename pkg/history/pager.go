// Package history serves and merges reverse-chronological message pages.
package history

import (
	"context"
	"errors"
	"fmt"

	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/telemetry"
)

var ErrCursorNotFound = errors.New("history cursor not found")

// Source is the storage the pager reads from.
type Source interface {
	GetConversation(id string) (models.Conversation, error)
	GetMessage(id string) (models.Message, error)
	ListBefore(convID string, before uint64, limit int) ([]models.Message, bool, error)
}

// Pager serves fixed-size pages of messages strictly older than a cursor.
type Pager struct {
	src      Source
	pageSize int
}

func NewPager(src Source, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Pager{src: src, pageSize: pageSize}
}

// LoadOlder returns the page immediately before beforeID, or the newest page
// when beforeID is empty. Messages are in ascending display order.
func (p *Pager) LoadOlder(ctx context.Context, convID, beforeID string) (models.Page, error) {
	tr := telemetry.Track("history.load_older")
	defer tr.Finish()

	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}
	if _, err := p.src.GetConversation(convID); err != nil {
		return models.Page{}, err
	}

	var before uint64
	if beforeID != "" {
		cursor, err := p.src.GetMessage(beforeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID) {
				return models.Page{}, fmt.Errorf("%w: %s", ErrCursorNotFound, beforeID)
			}
			return models.Page{}, err
		}
		if cursor.ConversationID != convID {
			return models.Page{}, fmt.Errorf("%w: %s", ErrCursorNotFound, beforeID)
		}
		before = cursor.Position
		if before <= 1 {
			return models.Page{Messages: []models.Message{}}, nil
		}
	}
	tr.Mark("cursor")

	msgs, hasMore, err := p.src.ListBefore(convID, before, p.pageSize)
	if err != nil {
		return models.Page{}, fmt.Errorf("list messages: %w", err)
	}
	tr.Mark("scan")

	page := models.Page{Messages: msgs, HasMore: hasMore}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	if len(msgs) > 0 {
		oldest := msgs[0].ID
		page.OldestID = &oldest
	}
	return page, nil
}
