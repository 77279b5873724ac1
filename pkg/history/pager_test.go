package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/models"
	"threadline/pkg/store"
)

func seed(t *testing.T, n int) (*store.DB, models.Conversation, []models.Message) {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := db.CreateConversation(models.Conversation{AccountID: "acct1"})
	require.NoError(t, err)
	var msgs []models.Message
	for i := 0; i < n; i++ {
		m, _, err := db.AppendMessage(models.Message{
			ConversationID: c.ID, Role: models.RoleHuman, Status: models.StatusComplete,
			Content: fmt.Sprintf("m%d", i+1),
		}, nil)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return db, c, msgs
}

func TestLoadOlderNewestPage(t *testing.T) {
	db, c, msgs := seed(t, 5)
	p := NewPager(db, 2)

	page, err := p.LoadOlder(context.Background(), c.ID, "")
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, msgs[3].ID, page.Messages[0].ID)
	assert.Equal(t, msgs[4].ID, page.Messages[1].ID)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.OldestID)
	assert.Equal(t, msgs[3].ID, *page.OldestID)
}

func TestPagesNeverReachCursorAndNeverOverlap(t *testing.T) {
	db, c, msgs := seed(t, 11)
	p := NewPager(db, 3)
	ctx := context.Background()

	tl := NewTimeline()
	live := msgs[10]
	live.Content = "edited live"
	tl.UpsertLive(live)

	seen := map[string]int{}
	cursor := ""
	for {
		page, err := p.LoadOlder(ctx, c.ID, cursor)
		require.NoError(t, err)
		if cursor != "" {
			cur, err := db.GetMessage(cursor)
			require.NoError(t, err)
			for _, m := range page.Messages {
				assert.Less(t, m.Position, cur.Position)
			}
		}
		for _, m := range page.Messages {
			seen[m.ID]++
		}
		tl.MergePage(page)
		if !page.HasMore {
			break
		}
		cursor = *page.OldestID
	}

	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s served twice", id)
	}
	all := tl.Messages()
	assert.Len(t, all, 11)
	ids := map[string]bool{}
	for i, m := range all {
		assert.False(t, ids[m.ID])
		ids[m.ID] = true
		assert.Equal(t, uint64(i+1), m.Position)
	}
	got, _ := tl.Get(live.ID)
	assert.Equal(t, "edited live", got.Content, "live copy wins over history")
}

func TestLoadOlderCursorErrors(t *testing.T) {
	db, c, msgs := seed(t, 2)
	other, err := db.CreateConversation(models.Conversation{AccountID: "acct1"})
	require.NoError(t, err)
	p := NewPager(db, 10)
	ctx := context.Background()

	_, err = p.LoadOlder(ctx, c.ID, "missing-id")
	assert.ErrorIs(t, err, ErrCursorNotFound)

	_, err = p.LoadOlder(ctx, other.ID, msgs[1].ID)
	assert.ErrorIs(t, err, ErrCursorNotFound)

	page, err := p.LoadOlder(ctx, c.ID, msgs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.OldestID)

	_, err = p.LoadOlder(ctx, "nope", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTimelineCursorAfterEmptyFirstPage(t *testing.T) {
	tl := NewTimeline()
	tl.MergePage(models.Page{Messages: []models.Message{}})
	_, more := tl.Cursor()
	assert.False(t, more)

	// messages arrived while the viewer lagged; the reconcile page is the
	// first one that has a cursor
	db, c, msgs := seed(t, 5)
	page, err := NewPager(db, 2).LoadOlder(context.Background(), c.ID, "")
	require.NoError(t, err)
	tl.MergePage(page)

	cursor, more := tl.Cursor()
	assert.True(t, more)
	assert.Equal(t, msgs[3].ID, cursor)

	older, err := NewPager(db, 2).LoadOlder(context.Background(), c.ID, cursor)
	require.NoError(t, err)
	tl.MergePage(older)
	cursor, more = tl.Cursor()
	assert.True(t, more)
	assert.Equal(t, msgs[1].ID, cursor)
}

func TestUpsertLiveKeepsFurthestCopy(t *testing.T) {
	tl := NewTimeline()
	m := models.Message{ID: "m1", Position: 1, Status: models.StatusStreaming, Content: "abc", StreamSeq: 3}
	tl.UpsertLive(m)

	older := m
	older.Content, older.StreamSeq = "ab", 2
	tl.UpsertLive(older)
	got, _ := tl.Get("m1")
	assert.Equal(t, "abc", got.Content)

	done := older
	done.Status = models.StatusComplete
	tl.UpsertLive(done)
	got, _ = tl.Get("m1")
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, "ab", got.Content)
}
