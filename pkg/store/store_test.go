package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/models"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newConversation(t *testing.T, db *DB) models.Conversation {
	t.Helper()
	c, err := db.CreateConversation(models.Conversation{AccountID: "acct1"},
		models.Participant{Kind: models.ParticipantAgent, ID: "agent-a", Name: "A", Eligibility: models.EligibilityAssigned})
	require.NoError(t, err)
	return c
}

func appendN(t *testing.T, db *DB, convID string, n int) []models.Message {
	t.Helper()
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		m, _, err := db.AppendMessage(models.Message{
			ConversationID: convID,
			Role:           models.RoleHuman,
			Content:        fmt.Sprintf("msg %d", i+1),
			Status:         models.StatusComplete,
		}, nil)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestAppendAssignsIncreasingPositions(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)
	msgs := appendN(t, db, c.ID, 3)

	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Position)
	}
	got, err := db.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.LastSeq)

	m, err := db.GetMessage(msgs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "msg 2", m.Content)
}

func TestConcurrentAppendIDsFollowPositions(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)

	const n = 32
	var wg sync.WaitGroup
	results := make([]models.Message, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, _, err := db.AppendMessage(models.Message{ConversationID: c.ID, Role: models.RoleHuman, Status: models.StatusComplete},
				func(c *models.Conversation, m models.Message) error {
					if m.ID == "" {
						return errors.New("id not assigned before mutate")
					}
					return nil
				})
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	byPos := make(map[uint64]string, n)
	for _, m := range results {
		byPos[m.Position] = m.ID
	}
	require.Len(t, byPos, n)
	for pos := uint64(2); pos <= n; pos++ {
		assert.Less(t, byPos[pos-1], byPos[pos], "id order must match position %d", pos)
	}
}

func TestAppendMutateAbortsAtomically(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)
	boom := errors.New("busy")

	_, _, err := db.AppendMessage(models.Message{ConversationID: c.ID, Role: models.RoleAgent},
		func(c *models.Conversation, _ models.Message) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := db.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.LastSeq)
}

func TestListBeforePagesBackwards(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)
	msgs := appendN(t, db, c.ID, 7)

	page, hasMore, err := db.ListBefore(c.ID, 0, 3)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 3)
	assert.Equal(t, []uint64{5, 6, 7}, positions(page))

	page, hasMore, err = db.ListBefore(c.ID, page[0].Position, 3)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Equal(t, []uint64{2, 3, 4}, positions(page))

	page, hasMore, err = db.ListBefore(c.ID, page[0].Position, 3)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []uint64{1}, positions(page))
	assert.Equal(t, msgs[0].ID, page[0].ID)
}

func TestListBeforeSkipsDeleted(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)
	msgs := appendN(t, db, c.ID, 4)
	_, err := db.UpdateMessage(msgs[0].ID, func(m *models.Message) error {
		m.Deleted = true
		return nil
	})
	require.NoError(t, err)

	page, hasMore, err := db.ListBefore(c.ID, msgs[2].Position, 5)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []uint64{2}, positions(page))
}

func TestWhiteboardCompareAndSwap(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)

	wb, err := db.GetWhiteboard(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), wb.Revision)

	wb, err = db.SaveWhiteboard(c.ID, 0, "plan v1", models.ParticipantHuman, "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wb.Revision)

	cur, err := db.SaveWhiteboard(c.ID, 0, "stale", models.ParticipantAgent, "agent-a")
	assert.ErrorIs(t, err, ErrRevisionConflict)
	assert.Equal(t, uint64(1), cur.Revision)
	assert.Equal(t, "plan v1", cur.Content)

	conv, err := db.GetConversation(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), conv.WhiteboardRevision)
}

func TestWhiteboardConcurrentSameRevision(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.SaveWhiteboard(c.ID, 0, fmt.Sprintf("writer %d", i), models.ParticipantHuman, "u")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrRevisionConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	db := openTest(t)
	c := newConversation(t, db)
	msgs := appendN(t, db, c.ID, 2)

	_, err := db.UpdateConversation(c.ID, func(c *models.Conversation) error {
		c.Deleted = true
		return nil
	})
	require.NoError(t, err)

	list, err := db.ListConversations("acct1")
	require.NoError(t, err)
	assert.Empty(t, list)

	deleted, err := db.SoftDeleted()
	require.NoError(t, err)
	assert.Contains(t, deleted, c.ID)

	require.NoError(t, db.PurgeConversation(c.ID))
	_, err = db.GetConversation(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetMessage(msgs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	ps, err := db.ListParticipants(c.ID)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("0190a3e4-7a1b-7c3d-8e9f-0123456789ab"))
	assert.ErrorIs(t, ValidateID(""), ErrInvalidID)
	assert.ErrorIs(t, ValidateID("a:b"), ErrInvalidID)
}

func positions(ms []models.Message) []uint64 {
	out := make([]uint64, len(ms))
	for i, m := range ms {
		out[i] = m.Position
	}
	return out
}
