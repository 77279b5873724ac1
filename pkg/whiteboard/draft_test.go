package whiteboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/models"
)

// memServer is a single-document revision-checked store.
type memServer struct {
	wb models.Whiteboard
}

func (s *memServer) save(_ context.Context, content string, expected uint64) (models.Whiteboard, error) {
	if expected != s.wb.Revision {
		return models.Whiteboard{}, &ConflictError{ServerContent: s.wb.Content, ServerRevision: s.wb.Revision}
	}
	s.wb = models.Whiteboard{Revision: s.wb.Revision + 1, Content: content}
	return s.wb, nil
}

func TestDraftKeepMine(t *testing.T) {
	srv := &memServer{wb: models.Whiteboard{Revision: 4, Content: "base"}}
	d := NewDraft(srv.wb)
	ctx := context.Background()

	_, err := srv.save(ctx, "someone else", 4)
	require.NoError(t, err)

	d.Edit("mine")
	_, err = d.Save(ctx, srv.save)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))

	c, ok := d.Conflict()
	require.True(t, ok)
	assert.Equal(t, Conflict{Mine: "mine", Theirs: "someone else", Revision: 5}, c)
	assert.Equal(t, "mine", d.Content(), "unsaved edit survives the conflict")

	_, err = d.Save(ctx, srv.save)
	assert.ErrorIs(t, err, ErrUnresolvedConflict)

	d.KeepMine()
	wb, err := d.Save(ctx, srv.save)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), wb.Revision)
	assert.Equal(t, "mine", srv.wb.Content)
	assert.False(t, d.Dirty())
}

func TestDraftUseTheirs(t *testing.T) {
	srv := &memServer{wb: models.Whiteboard{Revision: 1, Content: "a"}}
	d := NewDraft(srv.wb)
	ctx := context.Background()
	_, _ = srv.save(ctx, "b", 1)

	d.Edit("mine")
	_, err := d.Save(ctx, srv.save)
	require.Error(t, err)

	d.UseTheirs()
	assert.False(t, d.Dirty())
	assert.Equal(t, "b", d.Content())
	assert.Equal(t, uint64(2), d.Revision())
	assert.Equal(t, "b", srv.wb.Content, "server copy untouched")
}

func TestDraftConfirm(t *testing.T) {
	d := NewDraft(models.Whiteboard{Revision: 1, Content: "a"})

	d.Confirm(models.Whiteboard{Revision: 2, Content: "b"})
	assert.Equal(t, "b", d.Content())
	assert.Equal(t, uint64(2), d.Revision())

	d.Edit("c")
	d.Confirm(models.Whiteboard{Revision: 3, Content: "other"})
	assert.Equal(t, "c", d.Content())
	assert.Equal(t, uint64(2), d.Revision(), "dirty draft keeps its base")

	d.Confirm(models.Whiteboard{Revision: 4, Content: "c"})
	assert.False(t, d.Dirty())
	assert.Equal(t, uint64(4), d.Revision())

	d.Confirm(models.Whiteboard{Revision: 3, Content: "old"})
	assert.Equal(t, "c", d.Content())
}
