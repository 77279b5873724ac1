package whiteboard

import (
	"context"
	"errors"
	"sync"

	"threadline/pkg/models"
)

var ErrUnresolvedConflict = errors.New("resolve the pending conflict before saving")

// SaveFunc submits content against an expected revision.
type SaveFunc func(ctx context.Context, content string, expected uint64) (models.Whiteboard, error)

// Conflict holds both sides of a rejected save until the writer picks one.
type Conflict struct {
	Mine     string
	Theirs   string
	Revision uint64
}

// Draft is a client's local shadow of a whiteboard. Unsaved edits survive
// conflicts and are only dropped by UseTheirs or by the server confirming
// the same content.
type Draft struct {
	mu       sync.Mutex
	base     models.Whiteboard
	local    string
	dirty    bool
	conflict *Conflict
}

func NewDraft(wb models.Whiteboard) *Draft {
	return &Draft{base: wb}
}

func (d *Draft) Edit(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local = content
	d.dirty = content != d.base.Content
}

// Content is what the writer sees: the local edit if any, else the base.
func (d *Draft) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty {
		return d.local
	}
	return d.base.Content
}

// Revision is the revision the next save will be checked against.
func (d *Draft) Revision() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base.Revision
}

func (d *Draft) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

func (d *Draft) Conflict() (Conflict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conflict == nil {
		return Conflict{}, false
	}
	return *d.conflict, true
}

// Save submits the local edit. On a revision conflict the edit is kept and
// the conflict is recorded; the error is returned unchanged.
func (d *Draft) Save(ctx context.Context, save SaveFunc) (models.Whiteboard, error) {
	d.mu.Lock()
	if d.conflict != nil {
		d.mu.Unlock()
		return models.Whiteboard{}, ErrUnresolvedConflict
	}
	content, expected := d.base.Content, d.base.Revision
	if d.dirty {
		content = d.local
	}
	d.mu.Unlock()

	wb, err := save(ctx, content, expected)

	d.mu.Lock()
	defer d.mu.Unlock()
	var ce *ConflictError
	if errors.As(err, &ce) {
		d.conflict = &Conflict{Mine: content, Theirs: ce.ServerContent, Revision: ce.ServerRevision}
		return models.Whiteboard{}, err
	}
	if err != nil {
		return models.Whiteboard{}, err
	}
	d.base = wb
	if d.dirty && d.local == wb.Content {
		d.dirty = false
	}
	return wb, nil
}

// KeepMine rebases the local edit onto the server revision so the next Save
// overwrites the server copy.
func (d *Draft) KeepMine() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conflict == nil {
		return
	}
	d.base.Content, d.base.Revision = d.conflict.Theirs, d.conflict.Revision
	d.local = d.conflict.Mine
	d.dirty = true
	d.conflict = nil
}

// UseTheirs discards the local edit in favour of the server copy.
func (d *Draft) UseTheirs() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conflict == nil {
		return
	}
	d.base.Content, d.base.Revision = d.conflict.Theirs, d.conflict.Revision
	d.local, d.dirty, d.conflict = "", false, nil
}

// Confirm folds in an authoritative copy from the feed. A clean draft adopts
// it; a dirty draft whose edit matches it is marked clean; otherwise the
// local edit stays on its old base so a later save surfaces the conflict.
func (d *Draft) Confirm(wb models.Whiteboard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if wb.Revision <= d.base.Revision {
		return
	}
	switch {
	case !d.dirty:
		d.base = wb
	case d.local == wb.Content:
		d.base = wb
		d.local, d.dirty = "", false
	}
}
