package history

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"threadline/pkg/models"
	"threadline/pkg/state/logger"
)

// FetchFunc issues one history request.
type FetchFunc func(ctx context.Context, convID, beforeID string) (models.Page, error)

// Viewport is the scroll state of a message list.
type Viewport struct {
	ScrollTop    float64
	ScrollHeight float64
}

// Anchor preserves the visible position across a page prepend.
type Anchor struct {
	top    float64
	height float64
}

// Capture records the viewport before content is inserted above it.
func Capture(v Viewport) Anchor { return Anchor{top: v.ScrollTop, height: v.ScrollHeight} }

// Restore returns the scroll offset that keeps the same content in view
// once the list has grown to newHeight.
func (a Anchor) Restore(newHeight float64) float64 {
	return a.top + (newHeight - a.height)
}

// Loader pages older history into a Timeline. Concurrent requests for the
// same cursor share one fetch.
type Loader struct {
	convID    string
	fetch     FetchFunc
	timeline  *Timeline
	threshold float64

	group    singleflight.Group
	inflight atomic.Int32
}

// NewLoader returns a loader that triggers when the viewport is within
// threshold of the top.
func NewLoader(convID string, fetch FetchFunc, tl *Timeline, threshold float64) *Loader {
	return &Loader{convID: convID, fetch: fetch, timeline: tl, threshold: threshold}
}

// LoadOlder fetches the page before beforeID and merges it. Callers racing on
// the same cursor receive the same page and the merge happens once.
func (l *Loader) LoadOlder(ctx context.Context, beforeID string) (models.Page, error) {
	v, err, shared := l.group.Do(l.convID+"|"+beforeID, func() (any, error) {
		l.inflight.Add(1)
		defer l.inflight.Add(-1)
		page, err := l.fetch(ctx, l.convID, beforeID)
		if err != nil {
			return models.Page{}, err
		}
		added := l.timeline.MergePage(page)
		logger.Debug("history_page_merged", "conversation_id", l.convID, "before", beforeID, "added", added, "has_more", page.HasMore)
		return page, nil
	})
	if shared {
		logger.Debug("history_request_shared", "conversation_id", l.convID, "before", beforeID)
	}
	if err != nil {
		return models.Page{}, err
	}
	return v.(models.Page), nil
}

// InFlight reports whether a fetch is outstanding.
func (l *Loader) InFlight() bool { return l.inflight.Load() > 0 }

// OnScroll loads the next older page when v is near the top, more history
// exists and nothing is in flight. It returns the new scroll offset that
// preserves the reader's position, and whether a page was loaded.
func (l *Loader) OnScroll(ctx context.Context, v Viewport, measure func() float64) (float64, bool, error) {
	if v.ScrollTop > l.threshold || l.InFlight() {
		return v.ScrollTop, false, nil
	}
	cursor, more := l.timeline.Cursor()
	if !more {
		return v.ScrollTop, false, nil
	}
	anchor := Capture(v)
	if _, err := l.LoadOlder(ctx, cursor); err != nil {
		return v.ScrollTop, false, err
	}
	if measure == nil {
		return v.ScrollTop, true, nil
	}
	return anchor.Restore(measure()), true, nil
}
