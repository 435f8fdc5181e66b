package sessionsync

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LoadOlder fetches the page before the oldest loaded message and prepends it.
//
// It is a no-op when the session has no more history, when a page fetch for it is
// already in flight, or after an earlier page fetch failed. A failure is not
// reported: it turns HasMore off for the session until ClearSession.
// The returned bool reports whether a page was inserted.
func (e *Engine) LoadOlder(ctx context.Context, sessionID string) (Window, bool, error) {
	entry, ok := e.store.Get(ctx, sessionID)

	e.mu.Lock()
	if !ok || !entry.HasMore || e.exhausted[sessionID] || e.paging[sessionID] {
		e.mu.Unlock()
		return e.View(ctx, sessionID), false, nil
	}
	e.paging[sessionID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.paging, sessionID)
		e.mu.Unlock()
	}()

	limit := entry.Limit
	if limit <= 0 {
		limit = e.pageSize
	}
	page, err := e.api.History(ctx, sessionID, limit, entry.Offset)
	if err != nil {
		if ctx.Err() != nil {
			return e.View(ctx, sessionID), false, ctx.Err()
		}
		log.Warn().Err(err).Str("component", "sessionsync").Str("session_id", sessionID).Int("offset", entry.Offset).Msg("older page failed, stopping pagination")
		e.mu.Lock()
		e.exhausted[sessionID] = true
		e.mu.Unlock()
		e.store.SetHasMore(ctx, sessionID, false)
		e.notify(ctx, sessionID)
		return e.View(ctx, sessionID), false, nil
	}

	older := e.normalizer.NormalizeAll(page.Messages)
	newOffset := entry.Offset + len(page.Messages)
	if err := e.store.Prepend(ctx, sessionID, older, newOffset); err != nil {
		return e.View(ctx, sessionID), false, err
	}
	e.store.SetHasMore(ctx, sessionID, hasMore(page, entry.Offset, limit))
	e.notify(ctx, sessionID)
	return e.View(ctx, sessionID), len(older) > 0, nil
}

// Viewport is the scrollable surface showing the active window.
type Viewport interface {
	// ContentExtent is the total height of the rendered content.
	ContentExtent() int
	ScrollBy(delta int)
}

// Paginator drives LoadOlder from a "top of list reached" sentinel and keeps the
// first previously visible message in place.
type Paginator struct {
	engine   *Engine
	viewport Viewport
}

func NewPaginator(engine *Engine, viewport Viewport) *Paginator {
	return &Paginator{engine: engine, viewport: viewport}
}

// OnSentinelVisible loads the older page of the active session and scrolls the
// viewport by the height of what was inserted. Listeners run synchronously inside
// LoadOlder, so the viewport has re-rendered by the time the extent is measured again.
func (p *Paginator) OnSentinelVisible(ctx context.Context) (Window, error) {
	sessionID := p.engine.Active()
	if sessionID == "" {
		return Window{}, nil
	}
	before := 0
	if p.viewport != nil {
		before = p.viewport.ContentExtent()
	}
	w, inserted, err := p.engine.LoadOlder(ctx, sessionID)
	if err != nil || !inserted || p.viewport == nil {
		return w, err
	}
	if delta := p.viewport.ContentExtent() - before; delta != 0 {
		p.viewport.ScrollBy(delta)
	}
	return w, nil
}
