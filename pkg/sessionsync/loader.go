package sessionsync

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
)

// Load makes sessionID the active session and returns its window.
//
// A live cache entry is returned at once with FromCache set, and a background
// fetch refreshes it. Otherwise the most recent page is fetched and merged into
// the cache. When another Load was issued in the meantime the result is dropped
// and ErrSuperseded returned. A failed fetch returns a window holding a single
// error indicator together with the error; nothing is cached for it.
func (e *Engine) Load(ctx context.Context, sessionID string) (Window, error) {
	if sessionID == "" {
		return Window{}, errors.New("sessionsync: session id is empty")
	}
	loadCtx, ticket := e.activate(ctx, sessionID)

	if entry, ok := e.store.Get(loadCtx, sessionID); ok {
		w := entryWindow(entry)
		w.FromCache = true
		e.mu.Lock()
		if e.exhausted[sessionID] {
			w.HasMore = false
		}
		e.mu.Unlock()
		e.revalidate(sessionID)
		log.Debug().Str("component", "sessionsync").Str("session_id", sessionID).Int("messages", len(w.Messages)).Msg("served from cache")
		return w, nil
	}

	win, err := e.fetchLatest(loadCtx, sessionID)
	if !e.current(ticket) {
		log.Debug().Str("component", "sessionsync").Str("session_id", sessionID).Uint64("ticket", ticket).Msg("dropping superseded load")
		return Window{}, ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil && loadCtx.Err() != nil {
			return Window{}, ErrSuperseded
		}
		log.Warn().Err(err).Str("component", "sessionsync").Str("session_id", sessionID).Msg("load failed")
		return e.failedWindow(sessionID, err), err
	}
	if err := e.store.Merge(loadCtx, sessionID, win); err != nil {
		return Window{}, err
	}
	w := e.View(loadCtx, sessionID)
	e.notify(loadCtx, sessionID)
	// the merge is kept, but a caller overtaken by a newer Load gets no window
	if !e.current(ticket) {
		return Window{}, ErrSuperseded
	}
	return w, nil
}

// Refresh forces a fetch for sessionID even when it is cached, and waits for it.
func (e *Engine) Refresh(ctx context.Context, sessionID string) (Window, error) {
	win, err := e.fetchLatest(ctx, sessionID)
	if err != nil {
		return Window{}, err
	}
	if err := e.store.Merge(ctx, sessionID, win); err != nil {
		return Window{}, err
	}
	e.notify(ctx, sessionID)
	return e.View(ctx, sessionID), nil
}

// revalidate refreshes a cached session in the background. Concurrent
// revalidations for one session share a single fetch.
func (e *Engine) revalidate(sessionID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, err, shared := e.reval.Do(sessionID, func() (interface{}, error) {
			win, err := e.fetchLatest(e.bgCtx, sessionID)
			if err != nil {
				return nil, err
			}
			return nil, e.store.Merge(e.bgCtx, sessionID, win)
		})
		if err != nil {
			log.Debug().Err(err).Str("component", "sessionsync").Str("session_id", sessionID).Msg("revalidation failed, keeping cached window")
			return
		}
		if !shared {
			e.notify(e.bgCtx, sessionID)
		}
	}()
}

// fetchLatest fetches and normalizes the most recent page of a session.
func (e *Engine) fetchLatest(ctx context.Context, sessionID string) (sessioncache.Window, error) {
	page, err := e.api.History(ctx, sessionID, e.pageSize, 0)
	if err != nil {
		return sessioncache.Window{}, errors.Wrapf(err, "fetch history for %s", sessionID)
	}
	msgs := e.normalizer.NormalizeAll(page.Messages)
	if e.hydrateAnnotations {
		e.hydrate(ctx, msgs)
	}
	return sessioncache.Window{
		Messages: msgs,
		Total:    page.Total,
		HasMore:  hasMore(page, 0, e.pageSize),
		Limit:    e.pageSize,
		Offset:   len(page.Messages),
	}, nil
}

// hydrate attaches annotations to assistant messages in parallel. Failures leave
// the message as it was.
func (e *Engine) hydrate(ctx context.Context, msgs []message.Message) {
	var g errgroup.Group
	g.SetLimit(e.annotationConcurrency)
	for i := range msgs {
		m := msgs[i]
		if m.Role != message.RoleAssistant || m.BackendID == "" || m.Annotations != nil {
			continue
		}
		g.Go(func() error {
			ann, err := e.api.Annotations(ctx, m.BackendID)
			if err != nil {
				log.Debug().Err(err).Str("component", "sessionsync").Str("backend_id", m.BackendID).Msg("annotation hydration failed")
				return nil
			}
			if len(ann) > 0 {
				msgs[i].Annotations = ann
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) failedWindow(sessionID string, err error) Window {
	indicator := message.NewErrorIndicator(loadFailedText, false, e.now())
	return Window{
		SessionID: sessionID,
		Messages:  []message.Message{indicator},
		Err:       err,
	}
}

// hasMore decides whether older messages exist past a page fetched at offset.
// The total count wins, then the server's flag, then a full page.
func hasMore(page chatapi.HistoryPage, offset, limit int) bool {
	loaded := offset + len(page.Messages)
	if len(page.Messages) == 0 {
		return false
	}
	if page.Total != nil {
		return loaded < *page.Total
	}
	if page.HasMore != nil {
		return *page.HasMore
	}
	return len(page.Messages) >= limit
}
