package sessionsync

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/pushstream"
)

const DefaultReconnectBackoff = 3 * time.Second

// Bridge feeds server push events into the engine and reconnects the source
// after a fixed backoff whenever the stream ends. Delivery is at most once.
type Bridge struct {
	engine  *Engine
	source  pushstream.Source
	backoff time.Duration

	// OnSessionUpdated receives session.updated events, e.g. to refresh a session list.
	OnSessionUpdated func(pushstream.Event)
}

func NewBridge(engine *Engine, source pushstream.Source, backoff time.Duration) *Bridge {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	return &Bridge{engine: engine, source: source, backoff: backoff}
}

// Run streams until ctx is cancelled and returns ctx.Err().
func (b *Bridge) Run(ctx context.Context) error {
	for {
		err := b.source.Stream(ctx, func(ev pushstream.Event) error {
			b.Handle(ctx, ev)
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("component", "pushstream").Dur("backoff", b.backoff).Msg("push stream ended, reconnecting")
		t := time.NewTimer(b.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Handle applies one event and reports whether it changed the cache.
func (b *Bridge) Handle(ctx context.Context, ev pushstream.Event) bool {
	switch {
	case ev.Type == pushstream.TypeMessageAppended:
		return b.engine.ApplyPushed(ctx, ev)
	case ev.Type == pushstream.TypeSessionUpdated:
		if b.OnSessionUpdated != nil {
			b.OnSessionUpdated(ev)
		}
		return false
	case strings.HasPrefix(ev.Type, pushstream.TypeTaskPrefix):
		return false
	default:
		log.Debug().Str("component", "pushstream").Str("type", ev.Type).Msg("ignoring unknown event")
		return false
	}
}

// ApplyPushed appends pushed messages to the active session. Events for any other
// session are dropped; the next Load of that session fetches them from the server.
func (e *Engine) ApplyPushed(ctx context.Context, ev pushstream.Event) bool {
	active := e.Active()
	if ev.SessionID == "" || ev.SessionID != active {
		log.Debug().Str("component", "sessionsync").Str("session_id", ev.SessionID).Str("active", active).Msg("dropping push for inactive session")
		return false
	}
	msgs := e.normalizer.NormalizeAll(ev.Messages)
	if len(msgs) == 0 {
		return false
	}
	if err := e.store.Append(ctx, ev.SessionID, msgs); err != nil {
		log.Warn().Err(err).Str("component", "sessionsync").Str("session_id", ev.SessionID).Msg("push append failed")
		return false
	}
	e.notify(ctx, ev.SessionID)
	return true
}
