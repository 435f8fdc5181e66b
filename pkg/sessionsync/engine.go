// Package sessionsync keeps the visible conversation window consistent across
// session switches, backward pagination, optimistic sends and server push events.
//
// The Engine owns the notion of the active session. Loads are ticketed so the most
// recently requested session wins; everything that reaches the screen goes through
// the session cache.
package sessionsync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
)

const (
	DefaultPageSize              = 30
	DefaultAnnotationConcurrency = 4
	DefaultThinkingText          = "Thinking…"
)

type Options struct {
	API      chatapi.API
	Store    *sessioncache.Store
	PageSize int
	Now      func() time.Time

	// HydrateAnnotations fetches annotations for assistant messages after a load.
	HydrateAnnotations    bool
	AnnotationConcurrency int
	ThinkingText          string
}

// Window is what a view renders for one session.
type Window struct {
	SessionID string
	Messages  []message.Message
	Total     *int
	HasMore   bool
	Offset    int
	FromCache bool
	// Err is set when the window stands in for a failed load.
	Err error
}

type Listener func(Window)

type Engine struct {
	api                   chatapi.API
	store                 *sessioncache.Store
	pageSize              int
	now                   func() time.Time
	normalizer            message.Normalizer
	hydrateAnnotations    bool
	annotationConcurrency int
	thinkingText          string

	tickets atomic.Uint64
	reval   singleflight.Group
	wg      sync.WaitGroup

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu         sync.Mutex
	active     string
	cancelLoad context.CancelFunc
	ephemeral  map[string][]message.Message
	paging     map[string]bool
	exhausted  map[string]bool
	listeners  map[int]Listener
	nextListen int
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.API == nil {
		return nil, errors.New("sessionsync: API is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("sessionsync: store is nil")
	}
	e := &Engine{
		api:                   opts.API,
		store:                 opts.Store,
		pageSize:              opts.PageSize,
		now:                   opts.Now,
		hydrateAnnotations:    opts.HydrateAnnotations,
		annotationConcurrency: opts.AnnotationConcurrency,
		thinkingText:          opts.ThinkingText,
		ephemeral:             map[string][]message.Message{},
		paging:                map[string]bool{},
		exhausted:             map[string]bool{},
		listeners:             map[int]Listener{},
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.annotationConcurrency <= 0 {
		e.annotationConcurrency = DefaultAnnotationConcurrency
	}
	if e.thinkingText == "" {
		e.thinkingText = DefaultThinkingText
	}
	e.normalizer = message.Normalizer{Now: e.now}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	return e, nil
}

// Active returns the session currently shown, or "" when none.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Subscribe registers fn to receive the active session's window whenever it
// changes. The returned func removes the listener.
func (e *Engine) Subscribe(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListen
	e.nextListen++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// View assembles the window for sessionID from the cache plus any
// ephemeral indicators.
func (e *Engine) View(ctx context.Context, sessionID string) Window {
	w := Window{SessionID: sessionID}
	if entry, ok := e.store.Get(ctx, sessionID); ok {
		w.Messages = entry.Messages
		w.Total = entry.Total
		w.HasMore = entry.HasMore
		w.Offset = entry.Offset
	}
	e.mu.Lock()
	if e.exhausted[sessionID] {
		w.HasMore = false
	}
	extra := message.CloneAll(e.ephemeral[sessionID])
	e.mu.Unlock()
	if len(extra) > 0 {
		w.Messages = append(w.Messages, extra...)
		sort.SliceStable(w.Messages, func(i, j int) bool {
			return w.Messages[i].CreatedAt.Before(w.Messages[j].CreatedAt)
		})
	}
	return w
}

// ClearSession forgets everything cached about a session, for example after it
// was deleted on the server.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) {
	e.store.Clear(ctx, sessionID)
	e.mu.Lock()
	delete(e.ephemeral, sessionID)
	delete(e.paging, sessionID)
	delete(e.exhausted, sessionID)
	e.mu.Unlock()
	e.notify(ctx, sessionID)
}

// Wait blocks until background revalidations have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight work and waits for background goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	e.mu.Unlock()
	e.bgCancel()
	e.wg.Wait()
}

// activate makes sessionID the visible session. It issues a new ticket and
// aborts the load in flight for the previous one.
func (e *Engine) activate(ctx context.Context, sessionID string) (context.Context, uint64) {
	loadCtx, cancel := context.WithCancel(ctx)
	ticket := e.tickets.Add(1)
	e.mu.Lock()
	if e.cancelLoad != nil {
		e.cancelLoad()
	}
	e.cancelLoad = cancel
	e.active = sessionID
	e.mu.Unlock()
	return loadCtx, ticket
}

func (e *Engine) current(ticket uint64) bool {
	return e.tickets.Load() == ticket
}

// notify pushes the window of sessionID to listeners when it is the active session.
func (e *Engine) notify(ctx context.Context, sessionID string) {
	e.mu.Lock()
	if e.active != sessionID || len(e.listeners) == 0 {
		e.mu.Unlock()
		return
	}
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	w := e.View(ctx, sessionID)
	for _, l := range ls {
		l(w)
	}
}

func (e *Engine) addEphemeral(sessionID string, m message.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ephemeral[sessionID] = append(e.ephemeral[sessionID], m)
}

func (e *Engine) removeEphemeral(sessionID, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.ephemeral[sessionID]
	for i, m := range list {
		if m.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.ephemeral, sessionID)
		return
	}
	e.ephemeral[sessionID] = list
}

func (e *Engine) renameEphemeral(from, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if list, ok := e.ephemeral[from]; ok {
		e.ephemeral[to] = append(e.ephemeral[to], list...)
		delete(e.ephemeral, from)
	}
}

func entryWindow(entry sessioncache.Entry) Window {
	return Window{
		SessionID: entry.SessionID,
		Messages:  entry.Messages,
		Total:     entry.Total,
		HasMore:   entry.HasMore,
		Offset:    entry.Offset,
	}
}
