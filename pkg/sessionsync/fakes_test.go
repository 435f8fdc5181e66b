package sessionsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeAPI serves per-session histories stored oldest first.
type fakeAPI struct {
	mu           sync.Mutex
	history      map[string][]json.RawMessage
	historyErr   map[string]error
	gates        map[string]chan struct{}
	calls        []string
	annotations  map[string]json.RawMessage
	chatReply    chatapi.ChatReply
	chatErr      error
	sentTexts    []string
	respectCtx   bool
	historyEntry chan string
}

var _ chatapi.API = &fakeAPI{}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:      map[string][]json.RawMessage{},
		historyErr:   map[string]error{},
		gates:        map[string]chan struct{}{},
		annotations:  map[string]json.RawMessage{},
		historyEntry: make(chan string, 64),
	}
}

func rawMsg(id, role, content string, at time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"role":%q,"content":%q,"created_at":%q}`, id, role, content, at.Format(time.RFC3339Nano)))
}

// seed fills a session with n alternating messages, one second apart.
func (f *fakeAPI) seed(sessionID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		id := fmt.Sprintf("%s-m%02d", sessionID, i)
		f.history[sessionID] = append(f.history[sessionID], rawMsg(id, role, id, baseTime.Add(time.Duration(i)*time.Second)))
	}
}

func (f *fakeAPI) add(sessionID string, raw json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[sessionID] = append(f.history[sessionID], raw)
}

func (f *fakeAPI) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

func (f *fakeAPI) failHistory(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr[key] = err
}

func (f *fakeAPI) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeAPI) History(ctx context.Context, sessionID string, limit, offset int) (chatapi.HistoryPage, error) {
	key := fmt.Sprintf("%s@%d", sessionID, offset)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	gate := f.gates[key]
	respect := f.respectCtx
	f.mu.Unlock()
	f.historyEntry <- key

	if gate != nil {
		if respect {
			select {
			case <-gate:
			case <-ctx.Done():
				return chatapi.HistoryPage{}, ctx.Err()
			}
		} else {
			<-gate
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.historyErr[key]; err != nil {
		return chatapi.HistoryPage{}, err
	}
	all := f.history[sessionID]
	end := len(all) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	total := len(all)
	page := append([]json.RawMessage(nil), all[start:end]...)
	return chatapi.HistoryPage{Messages: page, Total: &total}, nil
}

func (f *fakeAPI) NewChat(ctx context.Context, text string) (chatapi.ChatReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return f.chatReply, f.chatErr
}

func (f *fakeAPI) Chat(ctx context.Context, sessionID, text string) (chatapi.ChatReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	reply := f.chatReply
	if reply.SessionID == "" {
		reply.SessionID = sessionID
	}
	return reply, f.chatErr
}

func (f *fakeAPI) Annotations(ctx context.Context, backendID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.annotations[backendID]
	if !ok {
		return nil, chatapi.ErrNotFound
	}
	return a, nil
}

func (f *fakeAPI) setReply(reply chatapi.ChatReply, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatReply = reply
	f.chatErr = err
}

type harness struct {
	api    *fakeAPI
	clock  *fakeClock
	store  *sessioncache.Store
	engine *Engine
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	api := newFakeAPI()
	clock := &fakeClock{t: baseTime.Add(time.Hour)}
	store := sessioncache.NewStore(context.Background(), sessioncache.Options{
		TTL:         30 * time.Minute,
		MaxSessions: 10,
		Now:         clock.Now,
	})
	opts := Options{API: api, Store: store, PageSize: 30, Now: clock.Now}
	for _, m := range mutate {
		m(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return &harness{api: api, clock: clock, store: store, engine: engine}
}

// waitCall blocks until the fake API has received a History call for key.
func (h *harness) waitCall(t *testing.T, key string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-h.api.historyEntry:
			if got == key {
				return
			}
		case <-timeout:
			t.Fatalf("history call %s not observed", key)
		}
	}
}

func ids(w Window) []string {
	out := make([]string, 0, len(w.Messages))
	for _, m := range w.Messages {
		out = append(out, m.ID)
	}
	return out
}
