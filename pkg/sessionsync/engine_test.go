package sessionsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
	"github.com/go-go-golems/chatsync/pkg/pushstream"
)

func TestScenarioA_LoadCachesUntilTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.add("s1", rawMsg("b", "assistant", "second", baseTime.Add(2*time.Second)))
	h.api.add("s1", rawMsg("a", "user", "first", baseTime.Add(time.Second)))

	w, err := h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	require.False(t, w.FromCache)
	require.Equal(t, []string{"a", "b"}, ids(w))

	entry, ok := h.store.Get(ctx, "s1")
	require.True(t, ok)
	require.Len(t, entry.Messages, 2)
	require.Equal(t, "a", entry.Messages[0].ID)
	require.Equal(t, "b", entry.Messages[1].ID)
	require.False(t, entry.HasMore)

	h.clock.Advance(30*time.Minute + time.Second)
	_, ok = h.store.Get(ctx, "s1")
	require.False(t, ok)
}

func TestScenarioB_FirstSendMigratesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.setReply(chatapi.ChatReply{SessionID: "s2", ResponseText: "Hi! How can I help?", AIMessageID: "ai-1"}, nil)

	var seen []Window
	var mu sync.Mutex
	unsubscribe := h.engine.Subscribe(func(w Window) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, w)
	})
	defer unsubscribe()

	w, err := h.engine.Send(ctx, "", "hello")
	require.NoError(t, err)
	require.Equal(t, "s2", w.SessionID)
	require.Equal(t, "s2", h.engine.Active())

	_, ok := h.store.Get(ctx, sessioncache.PendingSessionKey)
	require.False(t, ok)
	entry, ok := h.store.Get(ctx, "s2")
	require.True(t, ok)
	require.Len(t, entry.Messages, 2)
	require.Equal(t, message.RoleUser, entry.Messages[0].Role)
	require.Equal(t, "hello", entry.Messages[0].Content)
	require.Equal(t, message.StatusSent, entry.Messages[0].Status)
	require.Equal(t, "ai-1", entry.Messages[1].ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	first := seen[0]
	require.Equal(t, sessioncache.PendingSessionKey, first.SessionID)
	var sawThinking bool
	for _, m := range first.Messages {
		if m.Ephemeral {
			sawThinking = true
		}
	}
	require.True(t, sawThinking, "thinking indicator is shown while the send is in flight")
	for _, m := range w.Messages {
		require.False(t, m.Ephemeral)
	}
}

func TestScenarioC_PushForInactiveSessionIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.seed("s4", 2)
	_, err := h.engine.Load(ctx, "s4")
	require.NoError(t, err)

	bridge := NewBridge(h.engine, nil, time.Millisecond)
	pushed := rawMsg("s3-new", "assistant", "pushed while away", baseTime.Add(time.Minute))
	applied := bridge.Handle(ctx, pushstream.Event{
		Type:      pushstream.TypeMessageAppended,
		SessionID: "s3",
		Messages:  []json.RawMessage{pushed},
	})
	require.False(t, applied)
	_, ok := h.store.Get(ctx, "s3")
	require.False(t, ok)

	h.api.seed("s3", 1)
	h.api.add("s3", pushed)
	w, err := h.engine.Load(ctx, "s3")
	require.NoError(t, err)
	require.Contains(t, ids(w), "s3-new")
}

func TestScenarioD_PaginationFailureStopsPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.seed("s1", 45)
	w, err := h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, w.HasMore)
	require.Equal(t, 30, w.Offset)

	h.api.failHistory("s1@30", errors.New("network down"))
	w, inserted, err := h.engine.LoadOlder(ctx, "s1")
	require.NoError(t, err)
	require.False(t, inserted)
	require.False(t, w.HasMore)
	for _, m := range w.Messages {
		require.False(t, m.Error, "pagination failures are not shown")
	}

	entry, _ := h.store.Get(ctx, "s1")
	require.False(t, entry.HasMore)

	_, _, err = h.engine.LoadOlder(ctx, "s1")
	require.NoError(t, err)
	_, err = NewPaginator(h.engine, nil).OnSentinelVisible(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.api.callCount("s1@30"))
}

func TestScenarioE_LateResponseDoesNotOverwrite(t *testing.T) {
	for _, respectCtx := range []bool{false, true} {
		h := newHarness(t)
		ctx := context.Background()
		h.api.respectCtx = respectCtx
		h.api.seed("s5", 3)
		h.api.seed("s6", 2)
		release := h.api.gate("s5@0")

		var visible []string
		var mu sync.Mutex
		h.engine.Subscribe(func(w Window) {
			mu.Lock()
			defer mu.Unlock()
			visible = append(visible, w.SessionID)
		})

		type result struct {
			w   Window
			err error
		}
		done := make(chan result, 1)
		go func() {
			w, err := h.engine.Load(ctx, "s5")
			done <- result{w, err}
		}()
		h.waitCall(t, "s5@0")

		w6, err := h.engine.Load(ctx, "s6")
		require.NoError(t, err)
		require.Equal(t, "s6", w6.SessionID)

		close(release)
		r := <-done
		require.ErrorIs(t, r.err, ErrSuperseded)

		require.Equal(t, "s6", h.engine.Active())
		_, ok := h.store.Get(ctx, "s5")
		require.False(t, ok)
		entry, ok := h.store.Get(ctx, "s6")
		require.True(t, ok)
		require.Len(t, entry.Messages, 2)

		mu.Lock()
		for _, s := range visible {
			require.Equal(t, "s6", s)
		}
		mu.Unlock()
	}
}

func TestLoad_OvertakenAfterMergeIsSuperseded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.seed("s1", 2)
	h.api.seed("s2", 3)

	var once sync.Once
	var w2 Window
	var err2 error
	h.engine.Subscribe(func(w Window) {
		if w.SessionID != "s1" {
			return
		}
		// a newer Load lands after s1 was merged but before it returns
		once.Do(func() { w2, err2 = h.engine.Load(ctx, "s2") })
	})

	w1, err := h.engine.Load(ctx, "s1")
	require.ErrorIs(t, err, ErrSuperseded)
	require.Empty(t, w1.Messages)

	require.NoError(t, err2)
	require.Equal(t, "s2", w2.SessionID)
	require.Len(t, w2.Messages, 3)
	require.Equal(t, "s2", h.engine.Active())

	entry, ok := h.store.Get(ctx, "s1")
	require.True(t, ok, "the fetched window is still cached")
	require.Len(t, entry.Messages, 2)
}

func TestLoad_CacheHitRevalidatesInBackground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.seed("s1", 2)
	_, err := h.engine.Load(ctx, "s1")
	require.NoError(t, err)

	h.api.add("s1", rawMsg("late", "assistant", "arrived later", baseTime.Add(time.Minute)))
	w, err := h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, w.FromCache)
	require.Len(t, w.Messages, 2)

	h.engine.Wait()
	entry, ok := h.store.Get(ctx, "s1")
	require.True(t, ok)
	require.Len(t, entry.Messages, 3)
	require.Equal(t, "late", entry.Messages[2].ID)
}

func TestLoad_FailureShowsIndicatorAndCachesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.failHistory("s1@0", errors.New("503"))

	w, err := h.engine.Load(ctx, "s1")
	require.Error(t, err)
	require.Equal(t, err, w.Err)
	require.Len(t, w.Messages, 1)
	require.True(t, w.Messages[0].Error)
	require.False(t, w.Messages[0].Retryable)
	require.Equal(t, message.RoleAssistant, w.Messages[0].Role)
	_, ok := h.store.Get(ctx, "s1")
	require.False(t, ok)

	h.api.failHistory("s1@0", nil)
	h.api.seed("s1", 1)
	w, err = h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, w.Messages, 1)
	require.False(t, w.Messages[0].Error)
	require.Equal(t, 2, h.api.callCount("s1@0"))
}

func TestLoad_KeepsOptimisticMessagesWrittenDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.seed("s1", 2)
	release := h.api.gate("s1@0")

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Load(ctx, "s1")
		done <- err
	}()
	h.waitCall(t, "s1@0")
	require.NoError(t, h.store.Append(ctx, "s1", []message.Message{message.NewPending("typed meanwhile", h.clock.Now())}))
	close(release)
	require.NoError(t, <-done)

	entry, _ := h.store.Get(ctx, "s1")
	require.Len(t, entry.Messages, 3)
	require.Equal(t, "typed meanwhile", entry.Messages[2].Content)
}

func TestLoad_HydratesAnnotations(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HydrateAnnotations = true })
	ctx := context.Background()
	h.api.add("s1", json.RawMessage(`{"id":"a1","ai_message_id":"b-1","role":"assistant","content":"cited","created_at":"2024-05-01T10:00:00Z"}`))
	h.api.add("s1", json.RawMessage(`{"id":"a2","ai_message_id":"b-2","role":"assistant","content":"plain","created_at":"2024-05-01T10:00:01Z"}`))
	h.api.annotations["b-1"] = json.RawMessage(`[{"type":"citation"}]`)

	w, err := h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, w.Messages, 2)
	require.JSONEq(t, `[{"type":"citation"}]`, string(w.Messages[0].Annotations))
	require.Nil(t, w.Messages[1].Annotations)
}

func TestClearSession_ResetsPaginationState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.seed("s1", 40)
	_, err := h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	h.api.failHistory("s1@30", errors.New("boom"))
	_, _, err = h.engine.LoadOlder(ctx, "s1")
	require.NoError(t, err)

	h.engine.ClearSession(ctx, "s1")
	_, ok := h.store.Get(ctx, "s1")
	require.False(t, ok)

	h.api.failHistory("s1@30", nil)
	_, err = h.engine.Load(ctx, "s1")
	require.NoError(t, err)
	w, inserted, err := h.engine.LoadOlder(ctx, "s1")
	require.NoError(t, err)
	require.True(t, inserted)
	require.Len(t, w.Messages, 40)
	require.False(t, w.HasMore)
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)
	_, err = NewEngine(Options{API: newFakeAPI()})
	require.Error(t, err)
}
