package pushstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errStop = errors.New("stop")

func collect(n int, out *[]Event) func(Event) error {
	return func(ev Event) error {
		*out = append(*out, ev)
		if len(*out) >= n {
			return errStop
		}
		return nil
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"message.appended","sessionId":"s1","messages":[{"id":"1"},{"id":"2"}]}`), "")
	require.NoError(t, err)
	require.Equal(t, TypeMessageAppended, ev.Type)
	require.Equal(t, "s1", ev.SessionID)
	require.Len(t, ev.Messages, 2)

	ev, err = ParseEvent([]byte(`{"session_id":"s2","message":{"id":"3"}}`), TypeMessageAppended)
	require.NoError(t, err)
	require.Equal(t, TypeMessageAppended, ev.Type)
	require.Equal(t, "s2", ev.SessionID)
	require.Len(t, ev.Messages, 1)

	_, err = ParseEvent([]byte(`{"sessionId":"s1"}`), "")
	require.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent([]byte(`nope`), "x")
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestReadSSE_Frames(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"event: message.appended",
		`data: {"sessionId":"s1",`,
		`data: "messages":[{"id":"1"}]}`,
		"",
		"data: not json",
		"",
		`data: {"type":"session.updated","sessionId":"s1"}`,
		"",
	}, "\n")
	var got []Event
	err := readSSE(strings.NewReader(stream), collect(10, &got))
	require.Error(t, err)
	require.Len(t, got, 2)
	require.Equal(t, TypeMessageAppended, got[0].Type)
	require.Len(t, got[0].Messages, 1)
	require.Equal(t, TypeSessionUpdated, got[1].Type)
}

func TestSSESource_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for i := 0; i < 2; i++ {
			_, _ = fmt.Fprintf(w, "data: {\"type\":\"message.appended\",\"sessionId\":\"s1\",\"messages\":[{\"id\":\"%d\"}]}\n\n", i)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	var got []Event
	src := &SSESource{URL: srv.URL, Token: "tok"}
	err := src.Stream(context.Background(), collect(2, &got))
	require.ErrorIs(t, err, errStop)
	require.Len(t, got, 2)
}

func TestWebSocketSource_Stream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task.progress","sessionId":"s1"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message.appended","sessionId":"s1","messages":[{"id":"9"}]}`))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	var got []Event
	src := &WebSocketSource{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	err := src.Stream(context.Background(), collect(2, &got))
	require.ErrorIs(t, err, errStop)
	require.Equal(t, "task.progress", got[0].Type)
	require.Equal(t, TypeMessageAppended, got[1].Type)
}

func TestWatermillSource_Stream(t *testing.T) {
	logger := NewWatermillLogger(zerolog.Nop())
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
	t.Cleanup(func() { _ = pubsub.Close() })

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"sessionId":"s1","messages":[{"id":"1"}]}`))
	msg.Metadata.Set("type", TypeMessageAppended)
	require.NoError(t, pubsub.Publish("chat-events", msg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []Event
	src := &WatermillSource{Subscriber: pubsub, Topic: "chat-events"}
	err := src.Stream(ctx, collect(1, &got))
	require.ErrorIs(t, err, errStop)
	require.Equal(t, TypeMessageAppended, got[0].Type)
	require.Equal(t, "s1", got[0].SessionID)
}

func TestPublish_RoundTripsThroughWatermillSource(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = pubsub.Close() })

	require.Error(t, Publish(pubsub, "chat-events", Event{SessionID: "s1"}))
	require.NoError(t, Publish(pubsub, "chat-events", Event{
		Type:      TypeMessageAppended,
		SessionID: "s1",
		Messages:  []json.RawMessage{json.RawMessage(`{"role":"assistant","content":"hi"}`)},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []Event
	src := &WatermillSource{Subscriber: pubsub, Topic: "chat-events"}
	require.ErrorIs(t, src.Stream(ctx, collect(1, &got)), errStop)
	require.Equal(t, TypeMessageAppended, got[0].Type)
	require.Equal(t, "s1", got[0].SessionID)
	require.Len(t, got[0].Messages, 1)
	require.JSONEq(t, `{"role":"assistant","content":"hi"}`, string(got[0].Messages[0]))
}

func TestWatermillSource_ContextCancel(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = pubsub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := (&WatermillSource{Subscriber: pubsub, Topic: "t"}).Stream(ctx, func(Event) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
