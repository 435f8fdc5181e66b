package chatapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/s1/history", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "30", r.URL.Query().Get("limit"))
		require.Equal(t, "30", r.URL.Query().Get("offset"))
		_, _ = io.WriteString(w, `{"messages":[{"id":"1","role":"user","content":"a"},{"id":"2","sender":"ai","text":"b"}],"total":42,"has_more":true}`)
	})
	mux.HandleFunc("/chat/new", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hello", body["message"])
		_, _ = io.WriteString(w, `{"session_id":"s2","response_text":"hi there","ai_message_id":"m9","video":{"url":"https://cdn/v.mp4","caption":"clip"}}`)
	})
	mux.HandleFunc("/chat/s2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response_text":"again","video":"https://cdn/w.mp4"}`)
	})
	mux.HandleFunc("/messages/m9/annotations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"annotations":[{"type":"citation","url":"https://x"}]}`)
	})
	mux.HandleFunc("/sessions/broken/history", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_History(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL+"/", WithToken("tok"))
	require.NoError(t, err)

	page, err := c.History(context.Background(), "s1", 30, 30)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.NotNil(t, page.Total)
	require.Equal(t, 42, *page.Total)
	require.NotNil(t, page.HasMore)
	require.True(t, *page.HasMore)
}

func TestClient_NewChatAndChat(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	reply, err := c.NewChat(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, "s2", reply.SessionID)
	require.Equal(t, "hi there", reply.ResponseText)
	require.Equal(t, "m9", reply.AIMessageID)
	require.NotNil(t, reply.Video)
	require.Equal(t, "https://cdn/v.mp4", reply.Video.URL)
	require.Equal(t, "clip", reply.Video.Caption)

	reply, err = c.Chat(ctx, "s2", "more")
	require.NoError(t, err)
	require.Equal(t, "s2", reply.SessionID)
	require.Equal(t, "again", reply.ResponseText)
	require.Equal(t, "https://cdn/w.mp4", reply.Video.URL)
}

func TestClient_Annotations(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	a, err := c.Annotations(context.Background(), "m9")
	require.NoError(t, err)
	require.JSONEq(t, `[{"type":"citation","url":"https://x"}]`, string(a))
}

func TestClient_StatusErrors(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.History(ctx, "broken", 30, 0)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusInternalServerError, se.Code)

	_, err = c.History(ctx, "missing", 30, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClient_CancelledContext(t *testing.T) {
	srv := newTestServer(t)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.History(ctx, "s1", 30, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	_, err = NewClient("ftp://example.com")
	require.Error(t, err)
}

func TestWithTimeout_LeavesCallerClientAlone(t *testing.T) {
	shared := &http.Client{}
	c, err := NewClient("https://chat.example.com", WithHTTPClient(shared), WithTimeout(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), shared.Timeout)
	require.Equal(t, 2*time.Second, c.http.Timeout)
	require.NotSame(t, shared, c.http)

	c, err = NewClient("https://chat.example.com", WithHTTPClient(shared))
	require.NoError(t, err)
	require.Same(t, shared, c.http)
}

func TestClient_RejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"messages":["`+strings.Repeat("x", MaxResponseBytes)+`"]}`)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.History(context.Background(), "s1", 30, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds")
}
