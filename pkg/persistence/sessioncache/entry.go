package sessioncache

import (
	"time"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// PendingSessionKey files messages sent before the backend has assigned a session id.
const PendingSessionKey = "__pending__"

// Entry is the cached window for one session.
type Entry struct {
	SessionID string            `json:"session_id"`
	Messages  []message.Message `json:"messages"`
	Total     *int              `json:"total,omitempty"`
	HasMore   bool              `json:"has_more"`
	Offset    int               `json:"offset"`
	Limit     int               `json:"limit"`
	TouchedAt time.Time         `json:"touched_at"`
}

// Window is the replaceable part of an Entry, as written by Set.
type Window struct {
	Messages []message.Message
	Total    *int
	HasMore  bool
	Limit    int
	Offset   int
}

func (e *Entry) clone() Entry {
	out := *e
	out.Messages = message.CloneAll(e.Messages)
	if e.Total != nil {
		total := *e.Total
		out.Total = &total
	}
	return out
}

// record is the serialized form written to the durable backend.
type record struct {
	Entries map[string]*Entry `json:"entries"`
	Order   []string          `json:"order"`
}
