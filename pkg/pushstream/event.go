// Package pushstream delivers server push events (new messages, session updates)
// from an SSE endpoint, a WebSocket, or a Watermill subscriber.
package pushstream

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	TypeMessageAppended = "message.appended"
	TypeSessionUpdated  = "session.updated"
	TypeTaskPrefix      = "task."
)

var ErrMalformedEvent = errors.New("pushstream: malformed event")

// Event is one decoded push notification. Messages holds the raw records; the
// consumer normalizes them.
type Event struct {
	Type      string
	SessionID string
	Messages  []json.RawMessage
	Raw       json.RawMessage
}

// Source streams events into fn until ctx is done or the connection fails.
// A non-nil error returned by fn stops the stream and is returned.
type Source interface {
	Stream(ctx context.Context, fn func(Event) error) error
}

// ParseEvent decodes a JSON payload. fallbackType is used when the payload carries
// no type, as with SSE frames that name the event on the event: line.
func ParseEvent(data []byte, fallbackType string) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, errors.Wrap(ErrMalformedEvent, "invalid JSON")
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return Event{}, errors.Wrap(ErrMalformedEvent, "not an object")
	}
	ev := Event{
		Type:      strings.TrimSpace(res.Get("type").String()),
		SessionID: strings.TrimSpace(firstNonEmpty(res, "sessionId", "session_id")),
		Raw:       append(json.RawMessage(nil), data...),
	}
	if ev.Type == "" {
		ev.Type = strings.TrimSpace(fallbackType)
	}
	if ev.Type == "" {
		return Event{}, errors.Wrap(ErrMalformedEvent, "missing type")
	}
	if msgs := res.Get("messages"); msgs.IsArray() {
		msgs.ForEach(func(_, v gjson.Result) bool {
			ev.Messages = append(ev.Messages, json.RawMessage(v.Raw))
			return true
		})
	} else if m := res.Get("message"); m.IsObject() {
		ev.Messages = []json.RawMessage{json.RawMessage(m.Raw)}
	}
	return ev, nil
}

func firstNonEmpty(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := res.Get(k).String(); s != "" {
			return s
		}
	}
	return ""
}
