// Package message defines the canonical chat Message record shared by the session cache,
// the sync engine and the CLI, plus the normalizer that maps backend wire payloads into it.
package message

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// LocalIDPrefix marks ids generated on the client for optimistic entries.
const LocalIDPrefix = "local-"

// Media is a reference to a structured attachment carried by a message.
type Media struct {
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Message is one conversational turn.
type Message struct {
	ID          string          `json:"id"`
	BackendID   string          `json:"backend_id,omitempty"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status,omitempty"`
	Ephemeral   bool            `json:"ephemeral,omitempty"`
	Local       bool            `json:"local,omitempty"`
	Error       bool            `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	Media       *Media          `json:"media,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// Signature is the secondary dedup key. It recognizes the same logical message
// arriving with a client id on one path and a server id on another.
func (m Message) Signature() string {
	sig := string(m.Role) + "|" + m.Content
	if m.Media != nil && m.Media.URL != "" {
		sig += "|" + m.Media.URL
	}
	return sig
}

func (m Message) IsMedia() bool {
	return m.Media != nil && strings.TrimSpace(m.Media.URL) != ""
}

// IsTerminal reports whether the message will not change status anymore.
func (m Message) IsTerminal() bool {
	if m.Role == RoleAssistant {
		return true
	}
	switch m.Status {
	case StatusSent, StatusDelivered:
		return true
	default:
		return false
	}
}

// Valid reports whether the message may be materialized in a window.
func (m Message) Valid() bool {
	if m.ID == "" {
		return false
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return false
	}
	return strings.TrimSpace(m.Content) != "" || m.IsMedia()
}

func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// NewPending builds an optimistic user message awaiting server acknowledgment.
func NewPending(content string, now time.Time) Message {
	return Message{
		ID:        NewLocalID(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: now,
		Status:    StatusPending,
		Local:     true,
	}
}

// NewErrorIndicator builds an assistant-side message that reports a failure in place of content.
func NewErrorIndicator(text string, retryable bool, now time.Time) Message {
	return Message{
		ID:        NewLocalID(),
		Role:      RoleAssistant,
		Content:   text,
		CreatedAt: now,
		Status:    StatusDelivered,
		Local:     true,
		Error:     true,
		Retryable: retryable,
	}
}

// NewEphemeral builds a transient indicator ("thinking…") that only lives in the rendered view.
func NewEphemeral(text string, now time.Time) Message {
	return Message{
		ID:        "ephemeral-" + uuid.NewString(),
		Role:      RoleAssistant,
		Content:   text,
		CreatedAt: now,
		Ephemeral: true,
	}
}

// Clone returns a copy that does not share the media or annotation buffers.
func (m Message) Clone() Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	if m.Annotations != nil {
		m.Annotations = append(json.RawMessage(nil), m.Annotations...)
	}
	return m
}

func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
