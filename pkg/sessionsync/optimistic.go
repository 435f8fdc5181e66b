package sessionsync

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/persistence/sessioncache"
)

const errorIndicatorPrefix = "error-"

// Send shows text as a pending user message right away, then submits it.
// With an empty sessionID a new chat is started: the message is filed under
// sessioncache.PendingSessionKey until the server assigns an id, and the new
// session becomes active. On failure the message is marked failed, a retryable
// error indicator is appended, and the error is returned with the window.
func (e *Engine) Send(ctx context.Context, sessionID, text string) (Window, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Window{}, ErrEmptyText
	}
	key := sessionKey(sessionID)
	if e.Active() != key {
		e.activate(ctx, key)
	}
	pending := message.NewPending(text, e.now())
	if err := e.store.Append(ctx, key, []message.Message{pending}); err != nil {
		return Window{}, err
	}
	return e.submit(ctx, key, sessionID, pending)
}

// Retry resubmits a failed message with its retained content.
func (e *Engine) Retry(ctx context.Context, sessionID, messageID string) (Window, error) {
	key := sessionKey(sessionID)
	entry, ok := e.store.Get(ctx, key)
	if !ok {
		return Window{}, errors.Wrapf(ErrNotFound, "session %s", key)
	}
	var failed *message.Message
	for i := range entry.Messages {
		if entry.Messages[i].ID == messageID {
			failed = &entry.Messages[i]
			break
		}
	}
	if failed == nil {
		return Window{}, errors.Wrapf(ErrNotFound, "message %s", messageID)
	}
	if failed.Status != message.StatusFailed {
		return Window{}, ErrNotFailed
	}

	e.store.RemoveMessages(ctx, key, func(m message.Message) bool {
		return m.ID == errorIndicatorPrefix+messageID
	})
	e.store.UpdateMessages(ctx, key, byID(messageID), func(m *message.Message) {
		m.Status = message.StatusPending
	})
	if e.Active() != key {
		e.activate(ctx, key)
	}
	retry := *failed
	retry.Status = message.StatusPending
	return e.submit(ctx, key, sessionID, retry)
}

func (e *Engine) submit(ctx context.Context, key, sessionID string, pending message.Message) (Window, error) {
	thinking := message.NewEphemeral(e.thinkingText, e.now())
	e.addEphemeral(key, thinking)
	e.notify(ctx, key)

	var reply chatapi.ChatReply
	var err error
	if sessionID == "" {
		reply, err = e.api.NewChat(ctx, pending.Content)
	} else {
		reply, err = e.api.Chat(ctx, sessionID, pending.Content)
	}
	e.removeEphemeral(key, thinking.ID)
	if err != nil {
		return e.sendFailed(ctx, key, pending, err)
	}

	if sessionID == "" {
		if _, err := e.store.Rename(ctx, key, reply.SessionID); err != nil {
			return e.sendFailed(ctx, key, pending, err)
		}
		e.renameEphemeral(key, reply.SessionID)
		e.mu.Lock()
		if e.active == key {
			e.active = reply.SessionID
		}
		e.mu.Unlock()
		log.Debug().Str("component", "sessionsync").Str("session_id", reply.SessionID).Msg("new session acknowledged")
		key = reply.SessionID
	}

	e.store.UpdateMessages(ctx, key, byID(pending.ID), func(m *message.Message) {
		if m.Status == message.StatusPending || m.Status == message.StatusFailed {
			m.Status = message.StatusSent
		}
	})
	if replies := e.replyMessages(reply); len(replies) > 0 {
		if err := e.store.Append(ctx, key, replies); err != nil {
			return Window{}, err
		}
	}
	e.notify(ctx, key)
	return e.View(ctx, key), nil
}

func (e *Engine) sendFailed(ctx context.Context, key string, pending message.Message, cause error) (Window, error) {
	log.Warn().Err(cause).Str("component", "sessionsync").Str("session_id", key).Str("message_id", pending.ID).Msg("send failed")
	e.store.UpdateMessages(ctx, key, byID(pending.ID), func(m *message.Message) {
		m.Status = message.StatusFailed
	})
	indicator := message.NewErrorIndicator(sendFailedText, true, e.now())
	indicator.ID = errorIndicatorPrefix + pending.ID
	_ = e.store.Append(ctx, key, []message.Message{indicator})
	e.notify(ctx, key)
	w := e.View(ctx, key)
	err := errors.Wrap(cause, "send message")
	w.Err = err
	return w, err
}

// replyMessages turns an acknowledgment into the assistant text and optional
// video message. Both stay local until a server copy from history or a push
// event replaces them.
func (e *Engine) replyMessages(reply chatapi.ChatReply) []message.Message {
	now := e.now()
	var out []message.Message
	if text := strings.TrimSpace(reply.ResponseText); text != "" {
		m := message.Message{
			ID:        reply.AIMessageID,
			BackendID: reply.AIMessageID,
			Role:      message.RoleAssistant,
			Content:   text,
			CreatedAt: now,
			Status:    message.StatusDelivered,
			Local:     true,
		}
		if m.ID == "" {
			m.ID = message.NewLocalID()
		}
		out = append(out, m)
	}
	if reply.Video != nil {
		out = append(out, message.MediaMessage(*reply.Video, now))
	}
	return out
}

func sessionKey(sessionID string) string {
	if sessionID == "" {
		return sessioncache.PendingSessionKey
	}
	return sessionID
}

func byID(id string) func(message.Message) bool {
	return func(m message.Message) bool { return m.ID == id }
}
