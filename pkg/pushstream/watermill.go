package pushstream

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillSource consumes push events published on a Watermill topic, one JSON
// event per message payload. The message metadata key "type" is used when the
// payload has no type of its own.
type WatermillSource struct {
	Subscriber message.Subscriber
	Topic      string
}

var _ Source = &WatermillSource{}

func (s *WatermillSource) Stream(ctx context.Context, fn func(Event) error) error {
	if s.Subscriber == nil {
		return errors.New("watermill source: subscriber is nil")
	}
	ch, err := s.Subscriber.Subscribe(ctx, s.Topic)
	if err != nil {
		return errors.Wrapf(err, "watermill source: subscribe %s", s.Topic)
	}
	log.Debug().Str("component", "pushstream").Str("topic", s.Topic).Msg("watermill subscribed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Errorf("watermill source: topic %s closed", s.Topic)
			}
			ev, err := ParseEvent(msg.Payload, msg.Metadata.Get("type"))
			// Delivery is at most once, so the message is acked before handling.
			msg.Ack()
			if err != nil {
				log.Debug().Err(err).Str("component", "pushstream").Str("uuid", msg.UUID).Msg("skipping watermill message")
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

// Publish sends ev on topic in the form WatermillSource reads back: a JSON
// payload {type, sessionId, messages} with the type also set as metadata.
func Publish(pub message.Publisher, topic string, ev Event) error {
	if pub == nil {
		return errors.New("watermill publish: publisher is nil")
	}
	if ev.Type == "" {
		return errors.Wrap(ErrMalformedEvent, "missing type")
	}
	msgs := ev.Messages
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	payload, err := json.Marshal(struct {
		Type      string            `json:"type"`
		SessionID string            `json:"sessionId,omitempty"`
		Messages  []json.RawMessage `json:"messages"`
	}{ev.Type, ev.SessionID, msgs})
	if err != nil {
		return errors.Wrap(err, "watermill publish: encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	if err := pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "watermill publish: topic %s", topic)
	}
	log.Debug().Str("component", "pushstream").Str("topic", topic).Str("session_id", ev.SessionID).Str("type", ev.Type).Msg("event published")
	return nil
}

// WatermillLogger adapts a zerolog logger to watermill.LoggerAdapter.
type WatermillLogger struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = WatermillLogger{}

func NewWatermillLogger(l zerolog.Logger) WatermillLogger {
	return WatermillLogger{logger: l}
}

func (w WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return WatermillLogger{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
