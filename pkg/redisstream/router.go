package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/pushstream"
)

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(s Settings) (message.Subscriber, error) {
	if s.Addr == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password})
	logger := pushstream.NewWatermillLogger(log.Logger)
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
}

// BuildPublisher returns a Redis Streams publisher. The publish command uses it
// to inject push events for watchers reading the same topic.
func BuildPublisher(s Settings) (message.Publisher, error) {
	if s.Addr == "" {
		return nil, errors.New("redisstream: addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password})
	logger := pushstream.NewWatermillLogger(log.Logger)
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
}

// Source builds a push source reading s.Topic through a consumer group.
// The group is created at the stream tail first so a new consumer does not replay history.
func Source(ctx context.Context, s Settings) (*pushstream.WatermillSource, error) {
	if err := EnsureGroupAtTail(ctx, s.Addr, s.Password, s.Topic, s.Group); err != nil {
		return nil, err
	}
	sub, err := BuildGroupSubscriber(s)
	if err != nil {
		return nil, err
	}
	return &pushstream.WatermillSource{Subscriber: sub, Topic: s.Topic}, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
func EnsureGroupAtTail(ctx context.Context, addr, password, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "pushstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
