package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	chatmsg "github.com/go-go-golems/chatsync/pkg/message"
	"github.com/go-go-golems/chatsync/pkg/pushstream"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

// buildEvent checks every record against the normalizer before it is sent, so
// a watcher never receives a record it would drop.
func buildEvent(eventType, sessionID string, records []string) (pushstream.Event, error) {
	ev := pushstream.Event{Type: eventType, SessionID: sessionID}
	for i, rec := range records {
		if _, err := chatmsg.Normalize([]byte(rec)); err != nil {
			return pushstream.Event{}, errors.Wrapf(err, "record %d", i+1)
		}
		ev.Messages = append(ev.Messages, json.RawMessage(rec))
	}
	return ev, nil
}

func publishRecords(pub message.Publisher, topic, eventType, sessionID string, records []string) error {
	ev, err := buildEvent(eventType, sessionID, records)
	if err != nil {
		return err
	}
	return pushstream.Publish(pub, topic, ev)
}

func newPublishCommand(cfg *config.Config) *cobra.Command {
	var eventType string
	cmd := &cobra.Command{
		Use:   "publish <session-id> [message-json...]",
		Short: "Publish a push event to the configured Redis stream",
		Long: "Publish a push event to the Redis stream that `watch` reads when stream.kind is redis.\n" +
			"Each argument after the session id is one raw message record.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := redisstream.BuildPublisher(cfg.Stream.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = pub.Close() }()

			if err := publishRecords(pub, cfg.Stream.Redis.Topic, eventType, args[0], args[1:]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published %s with %d messages to %s\n",
				eventType, len(args)-1, cfg.Stream.Redis.Topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", pushstream.TypeMessageAppended, "Event type")
	return cmd
}
