package pushstream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WebSocketSource reads one JSON event per text frame.
type WebSocketSource struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

var _ Source = &WebSocketSource{}

func (s *WebSocketSource) Stream(ctx context.Context, fn func(Event) error) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, s.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "websocket: dial")
	}
	log.Debug().Str("component", "pushstream").Str("url", s.URL).Msg("websocket connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "websocket: read")
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		ev, err := ParseEvent(data, "")
		if err != nil {
			log.Debug().Err(err).Str("component", "pushstream").Msg("skipping websocket frame")
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}
