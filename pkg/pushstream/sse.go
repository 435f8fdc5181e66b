package pushstream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SSESource reads a text/event-stream endpoint.
type SSESource struct {
	URL    string
	Token  string
	Client *http.Client
}

var _ Source = &SSESource{}

func (s *SSESource) Stream(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return errors.Wrap(err, "sse: build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	client := s.Client
	if client == nil {
		// No timeout: the response body is long lived.
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sse: connect")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("sse: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Debug().Str("component", "pushstream").Str("url", s.URL).Msg("sse connected")
	return readSSE(resp.Body, fn)
}

// readSSE dispatches one event per blank-line-terminated frame. Multiple data:
// lines are joined with newlines; comment lines are skipped.
func readSSE(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var eventType string
	var data []string
	dispatch := func() error {
		defer func() {
			eventType = ""
			data = data[:0]
		}()
		if len(data) == 0 {
			return nil
		}
		ev, err := ParseEvent([]byte(strings.Join(data, "\n")), eventType)
		if err != nil {
			log.Debug().Err(err).Str("component", "pushstream").Msg("skipping sse frame")
			return nil
		}
		return fn(ev)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "sse: read")
	}
	if err := dispatch(); err != nil {
		return err
	}
	return io.EOF
}
