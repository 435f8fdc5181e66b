// Package chatapi is the REST client for the chat backend: session history,
// sending messages, and annotation lookup.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/go-go-golems/chatsync/pkg/message"
)

var ErrNotFound = errors.New("chatapi: not found")

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 8 << 20

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chatapi: %s %s: HTTP %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// HistoryPage is one page of raw history records, newest page at offset 0.
type HistoryPage struct {
	Messages []json.RawMessage
	Total    *int
	// HasMore is the server's own flag, nil when it did not send one.
	HasMore *bool
}

// ChatReply is the acknowledgment of a sent message.
type ChatReply struct {
	SessionID    string
	ResponseText string
	AIMessageID  string
	Video        *message.Media
}

// API is the subset of backend calls the sync engine depends on.
type API interface {
	History(ctx context.Context, sessionID string, limit, offset int) (HistoryPage, error)
	NewChat(ctx context.Context, text string) (ChatReply, error)
	Chat(ctx context.Context, sessionID, text string) (ChatReply, error)
	Annotations(ctx context.Context, backendID string) (json.RawMessage, error)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ API = &Client{}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the request timeout on a copy of the current HTTP client,
// so a client passed to WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.http
			hc.Timeout = d
			c.http = &hc
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("chatapi: base URL is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("chatapi: unsupported scheme %q", u.Scheme)
	}
	c := &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) History(ctx context.Context, sessionID string, limit, offset int) (HistoryPage, error) {
	if strings.TrimSpace(sessionID) == "" {
		return HistoryPage{}, errors.New("chatapi: session id is empty")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	body, err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/history", q, nil)
	if err != nil {
		return HistoryPage{}, err
	}
	res := gjson.ParseBytes(body)
	msgs := res.Get("messages")
	if !msgs.IsArray() {
		return HistoryPage{}, errors.New("chatapi: history response has no messages array")
	}
	page := HistoryPage{}
	msgs.ForEach(func(_, v gjson.Result) bool {
		page.Messages = append(page.Messages, json.RawMessage(v.Raw))
		return true
	})
	if t := res.Get("total"); t.Type == gjson.Number {
		total := int(t.Int())
		page.Total = &total
	}
	for _, k := range []string{"has_more", "hasMore"} {
		if v := res.Get(k); v.IsBool() {
			hasMore := v.Bool()
			page.HasMore = &hasMore
			break
		}
	}
	return page, nil
}

func (c *Client) NewChat(ctx context.Context, text string) (ChatReply, error) {
	body, err := c.do(ctx, http.MethodPost, "/chat/new", nil, map[string]string{"message": text})
	if err != nil {
		return ChatReply{}, err
	}
	reply := parseReply(body)
	if reply.SessionID == "" {
		return ChatReply{}, errors.New("chatapi: new chat response has no session_id")
	}
	return reply, nil
}

func (c *Client) Chat(ctx context.Context, sessionID, text string) (ChatReply, error) {
	if strings.TrimSpace(sessionID) == "" {
		return ChatReply{}, errors.New("chatapi: session id is empty")
	}
	body, err := c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(sessionID), nil, map[string]string{"message": text})
	if err != nil {
		return ChatReply{}, err
	}
	reply := parseReply(body)
	if reply.SessionID == "" {
		reply.SessionID = sessionID
	}
	return reply, nil
}

// Annotations returns the raw annotations array of a stored assistant message.
func (c *Client) Annotations(ctx context.Context, backendID string) (json.RawMessage, error) {
	if strings.TrimSpace(backendID) == "" {
		return nil, errors.New("chatapi: backend id is empty")
	}
	body, err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(backendID)+"/annotations", nil, nil)
	if err != nil {
		return nil, err
	}
	a := gjson.GetBytes(body, "annotations")
	if !a.IsArray() {
		return nil, nil
	}
	return json.RawMessage(a.Raw), nil
}

func parseReply(body []byte) ChatReply {
	res := gjson.ParseBytes(body)
	reply := ChatReply{
		SessionID:    firstString(res, "session_id", "sessionId"),
		ResponseText: firstString(res, "response_text", "response", "text"),
		AIMessageID:  firstString(res, "ai_message_id", "aiMessageId"),
	}
	if v := res.Get("video"); v.Exists() {
		reply.Video = message.ParseMedia("video", []byte(v.Raw))
	}
	return reply
}

func firstString(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := res.Get(k); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload any) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "chatapi: marshal request")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "chatapi: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: read response")
	}
	if len(body) > MaxResponseBytes {
		return nil, errors.Errorf("chatapi: %s %s: response exceeds %d bytes", method, path, MaxResponseBytes)
	}
	log.Debug().
		Str("component", "chatapi").
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request done")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, URL: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.Errorf("chatapi: %s %s: response is not JSON", method, path)
	}
	return body, nil
}
