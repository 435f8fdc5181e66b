package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var (
	ErrNotObject     = errors.New("message: record is not a JSON object")
	ErrUnknownRole   = errors.New("message: role/sender is missing or unknown")
	ErrEmptyContent  = errors.New("message: normalized content is empty")
	ErrBadTimestamp  = errors.New("message: created_at cannot be parsed")
	ErrUnknownStatus = errors.New("message: status is unknown")
)

// Accepted field aliases, first non-empty wins.
var (
	idAliases        = []string{"id", "message_id", "messageId", "_id"}
	backendIDAliases = []string{"backend_id", "backendId", "ai_message_id", "message_id", "id"}
	contentAliases   = []string{"content", "text", "message", "response_text"}
	roleAliases      = []string{"role", "sender"}
	createdAtAliases = []string{"created_at", "createdAt", "timestamp"}
	mediaAliases     = []string{"video", "media", "attachment"}
)

var roleValues = map[string]Role{
	"user":      RoleUser,
	"human":     RoleUser,
	"assistant": RoleAssistant,
	"ai":        RoleAssistant,
	"bot":       RoleAssistant,
	"model":     RoleAssistant,
}

var statusValues = map[string]Status{
	"pending":   StatusPending,
	"sent":      StatusSent,
	"delivered": StatusDelivered,
	"failed":    StatusFailed,
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// Normalizer maps raw backend records into Messages.
// Now supplies the timestamp for records that carry none.
type Normalizer struct {
	Now func() time.Time
}

var defaultNormalizer = Normalizer{}

func Normalize(raw []byte) (Message, error) {
	return defaultNormalizer.Normalize(raw)
}

func NormalizeAll(raws []json.RawMessage) []Message {
	return defaultNormalizer.NormalizeAll(raws)
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Normalizer) Normalize(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, ErrNotObject
	}
	rec := gjson.ParseBytes(raw)
	if !rec.IsObject() {
		return Message{}, ErrNotObject
	}

	roleField := firstOf(rec, roleAliases)
	role, ok := roleValues[strings.ToLower(strings.TrimSpace(roleField.String()))]
	if !ok {
		return Message{}, errors.Wrapf(ErrUnknownRole, "got %q", roleField.String())
	}

	createdAt := n.now()
	if ts := firstOf(rec, createdAtAliases); ts.Exists() {
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return Message{}, err
		}
		createdAt = parsed
	}

	msg := Message{
		Role:      role,
		Content:   strings.TrimSpace(firstOf(rec, contentAliases).String()),
		CreatedAt: createdAt,
		Status:    StatusDelivered,
		Media:     parseMedia(rec),
	}

	if st := strings.ToLower(strings.TrimSpace(rec.Get("status").String())); st != "" {
		status, ok := statusValues[st]
		if !ok {
			return Message{}, errors.Wrapf(ErrUnknownStatus, "got %q", st)
		}
		msg.Status = status
	}
	if role == RoleAssistant {
		msg.Status = StatusDelivered
	}

	if msg.Content == "" {
		if !msg.IsMedia() {
			return Message{}, ErrEmptyContent
		}
		msg.Content = mediaCaption(msg.Media)
	}

	msg.ID = firstOf(rec, idAliases).String()
	msg.BackendID = firstOf(rec, backendIDAliases).String()
	if msg.ID == "" {
		msg.ID = derivedID(msg)
	}
	if annotations := rec.Get("annotations"); annotations.Exists() && annotations.IsArray() {
		msg.Annotations = json.RawMessage(annotations.Raw)
	}
	return msg, nil
}

// NormalizeAll normalizes every record, skipping the ones that cannot be mapped.
func (n Normalizer) NormalizeAll(raws []json.RawMessage) []Message {
	out := make([]Message, 0, len(raws))
	for i, raw := range raws {
		msg, err := n.Normalize(raw)
		if err != nil {
			log.Debug().Err(err).Str("component", "message").Int("index", i).Msg("skipping unmappable record")
			continue
		}
		out = append(out, msg)
	}
	return out
}

func firstOf(rec gjson.Result, keys []string) gjson.Result {
	for _, k := range keys {
		v := rec.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if strings.TrimSpace(v.String()) == "" {
			continue
		}
		return v
	}
	return gjson.Result{}
}

func parseTimestamp(v gjson.Result) (time.Time, error) {
	if v.Type == gjson.Number {
		return fromUnix(v.Int()), nil
	}
	s := strings.TrimSpace(v.String())
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromUnix(n), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrBadTimestamp, "got %q", s)
}

func fromUnix(n int64) time.Time {
	// Values past 1e12 are milliseconds.
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func parseMedia(rec gjson.Result) *Media {
	for _, key := range mediaAliases {
		v := rec.Get(key)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		kind := key
		if key != "video" {
			kind = "file"
		}
		if m := mediaFrom(kind, v); m != nil {
			return m
		}
	}
	return nil
}

// ParseMedia reads an attachment reference given either as {url, caption} or as a plain URL string.
func ParseMedia(kind string, raw []byte) *Media {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	return mediaFrom(kind, gjson.ParseBytes(raw))
}

func mediaFrom(kind string, v gjson.Result) *Media {
	if v.IsObject() {
		url := strings.TrimSpace(firstOf(v, []string{"url", "src", "href"}).String())
		if url == "" {
			return nil
		}
		if k := strings.TrimSpace(firstOf(v, []string{"kind", "type"}).String()); k != "" {
			kind = k
		}
		return &Media{Kind: kind, URL: url, Caption: strings.TrimSpace(v.Get("caption").String())}
	}
	if v.Type != gjson.String {
		return nil
	}
	if url := strings.TrimSpace(v.String()); url != "" {
		return &Media{Kind: kind, URL: url}
	}
	return nil
}

func mediaCaption(m *Media) string {
	if m == nil {
		return ""
	}
	if m.Caption != "" {
		return m.Caption
	}
	return "[" + m.Kind + "]"
}

// MediaMessage builds the assistant-side message for an attachment returned with a reply.
func MediaMessage(media Media, now time.Time) Message {
	m := Message{
		ID:        NewLocalID(),
		Role:      RoleAssistant,
		CreatedAt: now,
		Status:    StatusDelivered,
		Local:     true,
		Media:     &media,
	}
	m.Content = mediaCaption(m.Media)
	return m
}

func derivedID(m Message) string {
	sum := sha256.Sum256([]byte(m.Signature() + "|" + m.CreatedAt.UTC().Format(time.RFC3339Nano)))
	return "srv-" + hex.EncodeToString(sum[:8])
}
