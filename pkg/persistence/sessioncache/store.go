package sessioncache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/message"
)

const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxSessions = 10
)

type Options struct {
	// TTL is the maximum age of an entry since its last write. Zero means DefaultTTL,
	// a negative value disables expiry.
	TTL         time.Duration
	MaxSessions int
	Backend     Backend
	Now         func() time.Time
}

// Store is a TTL- and capacity-bounded cache of per-session message windows,
// mirrored into a durable Backend on every mutation.
//
// The in-memory map is authoritative. Backend failures are logged and swallowed.
type Store struct {
	mu          sync.Mutex
	ttl         time.Duration
	maxSessions int
	backend     Backend
	now         func() time.Time

	entries map[string]*Entry
	// order lists session ids from least to most recently touched.
	order []string

	persistDegraded bool
}

// NewStore builds a store and hydrates it from the backend, dropping entries that
// are already expired.
func NewStore(ctx context.Context, opts Options) *Store {
	s := &Store{
		ttl:         opts.TTL,
		maxSessions: opts.MaxSessions,
		backend:     opts.Backend,
		now:         opts.Now,
		entries:     map[string]*Entry{},
	}
	if s.ttl == 0 {
		s.ttl = DefaultTTL
	}
	if s.maxSessions <= 0 {
		s.maxSessions = DefaultMaxSessions
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.backend == nil {
		s.backend = NewMemoryBackend()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.hydrate(ctx)
	return s
}

func (s *Store) hydrate(ctx context.Context) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Msg("hydrate: backend load failed, starting empty")
		return
	}
	if len(data) == 0 {
		return
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("component", "sessioncache").Msg("hydrate: persisted record is corrupt, starting empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := map[string]bool{}
	for _, id := range rec.Order {
		e := rec.Entries[id]
		if e == nil || seen[id] || s.expired(e, now) {
			continue
		}
		seen[id] = true
		e.SessionID = id
		e.Messages = MergeMessages(nil, e.Messages)
		s.entries[id] = e
		s.order = append(s.order, id)
	}
	// Entries missing from order are appended oldest first.
	var rest []*Entry
	for id, e := range rec.Entries {
		if e == nil || seen[id] || s.expired(e, now) {
			continue
		}
		e.SessionID = id
		e.Messages = MergeMessages(nil, e.Messages)
		rest = append(rest, e)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].TouchedAt.Before(rest[j].TouchedAt) })
	for _, e := range rest {
		s.entries[e.SessionID] = e
		s.order = append(s.order, e.SessionID)
	}
	dropped := len(rec.Entries) - len(s.entries)
	s.enforceCapacityLocked()

	log.Debug().Str("component", "sessioncache").Int("entries", len(s.entries)).Int("dropped", dropped).Msg("hydrated from backend")
}

// Get returns the live entry for sessionID. Expired entries are evicted and reported absent.
func (s *Store) Get(ctx context.Context, sessionID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, evicted := s.liveLocked(sessionID)
	if evicted {
		s.persistLocked(ctx)
	}
	if e == nil {
		return Entry{}, false
	}
	return e.clone(), true
}

// Set replaces the entry for sessionID and stamps it as touched now.
func (s *Store) Set(ctx context.Context, sessionID string, w Window) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{
		SessionID: sessionID,
		Messages:  MergeMessages(nil, w.Messages),
		HasMore:   w.HasMore,
		Offset:    w.Offset,
		Limit:     w.Limit,
	}
	if w.Total != nil {
		total := *w.Total
		e.Total = &total
	}
	s.entries[sessionID] = e
	s.touchLocked(e)
	s.enforceCapacityLocked()
	s.persistLocked(ctx)
	return nil
}

// Merge folds an authoritative window into the live entry instead of replacing it,
// so messages written while the window was being fetched survive. The cursor only
// moves forward: when the entry already paged deeper than w, its Offset and HasMore are kept.
func (s *Store) Merge(ctx context.Context, sessionID string, w Window) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.liveLocked(sessionID)
	if e == nil {
		e = &Entry{SessionID: sessionID}
		s.entries[sessionID] = e
	}
	e.Messages = MergeMessages(e.Messages, w.Messages)
	if w.Total != nil {
		total := *w.Total
		e.Total = &total
	}
	if w.Limit > 0 {
		e.Limit = w.Limit
	}
	if w.Offset >= e.Offset {
		e.Offset = w.Offset
		e.HasMore = w.HasMore
	}
	s.touchLocked(e)
	s.enforceCapacityLocked()
	s.persistLocked(ctx)
	return nil
}

// Append merges msgs onto the end of the window, creating the entry when absent.
func (s *Store) Append(ctx context.Context, sessionID string, msgs []message.Message) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.liveLocked(sessionID)
	if e == nil {
		e = &Entry{SessionID: sessionID}
		s.entries[sessionID] = e
	}
	e.Messages = MergeMessages(e.Messages, msgs)
	s.touchLocked(e)
	s.enforceCapacityLocked()
	s.persistLocked(ctx)
	return nil
}

// Prepend merges an older page onto the front of the window and moves the cursor to newOffset.
func (s *Store) Prepend(ctx context.Context, sessionID string, older []message.Message, newOffset int) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.liveLocked(sessionID)
	if e == nil {
		e = &Entry{SessionID: sessionID}
		s.entries[sessionID] = e
	}
	e.Messages = MergeMessages(older, e.Messages)
	e.Offset = newOffset
	s.touchLocked(e)
	s.enforceCapacityLocked()
	s.persistLocked(ctx)
	return nil
}

// SetHasMore updates the pagination flag of a live entry.
func (s *Store) SetHasMore(ctx context.Context, sessionID string, hasMore bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveLocked(sessionID)
	if e == nil {
		return false
	}
	e.HasMore = hasMore
	s.persistLocked(ctx)
	return true
}

// UpdateMessages applies update to every message of the session that match selects.
// It returns the number of messages updated.
func (s *Store) UpdateMessages(ctx context.Context, sessionID string, match func(message.Message) bool, update func(*message.Message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveLocked(sessionID)
	if e == nil {
		return 0
	}
	n := 0
	for i := range e.Messages {
		if !match(e.Messages[i]) {
			continue
		}
		update(&e.Messages[i])
		n++
	}
	if n > 0 {
		s.touchLocked(e)
		s.persistLocked(ctx)
	}
	return n
}

// RemoveMessages drops the messages of the session that match.
func (s *Store) RemoveMessages(ctx context.Context, sessionID string, match func(message.Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveLocked(sessionID)
	if e == nil {
		return 0
	}
	kept := e.Messages[:0]
	removed := 0
	for _, m := range e.Messages {
		if match(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	e.Messages = kept
	if removed > 0 {
		s.persistLocked(ctx)
	}
	return removed
}

// Rename moves the entry filed under from to the key to, merging with a live entry already there.
func (s *Store) Rename(ctx context.Context, from, to string) (bool, error) {
	if err := checkID(to); err != nil {
		return false, err
	}
	if from == to {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, _ := s.liveLocked(from)
	if src == nil {
		return false, nil
	}
	s.removeLocked(from)

	dst, _ := s.liveLocked(to)
	if dst == nil {
		src.SessionID = to
		s.entries[to] = src
		dst = src
	} else {
		dst.Messages = MergeMessages(dst.Messages, src.Messages)
	}
	s.touchLocked(dst)
	s.enforceCapacityLocked()
	s.persistLocked(ctx)
	return true, nil
}

// Clear removes the given sessions, or every entry when none is given.
func (s *Store) Clear(ctx context.Context, sessionIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(sessionIDs) == 0 {
		s.entries = map[string]*Entry{}
		s.order = nil
	} else {
		for _, id := range sessionIDs {
			s.removeLocked(id)
		}
	}
	s.persistLocked(ctx)
}

// Entries lists live entries, most recently touched first.
func (s *Store) Entries(ctx context.Context) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evictExpiredLocked() > 0 {
		s.persistLocked(ctx)
	}
	out := make([]Entry, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if e := s.entries[s.order[i]]; e != nil {
			out = append(out, e.clone())
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	if s.ttl < 0 {
		return false
	}
	return now.Sub(e.TouchedAt) > s.ttl
}

// liveLocked returns the entry when present and fresh; an expired entry is removed.
func (s *Store) liveLocked(sessionID string) (*Entry, bool) {
	e := s.entries[sessionID]
	if e == nil {
		return nil, false
	}
	if s.expired(e, s.now()) {
		s.removeLocked(sessionID)
		log.Debug().Str("component", "sessioncache").Str("session_id", sessionID).Msg("entry expired")
		return nil, true
	}
	return e, false
}

func (s *Store) evictExpiredLocked() int {
	now := s.now()
	n := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			s.removeLocked(id)
			n++
		}
	}
	return n
}

func (s *Store) touchLocked(e *Entry) {
	e.TouchedAt = s.now()
	s.removeFromOrderLocked(e.SessionID)
	s.order = append(s.order, e.SessionID)
}

func (s *Store) removeLocked(sessionID string) {
	delete(s.entries, sessionID)
	s.removeFromOrderLocked(sessionID)
}

func (s *Store) removeFromOrderLocked(sessionID string) {
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// enforceCapacityLocked evicts the least recently touched entries until the bound holds.
// Equal TouchedAt values are broken by position in order.
func (s *Store) enforceCapacityLocked() {
	for len(s.entries) > s.maxSessions {
		victim := ""
		var oldest time.Time
		for _, id := range s.order {
			e := s.entries[id]
			if e == nil {
				continue
			}
			if victim == "" || e.TouchedAt.Before(oldest) {
				victim = id
				oldest = e.TouchedAt
			}
		}
		if victim == "" {
			return
		}
		s.removeLocked(victim)
		log.Debug().Str("component", "sessioncache").Str("session_id", victim).Msg("evicted least recently touched entry")
	}
}

func (s *Store) persistLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	rec := record{Entries: s.entries, Order: s.order}
	data, err := json.Marshal(rec)
	if err == nil {
		err = s.backend.Save(ctx, data)
	}
	if err != nil {
		ev := log.Debug()
		if !s.persistDegraded {
			ev = log.Warn()
		}
		ev.Err(err).Str("component", "sessioncache").Msg("persist failed, continuing with in-memory cache")
		s.persistDegraded = true
		return
	}
	if s.persistDegraded {
		log.Info().Str("component", "sessioncache").Msg("persist recovered")
		s.persistDegraded = false
	}
}

func checkID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("sessioncache: session id is empty")
	}
	return nil
}
