package sessioncache

import (
	"sort"
	"time"

	"github.com/go-go-golems/chatsync/pkg/message"
)

// EchoWindow bounds how far apart a local copy and its server echo may be
// timestamped and still be treated as the same message.
const EchoWindow = 5 * time.Minute

// MergeMessages unions base and extra into one window.
//
// Messages are matched by id first, then by backend id within one role. A
// client-generated copy and a server copy with the same role|content
// signature, created within EchoWindow of each other, are also the same
// message unless both carry different backend ids. Error indicators only
// match by id.
// Ephemeral and invalid messages are dropped. The result is stably sorted by
// CreatedAt.
func MergeMessages(base, extra []message.Message) []message.Message {
	out := make([]message.Message, 0, len(base)+len(extra))
	byID := map[string]int{}
	bySig := map[string][]int{}
	byBackend := map[string]int{}
	backendKey := func(m message.Message) string {
		if m.Error || m.BackendID == "" {
			return ""
		}
		return string(m.Role) + "|" + m.BackendID
	}

	echoOf := func(m message.Message) (int, bool) {
		if m.Error {
			return 0, false
		}
		sig := m.Signature()
		for _, idx := range bySig[sig] {
			cand := out[idx]
			if cand.Signature() == sig && isEcho(cand, m) {
				return idx, true
			}
		}
		return 0, false
	}

	add := func(m message.Message) {
		if m.Ephemeral || !m.Valid() {
			return
		}
		idx, ok := byID[m.ID]
		if !ok {
			if key := backendKey(m); key != "" {
				idx, ok = byBackend[key]
			}
		}
		if !ok {
			idx, ok = echoOf(m)
		}
		if !ok {
			idx = len(out)
			out = append(out, m.Clone())
			byID[m.ID] = idx
			if key := backendKey(m); key != "" {
				byBackend[key] = idx
			}
			if !m.Error {
				bySig[m.Signature()] = append(bySig[m.Signature()], idx)
			}
			return
		}
		old := out[idx]
		merged := reconcile(old, m)
		out[idx] = merged
		if old.ID != merged.ID {
			delete(byID, old.ID)
		}
		byID[merged.ID] = idx
		byID[m.ID] = idx
		if key := backendKey(merged); key != "" {
			byBackend[key] = idx
		}
		if sig := merged.Signature(); !merged.Error && sig != old.Signature() {
			bySig[sig] = append(bySig[sig], idx)
		}
	}

	for _, m := range base {
		add(m)
	}
	for _, m := range extra {
		add(m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// isEcho reports whether a and b are one message seen through the optimistic
// path and the server path.
func isEcho(a, b message.Message) bool {
	if a.Local == b.Local {
		return false
	}
	if a.BackendID != "" && b.BackendID != "" && a.BackendID != b.BackendID {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= EchoWindow
}

// reconcile picks the surviving copy of one logical message.
// A server copy always beats a local one; between equals the later write wins.
func reconcile(existing, incoming message.Message) message.Message {
	if !existing.Local && incoming.Local {
		return existing
	}
	winner := incoming.Clone()
	if winner.BackendID == "" {
		winner.BackendID = existing.BackendID
	}
	if winner.Annotations == nil && existing.Annotations != nil {
		winner.Annotations = append([]byte(nil), existing.Annotations...)
	}
	if winner.Status == "" {
		winner.Status = existing.Status
	}
	if existing.Local && !incoming.Local && winner.Role == message.RoleUser && winner.Status == message.StatusPending {
		winner.Status = message.StatusSent
	}
	return winner
}
