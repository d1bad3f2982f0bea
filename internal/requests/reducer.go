package requests

import (
	"time"

	"github.com/eventpass/passd/internal/realtime"
)

// tombstoneTTL is the retention window during which a deleted id rejects
// late inserts and updates. Deletes are authoritative; a stale update
// arriving after one must not resurrect a ghost entry.
const tombstoneTTL = time.Minute

// ResolvedEvent is a change event decoded and enriched at the stream
// boundary, ready for the reducer.
type ResolvedEvent struct {
	Kind    realtime.EventKind
	Request *Request // insert/update; nil for delete
	ID      string   // delete target; set for all kinds
	At      time.Time
}

// SignalKind tags a reducer output signal.
type SignalKind string

const (
	SignalInserted      SignalKind = "inserted"
	SignalUpdated       SignalKind = "updated"
	SignalStatusChanged SignalKind = "status_changed"
	SignalDeleted       SignalKind = "deleted"
)

// Signal is an observable consequence of applying one event: the caller's
// side-effect dispatcher turns signals into callbacks, bus events and
// user feedback. The reducer itself performs no I/O.
type Signal struct {
	Kind           SignalKind
	Request        *Request
	ID             string
	PreviousStatus Status
}

// State is the reconciled client-side request list: one live record per
// id, newest first, with tombstones for recent deletes.
type State struct {
	order   []string
	byID    map[string]*Request
	deleted map[string]time.Time
}

// NewState creates an empty reconciliation state.
func NewState() *State {
	return &State{
		byID:    make(map[string]*Request),
		deleted: make(map[string]time.Time),
	}
}

// Len returns the number of live records.
func (s *State) Len() int { return len(s.order) }

// Get returns the live record for id, or nil.
func (s *State) Get(id string) *Request {
	if req, ok := s.byID[id]; ok {
		cp := *req
		return &cp
	}
	return nil
}

// Snapshot returns the ordered list of live records, newest first.
func (s *State) Snapshot() []Request {
	out := make([]Request, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// Apply merges one event into the state and returns the emitted signals.
// Merges are idempotent by-id upserts: duplicate inserts are discarded,
// unknown-id updates insert (the fallback path merges, never appends a
// second record), deletes are idempotent.
func (s *State) Apply(ev ResolvedEvent) []Signal {
	switch ev.Kind {
	case realtime.EventInsert:
		return s.applyInsert(ev)
	case realtime.EventUpdate:
		return s.applyUpdate(ev)
	case realtime.EventDelete:
		return s.applyDelete(ev)
	}
	return nil
}

func (s *State) applyInsert(ev ResolvedEvent) []Signal {
	req := ev.Request
	if req == nil {
		return nil
	}
	if s.tombstoned(req.ID, ev.At) {
		return nil
	}
	if _, exists := s.byID[req.ID]; exists {
		// Same entity observed on a second stream: keep the first copy.
		return nil
	}
	cp := *req
	s.byID[cp.ID] = &cp
	s.order = append([]string{cp.ID}, s.order...)
	return []Signal{{Kind: SignalInserted, Request: s.Get(cp.ID)}}
}

func (s *State) applyUpdate(ev ResolvedEvent) []Signal {
	req := ev.Request
	if req == nil {
		return nil
	}
	if s.tombstoned(req.ID, ev.At) {
		return nil
	}

	prev, exists := s.byID[req.ID]
	if !exists {
		// First observation arrived via the update/fallback path.
		cp := *req
		s.byID[cp.ID] = &cp
		s.order = append([]string{cp.ID}, s.order...)
		return []Signal{{Kind: SignalInserted, Request: s.Get(cp.ID)}}
	}

	merged := *req
	// Direction is immutable once assigned; counterpart fields survive
	// payloads that do not carry them.
	if prev.Direction != "" {
		merged.Direction = prev.Direction
	}
	if merged.CounterpartName == "" {
		merged.CounterpartName = prev.CounterpartName
	}
	if merged.CounterpartAvatar == "" {
		merged.CounterpartAvatar = prev.CounterpartAvatar
	}

	prevStatus := prev.Status
	if !prevStatus.Allows(merged.Status) {
		// Regression toward pending: ignore the stale status, keep the rest.
		merged.Status = prevStatus
	}

	s.byID[merged.ID] = &merged

	signals := []Signal{{Kind: SignalUpdated, Request: s.Get(merged.ID), PreviousStatus: prevStatus}}
	if merged.Status != prevStatus {
		signals = append(signals, Signal{
			Kind:           SignalStatusChanged,
			Request:        s.Get(merged.ID),
			PreviousStatus: prevStatus,
		})
	}
	return signals
}

func (s *State) applyDelete(ev ResolvedEvent) []Signal {
	id := ev.ID
	if id == "" {
		return nil
	}
	s.deleted[id] = ev.At

	if _, exists := s.byID[id]; !exists {
		return nil
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return []Signal{{Kind: SignalDeleted, ID: id}}
}

// tombstoned reports whether id was deleted within the retention window,
// pruning expired tombstones as a side effect.
func (s *State) tombstoned(id string, now time.Time) bool {
	at, ok := s.deleted[id]
	if !ok {
		return false
	}
	if now.Sub(at) > tombstoneTTL {
		delete(s.deleted, id)
		return false
	}
	return true
}
