package subscriber

import (
	"slices"
	"strings"
	"sync"

	"report-pipeline/internal/realtime"
)

// State is the client's view of jobs and reports, built from events that may
// arrive duplicated or out of order. An entity only moves forward in time.
type State struct {
	mu      sync.RWMutex
	entries map[string]realtime.Event
}

func NewState() *State {
	return &State{entries: make(map[string]realtime.Event)}
}

func stateKey(kind, id string) string {
	return kind + ":" + id
}

// Merge applies ev unless the held entry is strictly newer. It reports
// whether ev was accepted.
func (s *State) Merge(ev realtime.Event) bool {
	key := stateKey(ev.Kind, ev.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.entries[key]; ok && ev.UpdatedAt.Before(held.UpdatedAt) {
		return false
	}
	s.entries[key] = ev
	return true
}

// Get returns the held event for an entity.
func (s *State) Get(kind, id string) (realtime.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.entries[stateKey(kind, id)]
	return ev, ok
}

// Snapshot returns every held event ordered by kind then id.
func (s *State) Snapshot() []realtime.Event {
	s.mu.RLock()
	out := make([]realtime.Event, 0, len(s.entries))
	for _, ev := range s.entries {
		out = append(out, ev)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b realtime.Event) int {
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
