package view

import (
	"sync"
	"time"
)

// MaxPage bounds the page a browser may ask for.
const MaxPage = 1_000_000

// Normalize fills empty filters with All and clamps the page into [1, MaxPage].
func (q Query) Normalize() Query {
	q.Type = orAll(q.Type)
	q.Severity = orAll(q.Severity)
	q.Date = orAll(q.Date)
	q.Page = clampPage(q.Page)
	return q
}

// State is the history browser's current filters and page. Changing any filter to a
// different value sends the browser back to page 1.
type State struct {
	mu sync.Mutex
	q  Query
}

func NewState() *State {
	return &State{q: Query{Type: All, Severity: All, Date: All, Page: 1}}
}

// Query returns a copy of the current filters.
func (s *State) Query() Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q
}

func (s *State) SetSearch(v string) { s.setFilter(&s.q.Search, v) }

func (s *State) SetType(v string) { s.setFilter(&s.q.Type, orAll(v)) }

func (s *State) SetSeverity(v string) { s.setFilter(&s.q.Severity, orAll(v)) }

func (s *State) SetDate(v string) { s.setFilter(&s.q.Date, orAll(v)) }

// SetPage moves to page p, clamped into [1, MaxPage].
func (s *State) SetPage(p int) {
	s.mu.Lock()
	s.q.Page = clampPage(p)
	s.mu.Unlock()
}

// Apply merges a full query: filters first, then the page unless a filter changed.
func (s *State) Apply(q Query) Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.set(&s.q.Search, q.Search)
	changed = s.set(&s.q.Type, orAll(q.Type)) || changed
	changed = s.set(&s.q.Severity, orAll(q.Severity)) || changed
	changed = s.set(&s.q.Date, orAll(q.Date)) || changed
	switch {
	case changed:
		s.q.Page = 1
	case q.Page >= 1:
		s.q.Page = clampPage(q.Page)
	}
	return s.q
}

func (s *State) setFilter(field *string, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set(field, v) {
		s.q.Page = 1
	}
}

// set must be called with mu held.
func (s *State) set(field *string, v string) bool {
	if *field == v {
		return false
	}
	*field = v
	return true
}

func orAll(v string) string {
	if v == "" {
		return All
	}
	return v
}

func clampPage(p int) int {
	switch {
	case p < 1:
		return 1
	case p > MaxPage:
		return MaxPage
	}
	return p
}

// Sessions keeps one State per browser session token. Sessions unused for longer
// than the idle timeout are dropped on the next lookup.
type Sessions struct {
	mu   sync.Mutex
	idle time.Duration
	now  func() time.Time
	byID map[string]*session
}

type session struct {
	state *State
	seen  time.Time
}

func NewSessions(idle time.Duration) *Sessions {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Sessions{idle: idle, now: time.Now, byID: map[string]*session{}}
}

// Get returns the State for token, creating it on first use.
func (s *Sessions) Get(token string) *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, sess := range s.byID {
		if now.Sub(sess.seen) > s.idle {
			delete(s.byID, id)
		}
	}
	sess, ok := s.byID[token]
	if !ok {
		sess = &session{state: NewState()}
		s.byID[token] = sess
	}
	sess.seen = now
	return sess.state
}

// Len is the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
