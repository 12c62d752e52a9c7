// Package cooling implements the cooling-period monitor: after poweroff a
// server must stay off for the configured period, checked on a fixed
// cadence. Each active server holds one in-memory session with its own
// polling goroutine; a power-on observation is a policy violation that
// terminates the pipeline run.
package cooling

import (
	"errors"
	"sync"
	"time"

	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
)

var (
	ErrSessionExists = errors.New("server already in cooling period")
	ErrSessionLimit  = errors.New("cooling session limit reached")
)

// Session is the in-memory state of one server's cooling period. It is
// created when a start_cooling_period message is accepted and destroyed
// exactly once when the session reaches a terminal outcome.
type Session struct {
	ServerID          string
	Details           map[string]any
	PoweroffTimestamp string
	Start             time.Time
	End               time.Time
	CheckCount        int
	LastCheck         time.Time
	Status            string
	Origin            *message.Message
}

// Summary is the read-only view exposed to status snapshots.
type Summary struct {
	ServerID       string  `json:"server_id"`
	CoolingStart   string  `json:"cooling_start"`
	CoolingEnd     string  `json:"cooling_end"`
	RemainingHours float64 `json:"remaining_hours"`
	CheckCount     int     `json:"check_count"`
	Status         string  `json:"status"`
}

// store owns the session map. Every read-modify-write goes through a method
// holding the store's lock; callers never touch the lock or the map, which
// keeps the exclusive-ownership discipline in one place and makes the
// session limit enforceable at creation.
type store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	max      int
}

func newStore(max int) *store {
	return &store{sessions: make(map[string]*Session), max: max}
}

// create inserts the session unless one already exists for the server or
// the limit is reached.
func (s *store) create(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ServerID]; ok {
		return ErrSessionExists
	}
	if len(s.sessions) >= s.max {
		return ErrSessionLimit
	}
	s.sessions[sess.ServerID] = sess
	return nil
}

// recordCheck increments the check counter for an active session and
// returns the new count. ok is false when the session no longer exists.
func (s *store) recordCheck(serverID string, at time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[serverID]
	if !ok {
		return 0, false
	}
	sess.CheckCount++
	sess.LastCheck = at
	return sess.CheckCount, true
}

// take removes and returns the session. The boolean guards terminal
// transitions: whichever branch takes the session owns emitting its
// terminal message, so destruction happens exactly once.
func (s *store) take(serverID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[serverID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, serverID)
	return sess, true
}

func (s *store) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *store) snapshot(now time.Time) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			ServerID:       sess.ServerID,
			CoolingStart:   sess.Start.Format(time.RFC3339),
			CoolingEnd:     sess.End.Format(time.RFC3339),
			RemainingHours: sess.End.Sub(now).Hours(),
			CheckCount:     sess.CheckCount,
			Status:         sess.Status,
		})
	}
	return out
}
