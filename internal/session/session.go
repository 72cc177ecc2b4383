// Package session tracks tuner slots. Each live stream holds exactly one
// slot; the manager enforces the tuner-count cap and lets a reconnecting
// client reclaim the slot its previous socket still holds.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plexbridge/plexbridge/internal/clientdetect"
	"github.com/plexbridge/plexbridge/internal/log"
	"github.com/plexbridge/plexbridge/internal/metrics"
)

// ErrCapacity means every tuner slot is held and no reclaim candidate exists.
var ErrCapacity = errors.New("session: all tuners in use")

// ErrNotFound means the session id is not in the live set.
var ErrNotFound = errors.New("session: not found")

// State is the session lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// Close reasons used for the terminal counter and drain logging.
const (
	ReasonClientGone  = "client_gone"
	ReasonReclaimed   = "reclaimed"
	ReasonAdmin       = "admin"
	ReasonFailed      = "failed"
	ReasonExited      = "exited"
	ReasonMaxDuration = "max_duration"
)

var logger = log.WithComponent("session")

// Session is one live stream and the tuner slot it owns. Mutable fields are
// guarded by the manager's lock; read them through View.
type Session struct {
	ID         string
	ChannelID  int64
	ClientID   string
	ClientType clientdetect.Type
	ProfileID  int64
	StartedAt  time.Time

	state       State
	bytesSent   int64
	lastByteAt  time.Time
	drainReason string

	ctx    context.Context
	cancel context.CancelFunc
}

// Ctx is cancelled when the session is released; the supervisor and the byte
// pump run under it.
func (s *Session) Ctx() context.Context { return s.ctx }

// View is a read-only snapshot of a session.
type View struct {
	ID         string            `json:"id"`
	ChannelID  int64             `json:"channel_id"`
	ClientID   string            `json:"client_id"`
	ClientType clientdetect.Type `json:"client_type"`
	ProfileID  int64             `json:"profile_id"`
	State      State             `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	LastByteAt time.Time         `json:"last_byte_at,omitempty"`
	BytesSent  int64             `json:"bytes_sent"`
}

type clientKey struct {
	clientID  string
	channelID int64
}

// Manager owns the live-session table. One lock covers both the id map and
// the (client, channel) index so the capacity check, the reclaim, and the
// insert happen as a unit.
type Manager struct {
	capacity int

	mu       sync.Mutex
	sessions map[string]*Session
	byClient map[clientKey]string
}

// NewManager returns a manager with the given tuner capacity.
func NewManager(capacity int) *Manager {
	return &Manager{
		capacity: capacity,
		sessions: make(map[string]*Session),
		byClient: make(map[clientKey]string),
	}
}

// Acquire reserves a tuner slot. If the same client already streams the same
// channel, the old session is drained and its slot transferred: a Plex client
// that reconnects must not be refused because of its own previous socket.
// Returns ErrCapacity when full with no reclaim candidate.
func (m *Manager) Acquire(channelID int64, clientID string, clientType clientdetect.Type, profileID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clientKey{clientID, channelID}
	reclaimed := false
	if oldID, ok := m.byClient[key]; ok {
		if old := m.sessions[oldID]; old != nil && (old.state == StateStarting || old.state == StateRunning) {
			m.drainLocked(old, ReasonReclaimed)
			reclaimed = true
		}
	}
	if !reclaimed && m.liveLocked() >= m.capacity {
		metrics.SessionsRejected.WithLabelValues("capacity").Inc()
		return nil, ErrCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		ClientID:   clientID,
		ClientType: clientType,
		ProfileID:  profileID,
		StartedAt:  time.Now(),
		state:      StateStarting,
		ctx:        ctx,
		cancel:     cancel,
	}
	m.sessions[s.ID] = s
	m.byClient[key] = s.ID
	metrics.TunersInUse.Inc()

	logger.Info().
		Str("id", s.ID).
		Int64("channel", channelID).
		Str("client", clientID).
		Str("type", string(clientType)).
		Bool("reclaimed", reclaimed).
		Int("inuse", m.liveLocked()).
		Msg("slot acquired")
	return s, nil
}

// MarkRunning records the first transcoder bytes: starting → running.
func (m *Manager) MarkRunning(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || s.state != StateStarting {
		return
	}
	s.state = StateRunning
	metrics.SessionsStarted.Inc()
}

// AddBytes accounts bytes delivered to the client.
func (m *Manager) AddBytes(id string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[id]; s != nil {
		s.bytesSent += n
		s.lastByteAt = time.Now()
	}
}

// Release drives a live session to draining and frees its slot. Idempotent:
// releasing a draining or unknown session is a no-op.
func (m *Manager) Release(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || (s.state != StateStarting && s.state != StateRunning) {
		return
	}
	m.drainLocked(s, reason)
}

// Reap removes a drained session from the live table after its process has
// been collected. The terminal counter is incremented exactly once per
// session, here.
func (m *Manager) Reap(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil {
		return
	}
	if s.state == StateStarting || s.state == StateRunning {
		m.drainLocked(s, reason)
	}
	// The drain reason wins: a session reclaimed by its own client closes as
	// "reclaimed" even though the pump observes an external cancel.
	if s.drainReason != "" {
		reason = s.drainReason
	}
	s.state = StateClosed
	delete(m.sessions, id)
	key := clientKey{s.ClientID, s.ChannelID}
	if m.byClient[key] == id {
		delete(m.byClient, key)
	}
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	logger.Info().
		Str("id", id).
		Str("reason", reason).
		Int64("bytes", s.bytesSent).
		Dur("dur", time.Since(s.StartedAt)).
		Msg("session closed")
}

// TerminateByClient drains every live session held by the client.
func (m *Manager) TerminateByClient(clientID, reason string) int {
	return m.terminateMatching(reason, func(s *Session) bool { return s.ClientID == clientID })
}

// TerminateByChannel drains every live session on the channel.
func (m *Manager) TerminateByChannel(channelID int64, reason string) int {
	return m.terminateMatching(reason, func(s *Session) bool { return s.ChannelID == channelID })
}

// Terminate drains one session by id. ErrNotFound when it is not live.
func (m *Manager) Terminate(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s == nil || (s.state != StateStarting && s.state != StateRunning) {
		return ErrNotFound
	}
	m.drainLocked(s, reason)
	return nil
}

func (m *Manager) terminateMatching(reason string, match func(*Session) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if (s.state == StateStarting || s.state == StateRunning) && match(s) {
			m.drainLocked(s, reason)
			n++
		}
	}
	return n
}

// ListActive returns a snapshot of every tracked session.
func (m *Manager) ListActive() []View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]View, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, View{
			ID:         s.ID,
			ChannelID:  s.ChannelID,
			ClientID:   s.ClientID,
			ClientType: s.ClientType,
			ProfileID:  s.ProfileID,
			State:      s.state,
			StartedAt:  s.StartedAt,
			LastByteAt: s.lastByteAt,
			BytesSent:  s.bytesSent,
		})
	}
	return out
}

// InUse returns the number of held tuner slots.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked()
}

// State returns the current state of a session, or "" when unknown.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[id]; s != nil {
		return s.state
	}
	return ""
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.state == StateStarting || s.state == StateRunning {
			n++
		}
	}
	return n
}

// drainLocked moves a live session to draining and cancels its context.
// Caller holds the lock and has verified the session is live.
func (m *Manager) drainLocked(s *Session, reason string) {
	s.state = StateDraining
	s.drainReason = reason
	s.cancel()
	metrics.TunersInUse.Dec()
	logger.Info().
		Str("id", s.ID).
		Str("reason", reason).
		Msg("session draining")
}
