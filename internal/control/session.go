// Package control tracks one control session per device and derives light commands
// from occupancy telemetry.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
)

const lightUnknown = -1

type session struct {
	site, room string
	// lastReading is the device timestamp of the newest telemetry seen
	lastReading  time.Time
	lastOccupied time.Time
	light        int
	pending      *Command
	lastActive   time.Time
}

// Snapshot is a read-only view of a session
type Snapshot struct {
	DeviceID    string
	Light       int // -1 when unknown
	LastReading time.Time
	Pending     *Command
}

// Manager owns the control sessions
type Manager struct {
	cfg   config.ControlConfig
	now   func() time.Time
	newID func() string
	log   *log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs overrides command id generation
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates a manager with no sessions
func NewManager(cfg config.ControlConfig, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      logger,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe feeds one envelope into its device session and returns a command
// when the device must switch state.
func (m *Manager) Observe(env message.Envelope) (Command, bool) {
	if env.Kind != message.KindTelemetry || env.DeviceID == "" {
		return Command{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, ok := m.sessions[env.DeviceID]
	if !ok {
		s = &session{light: lightUnknown}
		m.sessions[env.DeviceID] = s
	}
	s.lastActive = now

	if env.Timestamp.Before(s.lastReading) {
		m.log.Debug("Ignoring stale reading %s of device %s (%s < %s)",
			env.MessageID, env.DeviceID, env.Timestamp.Format(time.RFC3339Nano), s.lastReading.Format(time.RFC3339Nano))
		return Command{}, false
	}
	s.lastReading = env.Timestamp
	s.site, s.room = env.Site, env.Room

	if v, ok := env.Float("light_state"); ok {
		s.light = int(v)
		if s.pending != nil && s.pending.DesiredLight == s.light {
			// the device applied the command without acknowledging it
			s.pending = nil
		}
	}

	occupied, ok := m.occupied(env)
	if !ok {
		return Command{}, false
	}

	desired, reason := 0, ReasonVacancy
	if occupied {
		s.lastOccupied = env.Timestamp
		desired, reason = 1, ReasonOccupancy
	} else if !s.lastOccupied.IsZero() && env.Timestamp.Sub(s.lastOccupied) < m.cfg.OffDelay {
		desired, reason = 1, ReasonOccupancy
	}

	if desired == s.light {
		s.pending = nil
		return Command{}, false
	}
	if s.pending != nil && s.pending.DesiredLight == desired {
		return Command{}, false
	}

	cmd := &Command{
		ID:           m.newID(),
		Site:         env.Site,
		Room:         env.Room,
		DeviceID:     env.DeviceID,
		DesiredLight: desired,
		Reason:       reason,
		EventID:      env.MessageID,
		DetectedAt:   env.Timestamp,
		IssuedAt:     now,
		SentAt:       now,
		Attempt:      1,
	}
	if s.pending != nil {
		m.log.Info("Command %s for device %s superseded by %s", s.pending.ID, env.DeviceID, cmd.ID)
	}
	s.pending = cmd
	return *cmd, true
}

// occupied reads occupancy_prob against the threshold, falling back to the occupancy flag
func (m *Manager) occupied(env message.Envelope) (bool, bool) {
	if p, ok := env.Float("occupancy_prob"); ok {
		return p >= m.cfg.OnProb, true
	}
	return env.Bool("occupancy")
}

// Acknowledge settles the pending command matching ack. It reports whether a
// pending command was found.
func (m *Manager) Acknowledge(ack message.CommandAck) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceID, s := m.lookup(ack)
	if s == nil {
		m.log.Debug("Ignoring ack for unknown command %s", ack.CommandID)
		return false
	}

	cmd := s.pending
	s.pending = nil
	if !ack.OK {
		m.log.Warn("Device %s rejected command %s (light=%d)", deviceID, cmd.ID, cmd.DesiredLight)
		return true
	}
	s.light = cmd.DesiredLight
	m.log.Debug("Device %s acknowledged command %s after %d attempt(s)", deviceID, cmd.ID, cmd.Attempt)
	return true
}

func (m *Manager) lookup(ack message.CommandAck) (string, *session) {
	if ack.DeviceID != "" {
		s, ok := m.sessions[ack.DeviceID]
		// devices that do not echo the command id settle whatever is pending
		if ok && s.pending != nil && (ack.CommandID == "" || s.pending.ID == ack.CommandID) {
			return ack.DeviceID, s
		}
		return "", nil
	}
	for id, s := range m.sessions {
		if s.pending != nil && s.pending.ID == ack.CommandID {
			return id, s
		}
	}
	return "", nil
}

// Expired returns the pending commands not acknowledged within the command timeout,
// with their attempt incremented. Commands past the re-issue limit are dropped.
func (m *Manager) Expired(now time.Time) []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Command
	for id, s := range m.sessions {
		cmd := s.pending
		if cmd == nil || now.Sub(cmd.SentAt) < m.cfg.CommandTimeout {
			continue
		}
		if cmd.Attempt > m.cfg.MaxReissues {
			m.log.Warn("Giving up on command %s for device %s after %d attempts", cmd.ID, id, cmd.Attempt)
			s.pending = nil
			continue
		}
		cmd.Attempt++
		cmd.SentAt = now
		out = append(out, *cmd)
	}
	return out
}

// Sweep drops sessions idle for longer than the session TTL
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastActive) > m.cfg.SessionTTL {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Session returns a snapshot of a device session
func (m *Manager) Session(deviceID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{DeviceID: deviceID, Light: s.light, LastReading: s.lastReading}
	if s.pending != nil {
		cmd := *s.pending
		snap.Pending = &cmd
	}
	return snap, true
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run re-issues expired commands and sweeps idle sessions until ctx is done
func (m *Manager) Run(ctx context.Context, issue func(Command)) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := m.now()
			for _, cmd := range m.Expired(now) {
				m.log.Info("Re-issuing command %s to device %s (attempt %d)", cmd.ID, cmd.DeviceID, cmd.Attempt)
				issue(cmd)
			}
			if n := m.Sweep(now); n > 0 {
				m.log.Info("Swept %d idle control sessions", n)
			}
		}
	}
}
