package stream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config describes one SSRC in the session's stream set.
type Config struct {
	// SSRC is the 32-bit stream identifier.
	SSRC uint32
	// Role classifies the stream.
	Role Role
	// Companion names the media SSRC an RTX or FEC stream serves; must be
	// zero for media streams.
	Companion uint32
}

// ManagerConfig carries the immutable manager settings.
type ManagerConfig struct {
	// ClockRate is the media clock rate in Hz used to derive initial
	// timestamps; 90000 when zero.
	ClockRate uint32
}

// DefaultClockRate is the video media clock rate applied when none is
// configured.
const DefaultClockRate = 90000

// Manager owns the SSRC set of one session.
//
// Configure is idempotent and merging: SSRCs already configured keep their
// State untouched. Reconfigure replaces the set: surviving SSRCs keep their
// State, removed SSRCs are torn down, added SSRCs are freshly initialized
// with a random sequence number and a timestamp derived from the media
// clock. Start and Stop are pure activity toggles and never touch counters.
type Manager struct {
	mu        sync.RWMutex
	clockRate uint32
	states    map[uint32]*State
	started   bool
	epoch     time.Time
	now       func() time.Time
}

// NewManager creates an empty stream state manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ClockRate == 0 {
		cfg.ClockRate = DefaultClockRate
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewManager",
		"clock_rate": cfg.ClockRate,
	}).Info("Creating stream state manager")

	return &Manager{
		clockRate: cfg.ClockRate,
		states:    make(map[uint32]*State),
		epoch:     time.Now(),
		now:       time.Now,
	}
}

// SetClock overrides the wall clock used to derive initial timestamps.
// Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Configure adds the given SSRCs to the set. Idempotent: SSRCs that are
// already configured keep their state, provided the role and companion
// match; a role change for a live SSRC is a hard configuration error.
func (m *Manager) Configure(entries []Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(entries)
}

// Reconfigure replaces the SSRC set. SSRCs present in both the old and new
// sets retain their state; removed SSRCs are torn down; added SSRCs are
// freshly initialized. Calling it again with the same set is a no-op on
// every counter.
func (m *Manager) Reconfigure(entries []Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.mergeLocked(entries); err != nil {
		return err
	}

	keep := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		keep[e.SSRC] = true
	}
	for ssrc := range m.states {
		if !keep[ssrc] {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Reconfigure",
				"ssrc":     ssrc,
			}).Info("Tearing down removed stream state")
			delete(m.states, ssrc)
		}
	}
	return nil
}

// mergeLocked validates entries and initializes states for new SSRCs.
func (m *Manager) mergeLocked(entries []Config) error {
	seen := make(map[uint32]Config, len(entries))
	for _, e := range entries {
		if prev, dup := seen[e.SSRC]; dup && prev != e {
			return fmt.Errorf("%w: SSRC %d configured twice with different roles", ErrRoleInconsistent, e.SSRC)
		}
		seen[e.SSRC] = e
	}

	// Validate role wiring before touching any state.
	for _, e := range entries {
		switch e.Role {
		case RoleMedia:
			if e.Companion != 0 {
				return fmt.Errorf("%w: media SSRC %d names companion %d", ErrRoleInconsistent, e.SSRC, e.Companion)
			}
		case RoleRtx, RoleFec:
			if e.Companion == 0 {
				return fmt.Errorf("%w: %s SSRC %d has no companion", ErrRoleInconsistent, e.Role, e.SSRC)
			}
			comp, inSet := seen[e.Companion]
			if inSet {
				if comp.Role != RoleMedia {
					return fmt.Errorf("%w: companion %d of SSRC %d is not a media stream", ErrRoleInconsistent, e.Companion, e.SSRC)
				}
			} else if existing, ok := m.states[e.Companion]; !ok || existing.role != RoleMedia {
				return fmt.Errorf("%w: companion %d of SSRC %d is not configured", ErrRoleInconsistent, e.Companion, e.SSRC)
			}
		default:
			return fmt.Errorf("%w: SSRC %d has unknown role %d", ErrRoleInconsistent, e.SSRC, e.Role)
		}

		if existing, ok := m.states[e.SSRC]; ok {
			if existing.role != e.Role || existing.companion != e.Companion {
				return fmt.Errorf("%w: SSRC %d reconfigured from %s to %s", ErrRoleInconsistent, e.SSRC, existing.role, e.Role)
			}
		}
	}

	for _, e := range entries {
		if _, ok := m.states[e.SSRC]; ok {
			continue
		}
		seq, err := randomSequence()
		if err != nil {
			return err
		}
		st := &State{
			ssrc:      e.SSRC,
			role:      e.Role,
			companion: e.Companion,
			seq:       seq,
			timestamp: m.mediaClockLocked(),
		}
		m.states[e.SSRC] = st

		logrus.WithFields(logrus.Fields{
			"function":  "Manager.Configure",
			"ssrc":      e.SSRC,
			"role":      e.Role.String(),
			"companion": e.Companion,
		}).Info("Initialized stream state")
	}
	return nil
}

// Start marks the session active. Counters are untouched.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

// Stop marks the session inactive. Counters are untouched.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
}

// Started reports whether the session is active.
func (m *Manager) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Lookup returns the state for an SSRC.
func (m *Manager) Lookup(ssrc uint32) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[ssrc]
	return st, ok
}

// CompanionFor returns the companion state with the given role serving
// mediaSSRC, if one is configured.
func (m *Manager) CompanionFor(mediaSSRC uint32, role Role) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.states {
		if st.role == role && st.companion == mediaSSRC {
			return st, true
		}
	}
	return nil, false
}

// MediaSSRCs returns the configured media stream identifiers.
func (m *Manager) MediaSSRCs() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ssrcs []uint32
	for _, st := range m.states {
		if st.role == RoleMedia {
			ssrcs = append(ssrcs, st.ssrc)
		}
	}
	return ssrcs
}

// mediaClockLocked derives the current media-clock timestamp from the wall
// clock, so freshly added SSRCs start in phase with the session.
func (m *Manager) mediaClockLocked() uint32 {
	elapsed := m.now().Sub(m.epoch)
	return uint32(elapsed.Seconds() * float64(m.clockRate))
}

// randomSequence draws a random initial sequence number.
func randomSequence() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to generate initial sequence number: %w", err)
	}
	// Keep the top bit clear so the first wrap is far away, easing extended
	// sequence tracking on the peer.
	return binary.BigEndian.Uint16(buf[:]) & 0x7fff, nil
}
