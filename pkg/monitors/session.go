package monitors

import (
	"fmt"
	"sync"
	"time"

	"campaign-telemetry/pkg/alerting"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxEndedHistory bounds the retained ended-session history.
const maxEndedHistory = 1000

// SessionConfig configures the session monitor.
type SessionConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	MaxSessionsPerUser    int           `yaml:"max_sessions_per_user"`
	InactivityTimeout     time.Duration `yaml:"inactivity_timeout"`
}

// DefaultSessionConfig returns default session monitor configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxConcurrentSessions: 500,
		MaxSessionsPerUser:    5,
		InactivityTimeout:     30 * time.Minute,
	}
}

// Session is one tracked user session.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// SessionStats is the derived view of session activity.
type SessionStats struct {
	Active       int            `json:"active"`
	Peak         int            `json:"peak"`
	TotalStarted int64          `json:"total_started"`
	TotalEnded   int64          `json:"total_ended"`
	Rejected     int64          `json:"rejected"`
	Expired      int64          `json:"expired"`
	PerUser      map[string]int `json:"per_user"`
}

// SessionMonitor enforces global and per-user concurrency caps and expires
// idle sessions.
type SessionMonitor struct {
	config     SessionConfig
	logger     *logrus.Logger
	dispatcher *alerting.Dispatcher

	active       map[string]*Session
	ended        []Session
	peak         int
	totalStarted int64
	totalEnded   int64
	rejected     int64
	expired      int64
	now          func() time.Time
	mu           sync.RWMutex
}

// NewSessionMonitor creates a new session monitor.
func NewSessionMonitor(config SessionConfig, dispatcher *alerting.Dispatcher, logger *logrus.Logger) *SessionMonitor {
	defaults := DefaultSessionConfig()
	if config.MaxConcurrentSessions <= 0 {
		config.MaxConcurrentSessions = defaults.MaxConcurrentSessions
	}
	if config.MaxSessionsPerUser <= 0 {
		config.MaxSessionsPerUser = defaults.MaxSessionsPerUser
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = defaults.InactivityTimeout
	}

	return &SessionMonitor{
		config:     config,
		logger:     logger,
		dispatcher: dispatcher,
		active:     make(map[string]*Session),
		now:        time.Now,
	}
}

// StartSession allocates a session for a user. It returns (nil, false) and
// emits a limit event when the global cap or the user's own cap is reached.
func (m *SessionMonitor) StartSession(userID string) (*Session, bool) {
	if userID == "" {
		return nil, false
	}

	m.mu.Lock()

	if active := len(m.active); active >= m.config.MaxConcurrentSessions {
		m.rejected++
		m.mu.Unlock()
		m.rejectSession(userID, "max_concurrent", active, m.config.MaxConcurrentSessions)
		return nil, false
	}

	userCount := 0
	for _, s := range m.active {
		if s.UserID == userID {
			userCount++
		}
	}
	if userCount >= m.config.MaxSessionsPerUser {
		m.rejected++
		m.mu.Unlock()
		m.rejectSession(userID, "max_per_user", userCount, m.config.MaxSessionsPerUser)
		return nil, false
	}

	now := m.now()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		StartedAt:    now,
		LastActivity: now,
	}
	m.active[session.ID] = session
	m.totalStarted++
	if len(m.active) > m.peak {
		m.peak = len(m.active)
	}
	activeCount := len(m.active)
	peak := m.peak
	m.mu.Unlock()

	sessionsActiveGauge.Set(float64(activeCount))
	sessionsPeakGauge.Set(float64(peak))

	snapshot := *session
	return &snapshot, true
}

// rejectSession emits the limit event for a refused session start.
func (m *SessionMonitor) rejectSession(userID, reason string, current, limit int) {
	sessionsRejectedTotal.WithLabelValues(reason).Inc()
	m.dispatcher.Dispatch(alerting.Alert{
		Monitor:   "session",
		Key:       userID,
		Metric:    reason,
		Value:     float64(current),
		Threshold: float64(limit),
		Message:   fmt.Sprintf("session for user %s rejected: %s (%d/%d)", userID, reason, current, limit),
	})
}

// Touch refreshes the last-activity timestamp of an active session.
func (m *SessionMonitor) Touch(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.active[sessionID]
	if !ok {
		return false
	}
	session.LastActivity = m.now()
	return true
}

// EndSession ends an active session and moves it to the ended history.
func (m *SessionMonitor) EndSession(sessionID string) bool {
	m.mu.Lock()
	session, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.endLocked(session)
	activeCount := len(m.active)
	m.mu.Unlock()

	sessionsActiveGauge.Set(float64(activeCount))
	return true
}

// ExpireInactiveSessions force-ends every active session whose last
// activity is older than the inactivity timeout and returns how many
// were expired.
func (m *SessionMonitor) ExpireInactiveSessions(now time.Time) int {
	m.mu.Lock()

	var stale []*Session
	for _, session := range m.active {
		if now.Sub(session.LastActivity) > m.config.InactivityTimeout {
			stale = append(stale, session)
		}
	}
	for _, session := range stale {
		m.endLocked(session)
		m.expired++
	}
	activeCount := len(m.active)
	m.mu.Unlock()

	if len(stale) > 0 {
		sessionsActiveGauge.Set(float64(activeCount))
		m.logger.WithField("expired", len(stale)).Info("Expired inactive sessions")
	}
	return len(stale)
}

// endLocked stamps the end time and archives the session.
// Caller must hold m.mu.
func (m *SessionMonitor) endLocked(session *Session) {
	session.EndedAt = m.now()
	session.Duration = session.EndedAt.Sub(session.StartedAt)
	delete(m.active, session.ID)
	m.totalEnded++

	m.ended = append(m.ended, *session)
	if len(m.ended) > maxEndedHistory {
		m.ended = m.ended[len(m.ended)-maxEndedHistory:]
	}
}

// GetSession returns an active session by identifier.
func (m *SessionMonitor) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.active[sessionID]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// GetStats derives the current session activity view.
func (m *SessionMonitor) GetStats() SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perUser := make(map[string]int)
	for _, session := range m.active {
		perUser[session.UserID]++
	}

	return SessionStats{
		Active:       len(m.active),
		Peak:         m.peak,
		TotalStarted: m.totalStarted,
		TotalEnded:   m.totalEnded,
		Rejected:     m.rejected,
		Expired:      m.expired,
		PerUser:      perUser,
	}
}

// EndedSessions returns a snapshot of the ended-session history,
// oldest first.
func (m *SessionMonitor) EndedSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, len(m.ended))
	copy(out, m.ended)
	return out
}
