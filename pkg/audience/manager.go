package audience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ErrAudienceNotFound reports a lookup for an audience not in the store.
var ErrAudienceNotFound = errors.New("audience not found")

// PlatformAdapter replicates an audience into one advertising platform.
// Absence of an adapter is a valid configuration; the manager then
// short-circuits syncs to success with a zero member count.
type PlatformAdapter interface {
	Name() string
	Sync(ctx context.Context, audience Audience) (SyncResult, error)
}

// StatusHandler receives every sync record status transition.
type StatusHandler func(SyncRecord)

// ManagerConfig configures the audience sync manager.
type ManagerConfig struct {
	// Upper bound on one adapter sync call. Zero means no timeout.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// DefaultManagerConfig returns default audience manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SyncTimeout: 2 * time.Minute,
	}
}

var syncStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "campaign_telemetry_audience_sync_records",
	Help: "Number of audience sync records per platform and status",
}, []string{"platform", "status"})

// Manager owns the audience store and all sync records.
type Manager struct {
	config   ManagerConfig
	logger   *logrus.Logger
	adapters map[string]PlatformAdapter

	audiences map[string]*Audience
	records   map[string]*SyncRecord // keyed audienceID + "\x00" + platform
	handlers  []StatusHandler
	now       func() time.Time

	mu sync.RWMutex

	// Serializes concurrent SyncToPlatform calls per (audience, platform)
	// key so the second caller waits instead of racing the status write.
	syncLocks   map[string]*sync.Mutex
	syncLocksMu sync.Mutex
}

// NewManager creates a new audience sync manager.
func NewManager(config ManagerConfig, logger *logrus.Logger) *Manager {
	if config.SyncTimeout < 0 {
		config.SyncTimeout = DefaultManagerConfig().SyncTimeout
	}

	return &Manager{
		config:    config,
		logger:    logger,
		adapters:  make(map[string]PlatformAdapter),
		audiences: make(map[string]*Audience),
		records:   make(map[string]*SyncRecord),
		syncLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// RegisterAdapter registers a platform adapter under its name.
func (m *Manager) RegisterAdapter(adapter PlatformAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[adapter.Name()] = adapter
}

// OnStatusChange registers a handler invoked on every sync record
// transition. Handler panics are recovered and logged so one bad
// subscriber cannot break a sync.
func (m *Manager) OnStatusChange(h StatusHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// CreateAudience validates and stores a new audience.
func (m *Manager) CreateAudience(name string, rules []Rule) (Audience, error) {
	now := m.now()
	audience := Audience{
		ID:        uuid.NewString(),
		Name:      name,
		Rules:     rules,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := audience.Validate(); err != nil {
		return Audience{}, err
	}

	m.mu.Lock()
	m.audiences[audience.ID] = &audience
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"audience_id": audience.ID,
		"name":        name,
		"rules":       len(rules),
	}).Info("Audience created")

	return audience, nil
}

// UpdateAudience replaces an audience's rule set. The candidate is
// validated as a copy before anything is written back, so a rejected
// update leaves the stored audience untouched. Every sync record for
// the audience currently in synced state transitions to stale; records
// in pending, syncing or failed state are untouched.
func (m *Manager) UpdateAudience(audienceID, name string, rules []Rule) (Audience, error) {
	m.mu.Lock()

	existing, ok := m.audiences[audienceID]
	if !ok {
		m.mu.Unlock()
		return Audience{}, fmt.Errorf("audience %s: %w", audienceID, ErrAudienceNotFound)
	}

	updated := *existing
	if name != "" {
		updated.Name = name
	}
	updated.Rules = rules
	updated.UpdatedAt = m.now()

	if err := updated.Validate(); err != nil {
		m.mu.Unlock()
		return Audience{}, err
	}
	*existing = updated

	var staled []SyncRecord
	for _, record := range m.records {
		if record.AudienceID == audienceID && record.Status == SyncSynced {
			m.transitionLocked(record, SyncStale)
			staled = append(staled, *record)
		}
	}
	m.mu.Unlock()

	for _, record := range staled {
		m.notify(record)
	}

	m.logger.WithFields(logrus.Fields{
		"audience_id": audienceID,
		"staled":      len(staled),
	}).Info("Audience updated")

	return updated, nil
}

// DeleteAudience removes an audience and cascades deletion of all its
// sync records.
func (m *Manager) DeleteAudience(audienceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.audiences[audienceID]; !ok {
		return fmt.Errorf("audience %s: %w", audienceID, ErrAudienceNotFound)
	}
	delete(m.audiences, audienceID)

	for key, record := range m.records {
		if record.AudienceID == audienceID {
			syncStatusGauge.WithLabelValues(record.Platform, string(record.Status)).Dec()
			delete(m.records, key)
		}
	}

	m.logger.WithField("audience_id", audienceID).Info("Audience deleted")
	return nil
}

// GetAudience returns one audience by identifier.
func (m *Manager) GetAudience(audienceID string) (Audience, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	audience, ok := m.audiences[audienceID]
	if !ok {
		return Audience{}, false
	}
	return *audience, true
}

// ListAudiences returns a snapshot of every stored audience.
func (m *Manager) ListAudiences() []Audience {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Audience, 0, len(m.audiences))
	for _, audience := range m.audiences {
		out = append(out, *audience)
	}
	return out
}

// SyncToPlatform replicates an audience into one platform, driving the
// sync record through syncing and on to synced or failed. Concurrent
// calls for the same (audience, platform) pair are serialized.
func (m *Manager) SyncToPlatform(ctx context.Context, audienceID, platform string) (SyncRecord, error) {
	if platform == "" {
		return SyncRecord{}, fmt.Errorf("platform is required")
	}

	lock := m.syncLock(audienceID, platform)
	lock.Lock()
	defer lock.Unlock()

	// The snapshot is taken after the per-key lock is held so a caller
	// that waited out an in-flight sync pushes the audience as it stands
	// now, not as it stood when the call was made.
	m.mu.RLock()
	audiencePtr, ok := m.audiences[audienceID]
	var audience Audience
	if ok {
		audience = *audiencePtr
	}
	adapter := m.adapters[platform]
	m.mu.RUnlock()

	if !ok {
		return SyncRecord{}, fmt.Errorf("audience %s: %w", audienceID, ErrAudienceNotFound)
	}

	// Optimistic status write before the adapter call so readers see the
	// sync in flight immediately.
	syncing := m.setStatus(audienceID, platform, func(record *SyncRecord) {
		record.Status = SyncSyncing
		record.Error = ""
	})
	m.notify(syncing)

	// No adapter registered: safe default for environments without live
	// platform integrations.
	if adapter == nil {
		record := m.setStatus(audienceID, platform, func(record *SyncRecord) {
			record.Status = SyncSynced
			record.MemberCount = 0
			record.LastSyncedAt = m.now()
		})
		m.notify(record)
		return record, nil
	}

	if m.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.SyncTimeout)
		defer cancel()
	}

	started := m.now()
	result, err := adapter.Sync(ctx, audience)
	elapsed := m.now().Sub(started)

	if err != nil || !result.Success {
		message := result.Error
		if err != nil {
			message = err.Error()
		}
		// Member count is preserved from the prior state so a transient
		// failure does not erase the last known-good count.
		record := m.setStatus(audienceID, platform, func(record *SyncRecord) {
			record.Status = SyncFailed
			record.Error = message
			record.SyncDuration = elapsed
		})
		m.notify(record)

		m.logger.WithFields(logrus.Fields{
			"audience_id": audienceID,
			"platform":    platform,
			"error":       message,
		}).Warn("Audience sync failed")

		return record, nil
	}

	record := m.setStatus(audienceID, platform, func(record *SyncRecord) {
		record.Status = SyncSynced
		record.MemberCount = result.MemberCount
		record.LastSyncedAt = m.now()
		record.SyncDuration = elapsed
		record.Error = ""
	})
	m.notify(record)

	m.logger.WithFields(logrus.Fields{
		"audience_id":  audienceID,
		"platform":     platform,
		"member_count": result.MemberCount,
		"duration":     elapsed,
	}).Info("Audience synced")

	return record, nil
}

// GetSyncStatus returns the sync record for one (audience, platform) pair.
func (m *Manager) GetSyncStatus(audienceID, platform string) (SyncRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[recordKey(audienceID, platform)]
	if !ok {
		return SyncRecord{}, false
	}
	return *record, true
}

// GetAllStatus returns a snapshot of every sync record.
func (m *Manager) GetAllStatus() []SyncRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SyncRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, *record)
	}
	return out
}

// setStatus mutates (creating if absent) the record for a pair and
// returns a copy.
func (m *Manager) setStatus(audienceID, platform string, mutate func(*SyncRecord)) SyncRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(audienceID, platform)
	record, ok := m.records[key]
	if !ok {
		record = &SyncRecord{
			AudienceID: audienceID,
			Platform:   platform,
			Status:     SyncPending,
		}
		m.records[key] = record
		syncStatusGauge.WithLabelValues(platform, string(SyncPending)).Inc()
	}

	previous := record.Status
	mutate(record)
	if record.Status != previous {
		syncStatusGauge.WithLabelValues(platform, string(previous)).Dec()
		syncStatusGauge.WithLabelValues(platform, string(record.Status)).Inc()
	}

	return *record
}

// transitionLocked flips a record's status in place. Caller must hold m.mu.
func (m *Manager) transitionLocked(record *SyncRecord, status SyncStatus) {
	if record.Status == status {
		return
	}
	syncStatusGauge.WithLabelValues(record.Platform, string(record.Status)).Dec()
	syncStatusGauge.WithLabelValues(record.Platform, string(status)).Inc()
	record.Status = status
}

// notify dispatches a status change to every registered handler,
// recovering panics per handler.
func (m *Manager) notify(record SyncRecord) {
	m.mu.RLock()
	handlers := make([]StatusHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.WithFields(logrus.Fields{
						"audience_id": record.AudienceID,
						"platform":    record.Platform,
						"handler":     i,
						"panic":       r,
					}).Error("Sync status handler failed")
				}
			}()
			h(record)
		}()
	}
}

// syncLock returns the per-pair mutex, creating it on first use.
func (m *Manager) syncLock(audienceID, platform string) *sync.Mutex {
	m.syncLocksMu.Lock()
	defer m.syncLocksMu.Unlock()

	key := recordKey(audienceID, platform)
	lock, ok := m.syncLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.syncLocks[key] = lock
	}
	return lock
}

func recordKey(audienceID, platform string) string {
	return audienceID + "\x00" + platform
}
