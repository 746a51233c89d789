package audience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewManager(DefaultManagerConfig(), logger)
}

var testRules = []Rule{{Field: "country", Operator: "eq", Value: "BR"}}

type fakeAdapter struct {
	name     string
	result   SyncResult
	err      error
	delay    time.Duration
	mu       sync.Mutex
	calls    int
	received []Audience
	blockCh  chan struct{}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Sync(ctx context.Context, a Audience) (SyncResult, error) {
	f.mu.Lock()
	f.calls++
	f.received = append(f.received, a)
	f.mu.Unlock()
	if f.blockCh != nil {
		<-f.blockCh
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func TestCreateAudienceValidation(t *testing.T) {
	m := newTestManager()

	_, err := m.CreateAudience("", testRules)
	assert.Error(t, err)

	_, err = m.CreateAudience("high-intent", nil)
	assert.Error(t, err)

	_, err = m.CreateAudience("high-intent", []Rule{{Field: "", Operator: "eq"}})
	assert.Error(t, err)

	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)
	assert.NotEmpty(t, audience.ID)

	stored, ok := m.GetAudience(audience.ID)
	require.True(t, ok)
	assert.Equal(t, "high-intent", stored.Name)
}

func TestSyncUnknownAudienceRejected(t *testing.T) {
	m := newTestManager()

	_, err := m.SyncToPlatform(context.Background(), "missing", "meta")
	assert.ErrorIs(t, err, ErrAudienceNotFound)
}

func TestUpdateAudienceRejectedInputLeavesStoreUntouched(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	// A synced record that must not go stale when the update is rejected.
	_, err = m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)

	_, err = m.UpdateAudience(audience.ID, "renamed", nil)
	require.Error(t, err)

	stored, ok := m.GetAudience(audience.ID)
	require.True(t, ok)
	assert.Equal(t, "high-intent", stored.Name, "rejected update must not rename")
	assert.Equal(t, testRules, stored.Rules, "rejected update must not erase rules")
	assert.Equal(t, audience.UpdatedAt, stored.UpdatedAt, "rejected update must not bump UpdatedAt")

	record, ok := m.GetSyncStatus(audience.ID, "meta")
	require.True(t, ok)
	assert.Equal(t, SyncSynced, record.Status)
}

func TestUpdateUnknownAudienceRejected(t *testing.T) {
	m := newTestManager()

	_, err := m.UpdateAudience("missing", "renamed", testRules)
	assert.ErrorIs(t, err, ErrAudienceNotFound)
}

func TestSyncWithoutAdapterShortCircuits(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	var transitions []SyncStatus
	m.OnStatusChange(func(r SyncRecord) { transitions = append(transitions, r.Status) })

	record, err := m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)

	assert.Equal(t, SyncSynced, record.Status)
	assert.Equal(t, 0, record.MemberCount)
	assert.Equal(t, []SyncStatus{SyncSyncing, SyncSynced}, transitions)
}

func TestSyncSuccessRecordsCountAndDuration(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	m.RegisterAdapter(&fakeAdapter{name: "meta", result: SyncResult{MemberCount: 1234, Success: true}})

	record, err := m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)

	assert.Equal(t, SyncSynced, record.Status)
	assert.Equal(t, 1234, record.MemberCount)
	assert.False(t, record.LastSyncedAt.IsZero())
}

func TestSyncFailurePreservesMemberCount(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "meta", result: SyncResult{MemberCount: 500, Success: true}}
	m.RegisterAdapter(adapter)

	_, err = m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)

	adapter.result = SyncResult{Success: false, Error: "token expired"}
	record, err := m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)

	assert.Equal(t, SyncFailed, record.Status)
	assert.Equal(t, "token expired", record.Error)
	assert.Equal(t, 500, record.MemberCount, "transient failure keeps last known-good count")
}

func TestSyncAdapterErrorRecordedAsFailure(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	m.RegisterAdapter(&fakeAdapter{name: "meta", err: errors.New("connection refused")})

	record, err := m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err, "adapter failures become data, not errors")
	assert.Equal(t, SyncFailed, record.Status)
	assert.Contains(t, record.Error, "connection refused")
}

func TestUpdateAudienceStalesOnlySyncedRecords(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	// Two synced platforms, one failed.
	m.RegisterAdapter(&fakeAdapter{name: "meta", result: SyncResult{MemberCount: 10, Success: true}})
	m.RegisterAdapter(&fakeAdapter{name: "google", result: SyncResult{MemberCount: 20, Success: true}})
	m.RegisterAdapter(&fakeAdapter{name: "tiktok", result: SyncResult{Success: false, Error: "denied"}})

	for _, platform := range []string{"meta", "google", "tiktok"} {
		_, err := m.SyncToPlatform(context.Background(), audience.ID, platform)
		require.NoError(t, err)
	}

	_, err = m.UpdateAudience(audience.ID, "", []Rule{{Field: "country", Operator: "eq", Value: "US"}})
	require.NoError(t, err)

	meta, _ := m.GetSyncStatus(audience.ID, "meta")
	google, _ := m.GetSyncStatus(audience.ID, "google")
	tiktok, _ := m.GetSyncStatus(audience.ID, "tiktok")

	assert.Equal(t, SyncStale, meta.Status)
	assert.Equal(t, SyncStale, google.Status)
	assert.Equal(t, SyncFailed, tiktok.Status, "failed records are untouched")
}

func TestDeleteAudienceCascades(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	_, err = m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)

	require.NoError(t, m.DeleteAudience(audience.ID))

	_, ok := m.GetAudience(audience.ID)
	assert.False(t, ok)
	_, ok = m.GetSyncStatus(audience.ID, "meta")
	assert.False(t, ok)
	assert.Empty(t, m.GetAllStatus())

	assert.Error(t, m.DeleteAudience(audience.ID))
}

func TestFailedSyncCanBeRetried(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	adapter := &fakeAdapter{name: "meta", err: errors.New("boom")}
	m.RegisterAdapter(adapter)

	record, _ := m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.Equal(t, SyncFailed, record.Status)

	adapter.err = nil
	adapter.result = SyncResult{MemberCount: 42, Success: true}

	record, _ = m.SyncToPlatform(context.Background(), audience.ID, "meta")
	assert.Equal(t, SyncSynced, record.Status)
	assert.Equal(t, 42, record.MemberCount)
	assert.Empty(t, record.Error)
}

func TestStatusHandlerPanicIsolated(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	var seen int
	m.OnStatusChange(func(SyncRecord) { panic("bad handler") })
	m.OnStatusChange(func(SyncRecord) { seen++ })

	_, err = m.SyncToPlatform(context.Background(), audience.ID, "meta")
	require.NoError(t, err)
	assert.Equal(t, 2, seen, "syncing and synced transitions both reach later handlers")
}

func TestConcurrentSyncSameKeySerialized(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	release := make(chan struct{})
	adapter := &fakeAdapter{name: "meta", result: SyncResult{MemberCount: 1, Success: true}, blockCh: release}
	m.RegisterAdapter(adapter)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			m.SyncToPlatform(context.Background(), audience.ID, "meta")
		}()
	}

	// Only one adapter call can be in flight while the first holds the
	// per-key lock.
	time.Sleep(50 * time.Millisecond)
	adapter.mu.Lock()
	inFlight := adapter.calls
	adapter.mu.Unlock()
	assert.Equal(t, 1, inFlight)

	close(release)
	wg.Wait()

	adapter.mu.Lock()
	total := adapter.calls
	adapter.mu.Unlock()
	assert.Equal(t, 2, total)

	record, ok := m.GetSyncStatus(audience.ID, "meta")
	require.True(t, ok)
	assert.Equal(t, SyncSynced, record.Status)
}

func TestSyncAfterLockWaitPushesCurrentRules(t *testing.T) {
	m := newTestManager()
	audience, err := m.CreateAudience("high-intent", testRules)
	require.NoError(t, err)

	release := make(chan struct{})
	adapter := &fakeAdapter{name: "meta", result: SyncResult{MemberCount: 1, Success: true}, blockCh: release}
	m.RegisterAdapter(adapter)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.SyncToPlatform(context.Background(), audience.ID, "meta")
	}()

	// Let the first sync take the per-key lock and block in the adapter,
	// then change the rules underneath it.
	time.Sleep(50 * time.Millisecond)
	updatedRules := []Rule{{Field: "country", Operator: "eq", Value: "US"}}
	_, err = m.UpdateAudience(audience.ID, "", updatedRules)
	require.NoError(t, err)

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.SyncToPlatform(context.Background(), audience.ID, "meta")
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.received, 2)
	assert.Equal(t, updatedRules, adapter.received[1].Rules,
		"a sync that waited out an in-flight one must push the rules as updated meanwhile")
}
