// Package audience implements the audience store and the per-platform
// sync state machine that tracks replication of audience definitions
// into external advertising platforms.
package audience

import (
	"fmt"
	"time"
)

// Rule is one predicate of an audience definition.
type Rule struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// Audience is an ordered rule set identifying a user segment.
type Audience struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks an audience definition before it enters the store.
func (a Audience) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("audience requires a name")
	}
	if len(a.Rules) == 0 {
		return fmt.Errorf("audience %s requires at least one rule", a.Name)
	}
	for i, rule := range a.Rules {
		if rule.Field == "" || rule.Operator == "" {
			return fmt.Errorf("audience %s rule %d requires field and operator", a.Name, i)
		}
	}
	return nil
}

// SyncStatus is the replication state of one (audience, platform) pair.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	SyncStale   SyncStatus = "stale"
)

// SyncRecord tracks replication of one audience into one platform.
type SyncRecord struct {
	AudienceID   string        `json:"audience_id"`
	Platform     string        `json:"platform"`
	Status       SyncStatus    `json:"status"`
	MemberCount  int           `json:"member_count"`
	LastSyncedAt time.Time     `json:"last_synced_at,omitempty"`
	NextSyncAt   time.Time     `json:"next_sync_at,omitempty"`
	Error        string        `json:"error,omitempty"`
	SyncDuration time.Duration `json:"sync_duration,omitempty"`
}

// SyncResult is what a platform adapter reports back from one sync call.
type SyncResult struct {
	MemberCount int
	Success     bool
	Error       string
}
