package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// ClientGroup is one user's logical sync session, shared by several clients.
type ClientGroup struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_client_groups_user"`
	CVRVersion int64     `gorm:"column:cvr_version;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (ClientGroup) TableName() string {
	return "client_groups"
}

// Client tracks one device or tab's mutation cursor.
type Client struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	ClientGroupID  string    `gorm:"column:client_group_id;size:190;not null;index:idx_clients_group"`
	LastMutationID int64     `gorm:"column:last_mutation_id;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Client) TableName() string {
	return "clients"
}

// Mutation is a client-submitted write intent. ID is the client-local sequence number.
type Mutation struct {
	ID       int64
	ClientID string
	Name     string
	Args     json.RawMessage
}

// Cookie is the client's opaque sync checkpoint.
type Cookie struct {
	Order      int64  `json:"order"`
	SnapshotID string `json:"snapshotID"`
}

// Patch operation kinds.
const (
	PatchOpClear = "clear"
	PatchOpPut   = "put"
	PatchOpDel   = "del"
)

// PatchOperation is one step a client applies to reach the next snapshot.
type PatchOperation struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Touched lists entity ids per collection affected by a push.
type Touched map[string][]string

func (t Touched) add(other Touched) {
	for collection, ids := range other {
		existing := t[collection]
		seen := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			seen[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			existing = append(existing, id)
		}
		t[collection] = existing
	}
}

// MutationContext is handed to a handler for the duration of one mutation.
type MutationContext struct {
	Tx     *gorm.DB
	UserID string
	Now    time.Time
}

// MutationHandler applies the business effect of one named mutation.
type MutationHandler interface {
	Apply(ctx context.Context, mc MutationContext, args json.RawMessage) (Touched, error)
}

// MutationHandlerFunc adapts a function to MutationHandler.
type MutationHandlerFunc func(ctx context.Context, mc MutationContext, args json.RawMessage) (Touched, error)

// Apply calls f.
func (f MutationHandlerFunc) Apply(ctx context.Context, mc MutationContext, args json.RawMessage) (Touched, error) {
	return f(ctx, mc, args)
}

// Collection enumerates one entity type visible to a user.
type Collection interface {
	Name() string
	// Versions returns the row version of every entity visible to userID.
	Versions(ctx context.Context, tx *gorm.DB, userID string) (map[string]int64, error)
	// Fetch returns full JSON payloads keyed by id for the requested ids.
	Fetch(ctx context.Context, tx *gorm.DB, userID string, ids []string) (map[string]json.RawMessage, error)
}

// MetricsRecorder receives push and pull observations.
type MetricsRecorder interface {
	RecordMutation(status string)
	RecordPull(result string, duration time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordMutation(string) {}

func (noopRecorder) RecordPull(string, time.Duration) {}
