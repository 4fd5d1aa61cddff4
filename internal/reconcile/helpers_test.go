package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cvr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testItems       = "item"
	mutationPutItem = "putItem"
	mutationFail    = "alwaysFail"
)

type testItem struct {
	ID         string `gorm:"column:id;primaryKey"`
	UserID     string `gorm:"column:user_id;not null"`
	Value      string `gorm:"column:value"`
	RowVersion int64  `gorm:"column:row_version;not null"`
}

func (testItem) TableName() string {
	return "test_items"
}

type itemCollection struct {
	name string
}

func (c itemCollection) Name() string {
	if c.name == "" {
		return testItems
	}
	return c.name
}

func (itemCollection) Versions(ctx context.Context, tx *gorm.DB, userID string) (map[string]int64, error) {
	var items []testItem
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).Find(&items).Error; err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(items))
	for _, item := range items {
		versions[item.ID] = item.RowVersion
	}
	return versions, nil
}

func (itemCollection) Fetch(ctx context.Context, tx *gorm.DB, userID string, ids []string) (map[string]json.RawMessage, error) {
	var items []testItem
	if err := tx.WithContext(ctx).Where("user_id = ? AND id IN ?", userID, ids).Find(&items).Error; err != nil {
		return nil, err
	}
	payloads := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		payloads[item.ID] = json.RawMessage(fmt.Sprintf(`{"id":%q,"value":%q}`, item.ID, item.Value))
	}
	return payloads, nil
}

// flakyCollection fails every Versions call with a retryable error.
type flakyCollection struct {
	itemCollection
	mu    sync.Mutex
	calls int
}

func (c *flakyCollection) Versions(context.Context, *gorm.DB, string) (map[string]int64, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil, &RetryableError{err: fmt.Errorf("database is locked")}
}

type putItemArgs struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func putItem(ctx context.Context, mc MutationContext, raw json.RawMessage) (Touched, error) {
	var args putItemArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	version, err := NextRowVersion(mc.Tx)
	if err != nil {
		return nil, err
	}
	item := testItem{ID: args.ID, UserID: mc.UserID, Value: args.Value, RowVersion: version}
	if err := mc.Tx.WithContext(ctx).Save(&item).Error; err != nil {
		return nil, err
	}
	return Touched{testItems: {args.ID}}, nil
}

func alwaysFail(context.Context, MutationContext, json.RawMessage) (Touched, error) {
	return nil, fmt.Errorf("%w: rejected", ErrValidation)
}

type recordedPull struct {
	result   string
	duration time.Duration
}

type fakeRecorder struct {
	mu        sync.Mutex
	mutations []string
	pulls     []recordedPull
}

func (r *fakeRecorder) RecordMutation(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations = append(r.mutations, status)
}

func (r *fakeRecorder) RecordPull(result string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, recordedPull{result: result, duration: duration})
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("snap-%d", s.next)
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	cache    *cvr.LRUCache
	recorder *fakeRecorder
}

type harnessOption func(*ServiceConfig)

func withCollections(collections ...Collection) harnessOption {
	return func(cfg *ServiceConfig) {
		cfg.Collections = collections
	}
}

func newTestHarness(t *testing.T, options ...harnessOption) testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:reconcile_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ClientGroup{}, &Client{}, &Sequence{}, &testItem{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cache, err := cvr.NewLRUCache(16, time.Hour)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	recorder := &fakeRecorder{}

	cfg := ServiceConfig{
		Database:    db,
		Snapshots:   cache,
		SnapshotIDs: &sequentialIDs{},
		Handlers: map[string]MutationHandler{
			mutationPutItem: MutationHandlerFunc(putItem),
			mutationFail:    MutationHandlerFunc(alwaysFail),
		},
		Collections: []Collection{itemCollection{}},
		Clock:       func() time.Time { return time.Unix(1700000000, 0) },
		Metrics:     recorder,
	}
	for _, option := range options {
		option(&cfg)
	}

	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct reconcile service: %v", err)
	}
	return testHarness{service: service, db: db, cache: cache, recorder: recorder}
}

func putMutation(clientID string, id int64, itemID, value string) Mutation {
	return Mutation{
		ID:       id,
		ClientID: clientID,
		Name:     mutationPutItem,
		Args:     json.RawMessage(fmt.Sprintf(`{"id":%q,"value":%q}`, itemID, value)),
	}
}

func (h testHarness) lastMutationID(t *testing.T, clientID string) int64 {
	t.Helper()
	var client Client
	if err := h.db.Where("id = ?", clientID).Take(&client).Error; err != nil {
		t.Fatalf("failed to load client %s: %v", clientID, err)
	}
	return client.LastMutationID
}

func (h testHarness) itemCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&testItem{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count items: %v", err)
	}
	return count
}
