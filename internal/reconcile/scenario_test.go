package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/chats"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cvr"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixedIDs struct {
	next int
}

func (f *fixedIDs) NewID() string {
	f.next++
	return fmt.Sprintf("S%d", f.next)
}

func newChatService(t *testing.T) (*reconcile.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:scenario_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&reconcile.ClientGroup{}, &reconcile.Client{}, &reconcile.Sequence{}}, chats.Models()...)
	require.NoError(t, db.AutoMigrate(models...))

	cache, err := cvr.NewLRUCache(64, time.Hour)
	require.NoError(t, err)

	service, err := reconcile.NewService(reconcile.ServiceConfig{
		Database:    db,
		Snapshots:   cache,
		SnapshotIDs: &fixedIDs{},
		Handlers:    chats.Handlers(),
		Collections: chats.Collections(),
	})
	require.NoError(t, err)
	return service, db
}

func mutation(clientID string, id int64, name string, args string) reconcile.Mutation {
	return reconcile.Mutation{ID: id, ClientID: clientID, Name: name, Args: json.RawMessage(args)}
}

func patchKeys(patch []reconcile.PatchOperation) []string {
	keys := make([]string, 0, len(patch))
	for _, operation := range patch {
		if operation.Op == reconcile.PatchOpClear {
			keys = append(keys, "clear")
			continue
		}
		keys = append(keys, operation.Op+" "+operation.Key)
	}
	return keys
}

func lastMutationID(t *testing.T, db *gorm.DB, clientID string) int64 {
	t.Helper()
	var client reconcile.Client
	require.NoError(t, db.Where("id = ?", clientID).Take(&client).Error)
	return client.LastMutationID
}

func TestFirstPullReturnsClearAndEveryEntity(t *testing.T) {
	service, _ := newChatService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`),
		mutation("client-1", 2, chats.MutationUpsertChatMessage, `{"id":"m1","chatId":"c1","role":"user","content":"hi"}`),
	})
	require.NoError(t, err)

	result, err := service.Pull(ctx, "user-1", "group-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"clear", "put chat/c1", "put chatMessage/m1"}, patchKeys(result.Patch))
	assert.Equal(t, &reconcile.Cookie{Order: 1, SnapshotID: "S1"}, result.Cookie)
	assert.Equal(t, map[string]int64{"client-1": 2}, result.LastMutationIDChanges)
}

func TestPushCreatesChatAndAdvancesCursor(t *testing.T) {
	service, db := newChatService(t)

	result, err := service.Push(context.Background(), "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`),
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, reconcile.MutationApplied, result.Outcomes[0].Status)
	assert.Equal(t, []string{"c1"}, result.Touched[chats.CollectionChat])

	var chat chats.Chat
	require.NoError(t, db.Where("id = ?", "c1").Take(&chat).Error)
	assert.Equal(t, "user-1", chat.UserID)
	assert.Equal(t, int64(1), lastMutationID(t, db, "client-1"))
}

func TestRepushedMutationIsIgnored(t *testing.T) {
	service, db := newChatService(t)
	ctx := context.Background()
	insert := mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`)

	_, err := service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{insert})
	require.NoError(t, err)

	result, err := service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		insert,
		mutation("client-1", 2, chats.MutationUpsertChat, `{"id":"c2","title":"Second"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.MutationSkipped, result.Outcomes[0].Status)
	assert.Equal(t, reconcile.MutationApplied, result.Outcomes[1].Status)

	var count int64
	require.NoError(t, db.Model(&chats.Chat{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(2), lastMutationID(t, db, "client-1"))
}

func TestFutureMutationIsRejected(t *testing.T) {
	service, db := newChatService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`),
	})
	require.NoError(t, err)

	_, err = service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 3, chats.MutationUpsertChat, `{"id":"c3","title":"Future"}`),
	})
	require.True(t, errors.Is(err, reconcile.ErrOrdering), "expected ordering error, got %v", err)
	assert.Equal(t, int64(1), lastMutationID(t, db, "client-1"))

	var count int64
	require.NoError(t, db.Model(&chats.Chat{}).Where("id = ?", "c3").Count(&count).Error)
	assert.Zero(t, count)
}

func TestRepeatedPullWithoutWritesIsNoop(t *testing.T) {
	service, _ := newChatService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`),
	})
	require.NoError(t, err)

	first, err := service.Pull(ctx, "user-1", "group-1", nil)
	require.NoError(t, err)
	second, err := service.Pull(ctx, "user-1", "group-1", first.Cookie)
	require.NoError(t, err)

	assert.Equal(t, first.Cookie, second.Cookie)
	assert.Empty(t, second.Patch)
	assert.Empty(t, second.LastMutationIDChanges)
}

func TestOtherSessionWriteAppearsAsPut(t *testing.T) {
	service, db := newChatService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, "user-1", "group-phone", []reconcile.Mutation{
		mutation("phone", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`),
		mutation("phone", 2, chats.MutationUpsertChatMessage, `{"id":"m1","chatId":"c1","role":"user","content":"hi"}`),
	})
	require.NoError(t, err)

	first, err := service.Pull(ctx, "user-1", "group-laptop", nil)
	require.NoError(t, err)

	var before chats.ChatMessage
	require.NoError(t, db.Where("id = ?", "m1").Take(&before).Error)

	_, err = service.Push(ctx, "user-1", "group-phone", []reconcile.Mutation{
		mutation("phone", 3, chats.MutationUpsertChatMessage, `{"id":"m2","chatId":"c1","role":"assistant","content":"hello"}`),
	})
	require.NoError(t, err)

	second, err := service.Pull(ctx, "user-1", "group-laptop", first.Cookie)
	require.NoError(t, err)
	assert.Equal(t, []string{"put chatMessage/m2"}, patchKeys(second.Patch))
	assert.Greater(t, second.Cookie.Order, first.Cookie.Order)
	assert.Empty(t, second.LastMutationIDChanges)

	var after chats.ChatMessage
	require.NoError(t, db.Where("id = ?", "m2").Take(&after).Error)
	assert.Greater(t, after.RowVersion, before.RowVersion)
}

func TestDeletedChatProducesDeletes(t *testing.T) {
	service, _ := newChatService(t)
	ctx := context.Background()

	_, err := service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1","title":"Hello"}`),
		mutation("client-1", 2, chats.MutationUpsertChatMessage, `{"id":"m1","chatId":"c1","role":"user","content":"hi"}`),
	})
	require.NoError(t, err)
	first, err := service.Pull(ctx, "user-1", "group-1", nil)
	require.NoError(t, err)

	_, err = service.Push(ctx, "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 3, chats.MutationDeleteChat, `{"id":"c1"}`),
	})
	require.NoError(t, err)

	second, err := service.Pull(ctx, "user-1", "group-1", first.Cookie)
	require.NoError(t, err)
	assert.Equal(t, []string{"del chat/c1", "del chatMessage/m1"}, patchKeys(second.Patch))
	assert.Equal(t, map[string]int64{"client-1": 3}, second.LastMutationIDChanges)
}

func TestInvalidInsertIsRecordedAsFailed(t *testing.T) {
	service, db := newChatService(t)

	result, err := service.Push(context.Background(), "user-1", "group-1", []reconcile.Mutation{
		mutation("client-1", 1, chats.MutationUpsertChat, `{"id":"c1"}`),
		mutation("client-1", 2, chats.MutationUpsertChat, `{"id":"c2","title":"Valid"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.MutationFailed, result.Outcomes[0].Status)
	assert.True(t, errors.Is(result.Outcomes[0].Err, reconcile.ErrValidation))
	assert.Equal(t, reconcile.MutationApplied, result.Outcomes[1].Status)
	assert.Equal(t, int64(2), lastMutationID(t, db, "client-1"))
}
