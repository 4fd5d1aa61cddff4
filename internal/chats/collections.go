package chats

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"gorm.io/gorm"
)

const (
	queryChatOwner        = "chats.user_id = ?"
	joinOwningChat        = "JOIN chats ON chats.id = chat_messages.chat_id"
	queryOwnedMessagesIn  = "chats.user_id = ? AND chat_messages.id IN ?"
	queryOwnedChatsIn     = "user_id = ? AND id IN ?"
	selectMessageVersions = "chat_messages.id AS id, chat_messages.row_version AS row_version"
)

type versionRow struct {
	ID         string `gorm:"column:id"`
	RowVersion int64  `gorm:"column:row_version"`
}

func toVersionMap(rows []versionRow) map[string]int64 {
	versions := make(map[string]int64, len(rows))
	for _, row := range rows {
		versions[row.ID] = row.RowVersion
	}
	return versions
}

// Collections returns the pull-visible collections for chats and their messages.
func Collections() []reconcile.Collection {
	return []reconcile.Collection{chatCollection{}, chatMessageCollection{}}
}

type chatCollection struct{}

func (chatCollection) Name() string {
	return CollectionChat
}

func (chatCollection) Versions(ctx context.Context, tx *gorm.DB, userID string) (map[string]int64, error) {
	var rows []versionRow
	if err := tx.WithContext(ctx).
		Model(&Chat{}).
		Select("id", "row_version").
		Where("user_id = ?", userID).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toVersionMap(rows), nil
}

func (chatCollection) Fetch(ctx context.Context, tx *gorm.DB, userID string, ids []string) (map[string]json.RawMessage, error) {
	var chats []Chat
	if err := tx.WithContext(ctx).Where(queryOwnedChatsIn, userID, ids).Find(&chats).Error; err != nil {
		return nil, err
	}
	payloads := make(map[string]json.RawMessage, len(chats))
	for _, chat := range chats {
		payload, err := encodeChat(chat)
		if err != nil {
			return nil, err
		}
		payloads[chat.ID] = payload
	}
	return payloads, nil
}

type chatMessageCollection struct{}

func (chatMessageCollection) Name() string {
	return CollectionChatMessage
}

func (chatMessageCollection) Versions(ctx context.Context, tx *gorm.DB, userID string) (map[string]int64, error) {
	var rows []versionRow
	if err := tx.WithContext(ctx).
		Table(ChatMessage{}.TableName()).
		Select(selectMessageVersions).
		Joins(joinOwningChat).
		Where(queryChatOwner, userID).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toVersionMap(rows), nil
}

func (chatMessageCollection) Fetch(ctx context.Context, tx *gorm.DB, userID string, ids []string) (map[string]json.RawMessage, error) {
	var messages []ChatMessage
	if err := tx.WithContext(ctx).
		Select("chat_messages.*").
		Joins(joinOwningChat).
		Where(queryOwnedMessagesIn, userID, ids).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	payloads := make(map[string]json.RawMessage, len(messages))
	for _, message := range messages {
		payload, err := encodeChatMessage(message)
		if err != nil {
			return nil, err
		}
		payloads[message.ID] = payload
	}
	return payloads, nil
}
