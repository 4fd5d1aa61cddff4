// Package chats holds the chat and chat message entities, the collections that
// expose them to pull, and the mutation handlers that write them during push.
package chats

import (
	"encoding/json"
	"time"
)

// Collection names as they appear in patch keys.
const (
	CollectionChat        = "chat"
	CollectionChatMessage = "chatMessage"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message statuses.
const (
	StatusComplete  = "complete"
	StatusStreaming = "streaming"
	StatusFailed    = "failed"
)

// Chat is a conversation owned by one user.
type Chat struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index:idx_chats_user"`
	Title      string    `gorm:"column:title;size:512;not null"`
	Model      string    `gorm:"column:model;size:190;not null;default:''"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	RowVersion int64     `gorm:"column:row_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Chat) TableName() string {
	return "chats"
}

// ChatMessage is one turn of a chat.
type ChatMessage struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	ChatID     string    `gorm:"column:chat_id;size:190;not null;index:idx_chat_messages_chat"`
	Role       string    `gorm:"column:role;size:32;not null"`
	Content    string    `gorm:"column:content;type:text;not null"`
	Status     string    `gorm:"column:status;size:32;not null;default:'complete'"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
	RowVersion int64     `gorm:"column:row_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// Models lists the entities for schema migration.
func Models() []any {
	return []any{&Chat{}, &ChatMessage{}}
}

type chatPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type chatMessagePayload struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func encodeChat(chat Chat) (json.RawMessage, error) {
	return json.Marshal(chatPayload{
		ID:        chat.ID,
		Title:     chat.Title,
		Model:     chat.Model,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
	})
}

func encodeChatMessage(message ChatMessage) (json.RawMessage, error) {
	return json.Marshal(chatMessagePayload{
		ID:        message.ID,
		ChatID:    message.ChatID,
		Role:      message.Role,
		Content:   message.Content,
		Status:    message.Status,
		CreatedAt: message.CreatedAt,
		UpdatedAt: message.UpdatedAt,
	})
}
