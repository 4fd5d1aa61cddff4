package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Mutation names accepted from clients.
const (
	MutationUpsertChat        = "upsertChat"
	MutationUpsertChatMessage = "upsertChatMessage"
	MutationDeleteChat        = "deleteChat"
	MutationDeleteChatMessage = "deleteChatMessage"
)

const (
	queryID     = "id = ?"
	queryChatID = "chat_id = ?"
)

var validate = validator.New()

// Handlers returns the mutation handlers keyed by mutation name.
func Handlers() map[string]reconcile.MutationHandler {
	return map[string]reconcile.MutationHandler{
		MutationUpsertChat:        reconcile.MutationHandlerFunc(upsertChat),
		MutationUpsertChatMessage: reconcile.MutationHandlerFunc(upsertChatMessage),
		MutationDeleteChat:        reconcile.MutationHandlerFunc(deleteChat),
		MutationDeleteChatMessage: reconcile.MutationHandlerFunc(deleteChatMessage),
	}
}

// ChatArgs is the partial chat payload of an upsertChat mutation.
type ChatArgs struct {
	ID    string  `json:"id"`
	Title *string `json:"title"`
	Model *string `json:"model"`
}

type chatInsert struct {
	ID    string `validate:"required,max=190"`
	Title string `validate:"required,max=512"`
	Model string `validate:"max=190"`
}

type chatUpdate struct {
	Title *string `validate:"omitempty,min=1,max=512"`
	Model *string `validate:"omitempty,max=190"`
}

// newChat validates args as a complete insert and returns the entity to store.
func (args ChatArgs) newChat(userID string, now time.Time) (Chat, error) {
	insert := chatInsert{ID: args.ID, Title: deref(args.Title), Model: deref(args.Model)}
	if err := validateStruct(insert); err != nil {
		return Chat{}, err
	}
	return Chat{
		ID:        insert.ID,
		UserID:    userID,
		Title:     insert.Title,
		Model:     insert.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// merge validates the supplied fields and applies them over stored.
func (args ChatArgs) merge(stored Chat, now time.Time) (Chat, error) {
	if err := validateStruct(chatUpdate{Title: args.Title, Model: args.Model}); err != nil {
		return Chat{}, err
	}
	merged := stored
	if args.Title != nil {
		merged.Title = *args.Title
	}
	if args.Model != nil {
		merged.Model = *args.Model
	}
	merged.UpdatedAt = now
	return merged, nil
}

// ChatMessageArgs is the partial message payload of an upsertChatMessage mutation.
type ChatMessageArgs struct {
	ID      string  `json:"id"`
	ChatID  *string `json:"chatId"`
	Role    *string `json:"role"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

type chatMessageInsert struct {
	ID      string  `validate:"required,max=190"`
	ChatID  string  `validate:"required,max=190"`
	Role    string  `validate:"required,oneof=user assistant system"`
	Content *string `validate:"required"`
	Status  string  `validate:"omitempty,oneof=complete streaming failed"`
}

type chatMessageUpdate struct {
	Role   *string `validate:"omitempty,oneof=user assistant system"`
	Status *string `validate:"omitempty,oneof=complete streaming failed"`
}

func (args ChatMessageArgs) newChatMessage(now time.Time) (ChatMessage, error) {
	insert := chatMessageInsert{
		ID:      args.ID,
		ChatID:  deref(args.ChatID),
		Role:    deref(args.Role),
		Content: args.Content,
		Status:  deref(args.Status),
	}
	if err := validateStruct(insert); err != nil {
		return ChatMessage{}, err
	}
	status := insert.Status
	if status == "" {
		status = StatusComplete
	}
	return ChatMessage{
		ID:        insert.ID,
		ChatID:    insert.ChatID,
		Role:      insert.Role,
		Content:   *insert.Content,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (args ChatMessageArgs) merge(stored ChatMessage, now time.Time) (ChatMessage, error) {
	if args.ChatID != nil && *args.ChatID != stored.ChatID {
		return ChatMessage{}, fmt.Errorf("%w: message %s cannot move to chat %s", reconcile.ErrValidation, stored.ID, *args.ChatID)
	}
	if err := validateStruct(chatMessageUpdate{Role: args.Role, Status: args.Status}); err != nil {
		return ChatMessage{}, err
	}
	merged := stored
	if args.Role != nil {
		merged.Role = *args.Role
	}
	if args.Content != nil {
		merged.Content = *args.Content
	}
	if args.Status != nil {
		merged.Status = *args.Status
	}
	merged.UpdatedAt = now
	return merged, nil
}

type deleteArgs struct {
	ID string `json:"id" validate:"required,max=190"`
}

func upsertChat(ctx context.Context, mc reconcile.MutationContext, raw json.RawMessage) (reconcile.Touched, error) {
	var args ChatArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	tx := mc.Tx.WithContext(ctx)

	existing, found, err := findChat(tx, args.ID)
	if err != nil {
		return nil, err
	}

	var chat Chat
	if !found {
		chat, err = args.newChat(mc.UserID, mc.Now)
	} else {
		if existing.UserID != mc.UserID {
			return nil, fmt.Errorf("%w: chat %s", reconcile.ErrUnauthorized, args.ID)
		}
		chat, err = args.merge(existing, mc.Now)
	}
	if err != nil {
		return nil, err
	}

	if chat.RowVersion, err = reconcile.NextRowVersion(tx); err != nil {
		return nil, err
	}
	if err := tx.Save(&chat).Error; err != nil {
		return nil, err
	}
	return reconcile.Touched{CollectionChat: {chat.ID}}, nil
}

func upsertChatMessage(ctx context.Context, mc reconcile.MutationContext, raw json.RawMessage) (reconcile.Touched, error) {
	var args ChatMessageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return saveChatMessage(ctx, mc, args)
}

func saveChatMessage(ctx context.Context, mc reconcile.MutationContext, args ChatMessageArgs) (reconcile.Touched, error) {
	tx := mc.Tx.WithContext(ctx)

	existing, found, err := findChatMessage(tx, args.ID)
	if err != nil {
		return nil, err
	}

	var message ChatMessage
	if !found {
		message, err = args.newChatMessage(mc.Now)
	} else {
		message, err = args.merge(existing, mc.Now)
	}
	if err != nil {
		return nil, err
	}
	if _, err := LoadOwnedChat(tx, mc.UserID, message.ChatID); err != nil {
		return nil, err
	}

	if message.RowVersion, err = reconcile.NextRowVersion(tx); err != nil {
		return nil, err
	}
	if err := tx.Save(&message).Error; err != nil {
		return nil, err
	}
	return reconcile.Touched{CollectionChatMessage: {message.ID}}, nil
}

func deleteChat(ctx context.Context, mc reconcile.MutationContext, raw json.RawMessage) (reconcile.Touched, error) {
	var args deleteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := validateStruct(args); err != nil {
		return nil, err
	}
	tx := mc.Tx.WithContext(ctx)

	existing, found, err := findChat(tx, args.ID)
	if err != nil || !found {
		return nil, err
	}
	if existing.UserID != mc.UserID {
		return nil, fmt.Errorf("%w: chat %s", reconcile.ErrUnauthorized, args.ID)
	}

	var messageIDs []string
	if err := tx.Model(&ChatMessage{}).Where(queryChatID, args.ID).Pluck("id", &messageIDs).Error; err != nil {
		return nil, err
	}
	if err := tx.Where(queryChatID, args.ID).Delete(&ChatMessage{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Where(queryID, args.ID).Delete(&Chat{}).Error; err != nil {
		return nil, err
	}

	touched := reconcile.Touched{CollectionChat: {args.ID}}
	if len(messageIDs) > 0 {
		touched[CollectionChatMessage] = messageIDs
	}
	return touched, nil
}

func deleteChatMessage(ctx context.Context, mc reconcile.MutationContext, raw json.RawMessage) (reconcile.Touched, error) {
	var args deleteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := validateStruct(args); err != nil {
		return nil, err
	}
	tx := mc.Tx.WithContext(ctx)

	existing, found, err := findChatMessage(tx, args.ID)
	if err != nil || !found {
		return nil, err
	}
	if _, err := LoadOwnedChat(tx, mc.UserID, existing.ChatID); err != nil {
		return nil, err
	}
	if err := tx.Where(queryID, args.ID).Delete(&ChatMessage{}).Error; err != nil {
		return nil, err
	}
	return reconcile.Touched{CollectionChatMessage: {args.ID}}, nil
}

// LoadOwnedChat returns the chat when it exists and belongs to userID. A missing
// chat is a validation failure, a foreign one an authorization failure.
func LoadOwnedChat(tx *gorm.DB, userID, chatID string) (Chat, error) {
	chat, found, err := findChat(tx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if !found {
		return Chat{}, fmt.Errorf("%w: chat %s does not exist", reconcile.ErrValidation, chatID)
	}
	if chat.UserID != userID {
		return Chat{}, fmt.Errorf("%w: chat %s", reconcile.ErrUnauthorized, chatID)
	}
	return chat, nil
}

// ListMessages returns a chat's messages in the order they were written.
func ListMessages(tx *gorm.DB, chatID string) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := tx.Where(queryChatID, chatID).Order("created_at ASC, row_version ASC").Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveAssistantMessage upserts an assistant message with the given content and
// status, stamping a fresh row version so the next pull carries it.
func SaveAssistantMessage(ctx context.Context, mc reconcile.MutationContext, chatID, messageID, content, status string) (reconcile.Touched, error) {
	role := RoleAssistant
	return saveChatMessage(ctx, mc, ChatMessageArgs{
		ID:      messageID,
		ChatID:  &chatID,
		Role:    &role,
		Content: &content,
		Status:  &status,
	})
}

func findChat(tx *gorm.DB, id string) (Chat, bool, error) {
	var chat Chat
	err := tx.Where(queryID, id).Take(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, err
	}
	return chat, true, nil
}

func findChatMessage(tx *gorm.DB, id string) (ChatMessage, bool, error) {
	var message ChatMessage
	err := tx.Where(queryID, id).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatMessage{}, false, nil
	}
	if err != nil {
		return ChatMessage{}, false, err
	}
	return message, true, nil
}

func decodeArgs(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing args", reconcile.ErrValidation)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", reconcile.ErrValidation, err)
	}
	return nil
}

func validateStruct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", reconcile.ErrValidation, err)
	}
	problems := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		problems = append(problems, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
	}
	return fmt.Errorf("%w: %s", reconcile.ErrValidation, strings.Join(problems, ", "))
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
