package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/chats"
	"github.com/MarcoPoloResearchLab/chatsync/internal/notify"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stream event types.
const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

const defaultBufferSize = 32

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingGenerator = errors.New("generator is required")
	errMissingUserID    = errors.New("user id is required")
	errMissingChatID    = errors.New("chat id is required")
)

// Event is one item of a completion stream.
type Event struct {
	Type      string
	MessageID string
	Data      string
}

// Request identifies the chat to reply in and the assistant message to write.
// An empty MessageID is assigned by the service.
type Request struct {
	UserID    string
	ChatID    string
	MessageID string
}

// Publisher receives change notifications after the assistant message is written.
type Publisher interface {
	Publish(message notify.Message)
}

// ServiceConfig describes the dependencies of the completion service.
type ServiceConfig struct {
	Database   *gorm.DB
	Generator  Generator
	Publisher  Publisher
	BufferSize int
	Clock      func() time.Time
	MessageIDs func() (string, error)
	Logger     *zap.Logger
}

// Service runs generations and persists their output.
type Service struct {
	db         *gorm.DB
	generator  Generator
	publisher  Publisher
	bufferSize int
	clock      func() time.Time
	messageIDs func() (string, error)
	logger     *zap.Logger
}

// ServiceError wraps completion failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(reason string, cause error) error {
	return &ServiceError{code: "completion." + reason, err: cause}
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError("new.missing_database", errMissingDatabase)
	}
	if cfg.Generator == nil {
		return nil, newServiceError("new.missing_generator", errMissingGenerator)
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	messageIDs := cfg.MessageIDs
	if messageIDs == nil {
		messageIDs = newMessageID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		generator:  cfg.Generator,
		publisher:  cfg.Publisher,
		bufferSize: bufferSize,
		clock:      clock,
		messageIDs: messageIDs,
		logger:     logger,
	}, nil
}

func newMessageID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Start writes an empty streaming assistant message, then runs the generator
// in the background. Chunks are forwarded on the returned channel, which ends
// with a done or error event and is then closed. The final message row is
// written even when ctx is cancelled mid-stream.
func (s *Service) Start(ctx context.Context, req Request) (<-chan Event, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, newServiceError("start.missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, newServiceError("start.missing_chat_id", errMissingChatID)
	}
	if req.MessageID == "" {
		id, err := s.messageIDs()
		if err != nil {
			return nil, newServiceError("start.message_id_failed", err)
		}
		req.MessageID = id
	}

	history, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan string, s.bufferSize)
	events := make(chan Event, s.bufferSize)
	generated := make(chan error, 1)

	go func() {
		defer close(chunks)
		generated <- s.generator.Generate(ctx, history, chunks)
	}()
	go s.consume(ctx, req, chunks, generated, events)

	return events, nil
}

func (s *Service) prepare(ctx context.Context, req Request) ([]Turn, error) {
	var history []Turn
	var touched reconcile.Touched
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := chats.LoadOwnedChat(tx, req.UserID, req.ChatID); err != nil {
			return err
		}
		messages, err := chats.ListMessages(tx, req.ChatID)
		if err != nil {
			return err
		}
		for _, message := range messages {
			if message.ID == req.MessageID {
				if message.Role != chats.RoleAssistant {
					return fmt.Errorf("%w: message %s is not an assistant message", reconcile.ErrValidation, message.ID)
				}
				continue
			}
			history = append(history, Turn{Role: message.Role, Content: message.Content})
		}
		touched, err = chats.SaveAssistantMessage(ctx, s.mutationContext(tx, req.UserID), req.ChatID, req.MessageID, "", chats.StatusStreaming)
		return err
	})
	if err != nil {
		s.logError("prepare_failed", err, req)
		switch {
		case errors.Is(err, reconcile.ErrUnauthorized):
			return nil, newServiceError("start.unauthorized", err)
		case errors.Is(err, reconcile.ErrValidation):
			return nil, newServiceError("start.invalid_request", err)
		default:
			return nil, newServiceError("start.store_failed", err)
		}
	}
	s.publish(req.UserID, touched)
	return history, nil
}

func (s *Service) consume(ctx context.Context, req Request, chunks <-chan string, generated <-chan error, events chan<- Event) {
	defer close(events)

	var content strings.Builder
	for chunk := range chunks {
		content.WriteString(chunk)
		s.emit(ctx, events, Event{Type: EventChunk, MessageID: req.MessageID, Data: chunk})
	}

	generateErr := <-generated
	status := chats.StatusComplete
	if generateErr != nil {
		status = chats.StatusFailed
		s.logError("generation_failed", generateErr, req)
	}

	// The client may be gone; the reply still has to land for the next pull.
	storeCtx := context.WithoutCancel(ctx)
	var touched reconcile.Touched
	err := s.db.WithContext(storeCtx).Transaction(func(tx *gorm.DB) error {
		var saveErr error
		touched, saveErr = chats.SaveAssistantMessage(storeCtx, s.mutationContext(tx, req.UserID), req.ChatID, req.MessageID, content.String(), status)
		return saveErr
	})
	if err != nil {
		s.logError("store_failed", err, req)
		s.emit(ctx, events, Event{Type: EventError, MessageID: req.MessageID, Data: err.Error()})
		return
	}
	s.publish(req.UserID, touched)

	if generateErr != nil {
		s.emit(ctx, events, Event{Type: EventError, MessageID: req.MessageID, Data: generateErr.Error()})
		return
	}
	s.emit(ctx, events, Event{Type: EventDone, MessageID: req.MessageID, Data: content.String()})
}

func (s *Service) emit(ctx context.Context, events chan<- Event, event Event) {
	select {
	case events <- event:
	case <-ctx.Done():
	}
}

func (s *Service) mutationContext(tx *gorm.DB, userID string) reconcile.MutationContext {
	return reconcile.MutationContext{Tx: tx, UserID: userID, Now: s.clock().UTC()}
}

func (s *Service) publish(userID string, touched reconcile.Touched) {
	if s.publisher == nil || len(touched) == 0 {
		return
	}
	s.publisher.Publish(notify.Message{
		UserID:    userID,
		EventType: notify.EventEntitiesChanged,
		Touched:   touched,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Service) logError(reason string, err error, req Request) {
	s.logger.Error("completion service error",
		zap.String("operation", "completion.start"),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("user_id", req.UserID),
		zap.String("chat_id", req.ChatID),
		zap.String("message_id", req.MessageID),
	)
}
