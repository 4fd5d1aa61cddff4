package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/auth"
	"github.com/MarcoPoloResearchLab/chatsync/internal/completion"
	"github.com/MarcoPoloResearchLab/chatsync/internal/notify"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "chatsync_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSyncService      = errors.New("sync service dependency required")
)

// SessionValidator resolves the authenticated user of a request.
type SessionValidator interface {
	UserID(r *http.Request) (string, error)
}

// SyncService is the push and pull protocol.
type SyncService interface {
	Push(ctx context.Context, userID, clientGroupID string, mutations []reconcile.Mutation) (reconcile.PushResult, error)
	Pull(ctx context.Context, userID, clientGroupID string, cookie *reconcile.Cookie) (reconcile.PullResult, error)
}

// CompletionService streams assistant replies.
type CompletionService interface {
	Start(ctx context.Context, req completion.Request) (<-chan completion.Event, error)
}

// Publisher receives the entities touched by a push.
type Publisher interface {
	Publish(message notify.Message)
}

// Dependencies wires the HTTP handler. Completions, Notifier and Metrics are
// optional. AllowedOrigins enables credentialed CORS for the listed origins.
type Dependencies struct {
	SessionValidator SessionValidator
	SyncService      SyncService
	Completions      CompletionService
	Notifier         Publisher
	Metrics          http.Handler
	AllowedOrigins   []string
	Clock            func() time.Time
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		sync:        deps.SyncService,
		completions: deps.Completions,
		notifier:    deps.Notifier,
		clock:       clock,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.POST("/pull", handler.handlePull)
	if deps.Completions != nil {
		protected.POST("/chats/:chatID/completions", handler.handleCompletion)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		MaxAge:       12 * time.Hour,
	}
	// Session cookies only travel to origins named explicitly; any other
	// caller has to present a bearer token.
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions    SessionValidator
	sync        SyncService
	completions CompletionService
	notifier    Publisher
	clock       func() time.Time
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, err := h.sessions.UserID(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type mutationPayload struct {
	ID       int64           `json:"id"`
	ClientID string          `json:"clientID"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

type pushRequestPayload struct {
	ClientGroupID string            `json:"clientGroupID"`
	Mutations     []mutationPayload `json:"mutations"`
}

type mutationResultPayload struct {
	ID       int64  `json:"id"`
	ClientID string `json:"clientID"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type pushResponsePayload struct {
	Results []mutationResultPayload `json:"results"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientGroupID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mutations := make([]reconcile.Mutation, 0, len(request.Mutations))
	for _, mutation := range request.Mutations {
		if strings.TrimSpace(mutation.ClientID) == "" || strings.TrimSpace(mutation.Name) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mutation"})
			return
		}
		mutations = append(mutations, reconcile.Mutation{
			ID:       mutation.ID,
			ClientID: mutation.ClientID,
			Name:     mutation.Name,
			Args:     mutation.Args,
		})
	}

	result, err := h.sync.Push(c.Request.Context(), userID, request.ClientGroupID, mutations)
	h.notify(userID, result.Touched)
	response := pushResponsePayload{Results: collectMutationResults(result.Outcomes)}
	if err != nil {
		status, public := classifySyncError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("push failed", zap.Error(err), zap.String("client_group_id", request.ClientGroupID))
		}
		c.JSON(status, gin.H{"error": public, "code": errorCode(err), "results": response.Results})
		return
	}
	c.JSON(http.StatusOK, response)
}

func collectMutationResults(outcomes []reconcile.MutationOutcome) []mutationResultPayload {
	results := make([]mutationResultPayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		result := mutationResultPayload{
			ID:       outcome.ID,
			ClientID: outcome.ClientID,
			Status:   string(outcome.Status),
		}
		if outcome.Err != nil {
			result.Error = outcome.Err.Error()
		}
		results = append(results, result)
	}
	return results
}

type pullRequestPayload struct {
	ClientGroupID string            `json:"clientGroupID"`
	Cookie        *reconcile.Cookie `json:"cookie"`
}

type pullResponsePayload struct {
	Cookie                *reconcile.Cookie          `json:"cookie"`
	LastMutationIDChanges map[string]int64           `json:"lastMutationIDChanges"`
	Patch                 []reconcile.PatchOperation `json:"patch"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request pullRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientGroupID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.sync.Pull(c.Request.Context(), userID, request.ClientGroupID, request.Cookie)
	if err != nil {
		status, public := classifySyncError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("pull failed", zap.Error(err), zap.String("client_group_id", request.ClientGroupID))
		}
		c.JSON(status, gin.H{"error": public, "code": errorCode(err)})
		return
	}

	response := pullResponsePayload{
		Cookie:                result.Cookie,
		LastMutationIDChanges: result.LastMutationIDChanges,
		Patch:                 result.Patch,
	}
	if response.LastMutationIDChanges == nil {
		response.LastMutationIDChanges = map[string]int64{}
	}
	if response.Patch == nil {
		response.Patch = []reconcile.PatchOperation{}
	}
	c.JSON(http.StatusOK, response)
}

type completionRequestPayload struct {
	MessageID string `json:"messageID"`
}

type completionEventPayload struct {
	MessageID string `json:"messageID"`
	Data      string `json:"data"`
}

func (h *httpHandler) handleCompletion(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request completionRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	events, err := h.completions.Start(c.Request.Context(), completion.Request{
		UserID:    userID,
		ChatID:    c.Param("chatID"),
		MessageID: request.MessageID,
	})
	if err != nil {
		status, public := classifySyncError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("completion failed to start", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": public, "code": errorCode(err)})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	for event := range events {
		c.SSEvent(event.Type, completionEventPayload{MessageID: event.MessageID, Data: event.Data})
		c.Writer.Flush()
	}
}

func (h *httpHandler) notify(userID string, touched reconcile.Touched) {
	if h.notifier == nil || len(touched) == 0 {
		return
	}
	h.notifier.Publish(notify.Message{
		UserID:    userID,
		EventType: notify.EventEntitiesChanged,
		Touched:   touched,
		Timestamp: h.clock().UTC(),
	})
}

func classifySyncError(err error) (int, string) {
	switch {
	case errors.Is(err, reconcile.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, reconcile.ErrOrdering):
		return http.StatusConflict, "ordering_violation"
	case errors.Is(err, reconcile.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type codedError interface {
	Code() string
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
