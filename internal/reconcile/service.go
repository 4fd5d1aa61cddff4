package reconcile

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cvr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxPullAttempts = 3

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the reconcile service.
type ServiceConfig struct {
	Database        *gorm.DB
	Snapshots       cvr.Cache
	SnapshotIDs     cvr.IDProvider
	Handlers        map[string]MutationHandler
	Collections     []Collection
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         MetricsRecorder
	MaxPullAttempts int
}

// Service implements the push and pull halves of the sync protocol.
type Service struct {
	db              *gorm.DB
	snapshots       cvr.Cache
	snapshotIDs     cvr.IDProvider
	handlers        map[string]MutationHandler
	collections     map[string]Collection
	clock           func() time.Time
	logger          *zap.Logger
	metrics         MetricsRecorder
	maxPullAttempts int
	groupLocks      *keyedMutex
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Snapshots == nil {
		return nil, newServiceError(opServiceNew, "missing_snapshots", errMissingSnapshots)
	}

	snapshotIDs := cfg.SnapshotIDs
	if snapshotIDs == nil {
		snapshotIDs = cvr.NewXIDProvider()
	}

	handlers := make(map[string]MutationHandler, len(cfg.Handlers))
	for name, handler := range cfg.Handlers {
		if handler == nil {
			return nil, newServiceError(opServiceNew, "nil_handler", fmt.Errorf("handler %q is nil", name))
		}
		handlers[name] = handler
	}

	collections := make(map[string]Collection, len(cfg.Collections))
	for _, collection := range cfg.Collections {
		name := collection.Name()
		if name == "" || name == cvr.ClientCollection {
			return nil, newServiceError(opServiceNew, "invalid_collection", fmt.Errorf("collection name %q is reserved or empty", name))
		}
		if _, exists := collections[name]; exists {
			return nil, newServiceError(opServiceNew, "duplicate_collection", fmt.Errorf("collection %q registered twice", name))
		}
		collections[name] = collection
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var metrics MetricsRecorder = noopRecorder{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}

	maxPullAttempts := cfg.MaxPullAttempts
	if maxPullAttempts <= 0 {
		maxPullAttempts = defaultMaxPullAttempts
	}

	return &Service{
		db:              cfg.Database,
		snapshots:       cfg.Snapshots,
		snapshotIDs:     snapshotIDs,
		handlers:        handlers,
		collections:     collections,
		clock:           clock,
		logger:          logger,
		metrics:         metrics,
		maxPullAttempts: maxPullAttempts,
		groupLocks:      newKeyedMutex(),
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("reconcile service error", attrs...)
}
