package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MutationStatus is the terminal state of one processed mutation.
type MutationStatus string

const (
	// MutationApplied means the business effect committed with the cursor advance.
	MutationApplied MutationStatus = "applied"
	// MutationSkipped means the mutation was already applied and was ignored.
	MutationSkipped MutationStatus = "skipped"
	// MutationFailed means the handler failed and only the cursor advance committed.
	MutationFailed MutationStatus = "failed"
)

const (
	fieldUserID        = "user_id"
	fieldClientGroupID = "client_group_id"
	fieldClientID      = "client_id"
	fieldMutationID    = "mutation_id"
	fieldMutationName  = "mutation_name"
)

// MutationOutcome reports what happened to one mutation of a push.
type MutationOutcome struct {
	ID       int64
	ClientID string
	Name     string
	Status   MutationStatus
	Err      error
}

// PushResult aggregates outcomes and the entities touched by applied mutations.
type PushResult struct {
	Outcomes []MutationOutcome
	Touched  Touched
}

// Push applies mutations strictly in order, one transaction per mutation.
// Already-applied mutations are skipped and a failing handler still advances the
// cursor. An authorization or ordering failure stops the batch; the outcomes of
// the mutations processed before it are returned alongside the error.
func (s *Service) Push(ctx context.Context, userID, clientGroupID string, mutations []Mutation) (PushResult, error) {
	result := PushResult{Outcomes: make([]MutationOutcome, 0, len(mutations)), Touched: Touched{}}
	if strings.TrimSpace(userID) == "" {
		return result, newServiceError(opPush, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(clientGroupID) == "" {
		return result, newServiceError(opPush, "missing_client_group_id", errMissingClientGroup)
	}

	unlock := s.groupLocks.Lock(clientGroupID)
	defer unlock()

	for _, mutation := range mutations {
		outcome, touched, err := s.processMutation(ctx, userID, clientGroupID, mutation)
		if err != nil {
			return result, err
		}
		s.metrics.RecordMutation(string(outcome.Status))
		result.Outcomes = append(result.Outcomes, outcome)
		result.Touched.add(touched)
	}
	return result, nil
}

func (s *Service) processMutation(ctx context.Context, userID, clientGroupID string, mutation Mutation) (MutationOutcome, Touched, error) {
	outcome := MutationOutcome{ID: mutation.ID, ClientID: mutation.ClientID, Name: mutation.Name}
	fields := []zap.Field{
		zap.String(fieldUserID, userID),
		zap.String(fieldClientGroupID, clientGroupID),
		zap.String(fieldClientID, mutation.ClientID),
		zap.Int64(fieldMutationID, mutation.ID),
		zap.String(fieldMutationName, mutation.Name),
	}
	if strings.TrimSpace(mutation.ClientID) == "" {
		return outcome, nil, newServiceError(opPush, "missing_client_id", errMissingClientID)
	}

	var (
		touched    Touched
		handlerErr error
		skipped    bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if _, err := loadOrCreateClientGroup(tx, userID, clientGroupID, now); err != nil {
			return err
		}
		client, err := loadOrCreateClient(tx, clientGroupID, mutation.ClientID, now)
		if err != nil {
			return err
		}

		expected := client.LastMutationID + 1
		switch {
		case mutation.ID < expected:
			skipped = true
			return nil
		case mutation.ID > expected:
			return fmt.Errorf("%w: client %s expected mutation %d, got %d", ErrOrdering, mutation.ClientID, expected, mutation.ID)
		}

		touched, handlerErr = s.dispatch(ctx, MutationContext{Tx: tx, UserID: userID, Now: now}, mutation)
		if handlerErr != nil {
			return handlerErr
		}
		return advanceClient(tx, mutation.ClientID, expected)
	})

	if handlerErr != nil {
		s.logError(opPush, "mutation_failed", handlerErr, fields...)
		if err := s.recordFailedMutation(ctx, userID, clientGroupID, mutation); err != nil {
			return outcome, nil, err
		}
		outcome.Status = MutationFailed
		outcome.Err = handlerErr
		return outcome, nil, nil
	}
	if txErr != nil {
		switch {
		case errors.Is(txErr, ErrUnauthorized):
			s.logError(opPush, "unauthorized", txErr, fields...)
			return outcome, nil, newServiceError(opPush, "unauthorized", txErr)
		case errors.Is(txErr, ErrOrdering):
			s.logError(opPush, "ordering_violation", txErr, fields...)
			return outcome, nil, newServiceError(opPush, "ordering_violation", txErr)
		default:
			s.logError(opPush, "transaction_failed", txErr, fields...)
			return outcome, nil, newServiceError(opPush, "transaction_failed", classifyStoreError(txErr))
		}
	}

	if skipped {
		s.loggerOrDefault().Debug("mutation already applied", fields...)
		outcome.Status = MutationSkipped
		return outcome, nil, nil
	}
	outcome.Status = MutationApplied
	return outcome, touched, nil
}

// recordFailedMutation advances the cursor without the business effect so that a
// poisoned mutation cannot block the client forever.
func (s *Service) recordFailedMutation(ctx context.Context, userID, clientGroupID string, mutation Mutation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		if _, err := loadOrCreateClientGroup(tx, userID, clientGroupID, now); err != nil {
			return err
		}
		client, err := loadOrCreateClient(tx, clientGroupID, mutation.ClientID, now)
		if err != nil {
			return err
		}
		expected := client.LastMutationID + 1
		if mutation.ID != expected {
			return fmt.Errorf("%w: client %s expected mutation %d while recording failure of %d", ErrOrdering, mutation.ClientID, expected, mutation.ID)
		}
		return advanceClient(tx, mutation.ClientID, expected)
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return newServiceError(opPush, "unauthorized", err)
	case errors.Is(err, ErrOrdering):
		return newServiceError(opPush, "ordering_violation", err)
	default:
		s.logError(opPush, "record_failure_failed", err,
			zap.String(fieldClientID, mutation.ClientID),
			zap.Int64(fieldMutationID, mutation.ID))
		return newServiceError(opPush, "record_failure_failed", classifyStoreError(err))
	}
}

func (s *Service) dispatch(ctx context.Context, mc MutationContext, mutation Mutation) (Touched, error) {
	handler, ok := s.handlers[mutation.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutation, mutation.Name)
	}
	return handler.Apply(ctx, mc, mutation.Args)
}
