package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cvr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pull result labels reported to the metrics recorder.
const (
	PullResultPatch    = "patch"
	PullResultNoop     = "noop"
	PullResultDegraded = "degraded"
)

// PullResult is the response to a pull: the next cookie, the cursors of clients
// that advanced, and the patch that brings the client to the next snapshot.
type PullResult struct {
	Cookie                *Cookie
	LastMutationIDChanges map[string]int64
	Patch                 []PatchOperation
}

type pullAttempt struct {
	unchanged   bool
	nextVersion int64
	snapshot    cvr.Snapshot
	diff        cvr.Diff
	payloads    map[string]map[string]json.RawMessage
}

// Pull computes what the client group is missing relative to the snapshot named
// by cookie. Transient store failures are retried; once attempts run out the
// prior cookie is returned with an empty patch.
func (s *Service) Pull(ctx context.Context, userID, clientGroupID string, cookie *Cookie) (PullResult, error) {
	if strings.TrimSpace(userID) == "" {
		return PullResult{}, newServiceError(opPull, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(clientGroupID) == "" {
		return PullResult{}, newServiceError(opPull, "missing_client_group_id", errMissingClientGroup)
	}

	started := s.clock()
	fields := []zap.Field{zap.String(fieldUserID, userID), zap.String(fieldClientGroupID, clientGroupID)}

	var base cvr.Snapshot
	if cookie != nil && cookie.SnapshotID != "" {
		if snapshot, ok := s.snapshots.Get(clientGroupID, cookie.SnapshotID); ok {
			base = snapshot
		} else {
			s.loggerOrDefault().Debug("snapshot not cached, resyncing from scratch",
				append(fields, zap.String("snapshot_id", cookie.SnapshotID))...)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxPullAttempts; attempt++ {
		outcome, err := s.pullOnce(ctx, userID, clientGroupID, cookie, base)
		if err == nil {
			result := s.finishPull(clientGroupID, base, cookie, outcome)
			label := PullResultPatch
			if outcome.unchanged {
				label = PullResultNoop
			}
			s.metrics.RecordPull(label, s.clock().Sub(started))
			return result, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			s.logError(opPull, "unauthorized", err, fields...)
			return PullResult{}, newServiceError(opPull, "unauthorized", err)
		}
		if !IsRetryable(err) {
			s.logError(opPull, "transaction_failed", err, fields...)
			return PullResult{}, newServiceError(opPull, "transaction_failed", err)
		}
		lastErr = err
		s.loggerOrDefault().Warn("pull attempt failed", append(fields, zap.Int("attempt", attempt), zap.Error(err))...)
	}

	s.logError(opPull, "attempts_exhausted", lastErr, fields...)
	s.metrics.RecordPull(PullResultDegraded, s.clock().Sub(started))
	return PullResult{
		Cookie:                cookie,
		LastMutationIDChanges: map[string]int64{},
		Patch:                 []PatchOperation{},
	}, nil
}

func (s *Service) pullOnce(ctx context.Context, userID, clientGroupID string, cookie *Cookie, base cvr.Snapshot) (pullAttempt, error) {
	var attempt pullAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := loadOrCreateClientGroup(tx, userID, clientGroupID, s.now())
		if err != nil {
			return err
		}

		next := cvr.NewSnapshot()
		for _, name := range s.collectionNames() {
			versions, err := s.collections[name].Versions(ctx, tx, userID)
			if err != nil {
				return err
			}
			next.Put(name, versions)
		}
		clientVersions, err := listClientVersions(tx, clientGroupID)
		if err != nil {
			return err
		}
		next.Put(cvr.ClientCollection, clientVersions)

		diff := cvr.Compare(base, next)
		if base != nil && diff.IsEmpty() {
			attempt.unchanged = true
			return nil
		}

		payloads := make(map[string]map[string]json.RawMessage, len(s.collections))
		for _, name := range s.collectionNames() {
			puts := diff[name].Puts
			if len(puts) == 0 {
				continue
			}
			fetched, err := s.collections[name].Fetch(ctx, tx, userID, puts)
			if err != nil {
				return err
			}
			payloads[name] = fetched
		}

		var previousOrder int64
		if cookie != nil {
			previousOrder = cookie.Order
		}
		nextVersion := max(previousOrder, group.CVRVersion) + 1
		if err := storeCVRVersion(tx, clientGroupID, nextVersion); err != nil {
			return err
		}

		attempt.nextVersion = nextVersion
		attempt.snapshot = next
		attempt.diff = diff
		attempt.payloads = payloads
		return nil
	})
	if err != nil {
		return pullAttempt{}, classifyStoreError(err)
	}
	return attempt, nil
}

func (s *Service) finishPull(clientGroupID string, base cvr.Snapshot, cookie *Cookie, attempt pullAttempt) PullResult {
	if attempt.unchanged {
		return PullResult{
			Cookie:                cookie,
			LastMutationIDChanges: map[string]int64{},
			Patch:                 []PatchOperation{},
		}
	}

	snapshotID := s.snapshotIDs.NewID()
	s.snapshots.Put(clientGroupID, snapshotID, attempt.snapshot)

	patch := make([]PatchOperation, 0)
	if base == nil {
		patch = append(patch, PatchOperation{Op: PatchOpClear})
	}
	for _, name := range attempt.diff.Collections() {
		if name == cvr.ClientCollection {
			continue
		}
		collectionDiff := attempt.diff[name]
		for _, id := range collectionDiff.Dels {
			patch = append(patch, PatchOperation{Op: PatchOpDel, Key: patchKey(name, id)})
		}
		for _, id := range collectionDiff.Puts {
			value, ok := attempt.payloads[name][id]
			if !ok {
				continue
			}
			patch = append(patch, PatchOperation{Op: PatchOpPut, Key: patchKey(name, id), Value: value})
		}
	}

	changes := make(map[string]int64)
	clientVersions := attempt.snapshot[cvr.ClientCollection]
	for _, clientID := range attempt.diff[cvr.ClientCollection].Puts {
		changes[clientID] = clientVersions[clientID]
	}

	return PullResult{
		Cookie:                &Cookie{Order: attempt.nextVersion, SnapshotID: snapshotID},
		LastMutationIDChanges: changes,
		Patch:                 patch,
	}
}

func (s *Service) collectionNames() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func patchKey(collection, id string) string {
	return collection + "/" + id
}
