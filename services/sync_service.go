package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"geo-prize-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaxSyncAttempts bounds retries before an action needs manual intervention.
const MaxSyncAttempts = 3

// IncomingAction is one client-buffered action as submitted in a sync batch.
// The ID is generated client-side so resubmitting an unacknowledged batch is
// idempotent.
type IncomingAction struct {
	ID              string               `json:"id"`
	ActionType      models.ActionType    `json:"action_type"`
	Payload         models.ActionPayload `json:"payload"`
	ClientTimestamp time.Time            `json:"client_timestamp"`
}

// ActionResult is the per-action outcome of a sync batch. Every accepted
// action terminates in exactly one of synced/failed/conflict.
type ActionResult struct {
	ActionID       string              `json:"action_id"`
	Status         models.ActionStatus `json:"status"`
	ResultCode     string              `json:"result_code,omitempty"`
	ConflictDetail string              `json:"conflict_detail,omitempty"`
	Claim          *models.Claim       `json:"claim,omitempty"`
}

// SyncStatus aggregates a user's queued actions by status.
type SyncStatus struct {
	Pending  int64 `json:"pending"`
	Syncing  int64 `json:"syncing"`
	Synced   int64 `json:"synced"`
	Failed   int64 `json:"failed"`
	Conflict int64 `json:"conflict"`
}

type SyncService struct {
	DB     *gorm.DB
	Claims *ClaimService

	// Per-user serialization keeps conflict detection meaningful. Correctness
	// does not depend on it: every action is independently idempotent, and
	// other instances share only the database.
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewSyncService(db *gorm.DB, claims *ClaimService) *SyncService {
	return &SyncService{DB: db, Claims: claims, locks: make(map[string]*userLock)}
}

// lockUser serializes batch processing per user. Entries are refcounted and
// dropped once the last holder releases, so the map stays proportional to
// in-flight users rather than every user ever seen.
func (s *SyncService) lockUser(userID string) (release func()) {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// SyncBatch replays client-buffered actions in submission order. Each action
// terminates independently; one failure never blocks or rolls back siblings.
// For monetizable action types the declared conflict policy is ignored and
// the server's resolution wins unconditionally.
func (s *SyncService) SyncBatch(ctx context.Context, userID string, actions []IncomingAction, policy models.ConflictPolicy) ([]ActionResult, error) {
	if policy == "" {
		policy = models.PolicyServerWins
	}

	release := s.lockUser(userID)
	defer release()

	results := make([]ActionResult, 0, len(actions))
	for _, incoming := range actions {
		results = append(results, s.processOne(ctx, userID, incoming, policy))
	}
	return results, nil
}

func (s *SyncService) processOne(ctx context.Context, userID string, incoming IncomingAction, policy models.ConflictPolicy) ActionResult {
	if incoming.ID == "" {
		incoming.ID = uuid.NewString()
	}

	// Resubmission of an already-terminated action short-circuits to its
	// recorded result.
	var action models.OfflineAction
	err := s.DB.WithContext(ctx).First(&action, "id = ?", incoming.ID).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		action = models.OfflineAction{
			ID:              incoming.ID,
			UserID:          userID,
			ActionType:      incoming.ActionType,
			Payload:         incoming.Payload,
			ClientTimestamp: incoming.ClientTimestamp,
			Status:          models.ActionStatusPending,
		}
		if err := s.DB.WithContext(ctx).Create(&action).Error; err != nil {
			if isDuplicateKeyErr(err) {
				// Concurrent resubmission; re-read and fall through.
				if rerr := s.DB.WithContext(ctx).First(&action, "id = ?", incoming.ID).Error; rerr != nil {
					return ActionResult{ActionID: incoming.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error"}
				}
			} else {
				return ActionResult{ActionID: incoming.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error"}
			}
		}
	case err != nil:
		return ActionResult{ActionID: incoming.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error"}
	}

	if action.UserID != userID {
		return ActionResult{ActionID: action.ID, Status: models.ActionStatusFailed, ResultCode: "wrong_user"}
	}
	if action.Status == models.ActionStatusSynced || action.Status == models.ActionStatusConflict {
		return recordedResult(&action)
	}
	if action.Status == models.ActionStatusFailed && action.Attempts >= MaxSyncAttempts {
		return recordedResult(&action)
	}

	return s.execute(ctx, &action, policy)
}

// execute runs one pending/failed action to a terminal status.
func (s *SyncService) execute(ctx context.Context, action *models.OfflineAction, policy models.ConflictPolicy) ActionResult {
	action.Status = models.ActionStatusSyncing
	action.Attempts++
	if err := s.DB.WithContext(ctx).Save(action).Error; err != nil {
		return ActionResult{ActionID: action.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error"}
	}

	if action.ActionType.Monetizable() {
		// Client state is never trusted for reward issuance.
		policy = models.PolicyServerWins
	}

	var result ActionResult
	switch action.ActionType {
	case models.ActionPrizeClaim:
		result = s.replayClaim(ctx, action)
	case models.ActionPurchase, models.ActionAchievementUnlock:
		// Acknowledged server-authoritatively; the owning service reconciles
		// the ledger. Recording here guarantees at-most-once forwarding.
		result = ActionResult{ActionID: action.ID, Status: models.ActionStatusSynced, ResultCode: "server_authoritative"}
	case models.ActionProfileUpdate:
		result = s.applyProfileUpdate(ctx, action, policy)
	default:
		result = ActionResult{
			ActionID:       action.ID,
			Status:         models.ActionStatusConflict,
			ResultCode:     "unknown_action_type",
			ConflictDetail: fmt.Sprintf("unsupported action type %q", action.ActionType),
		}
	}

	s.finalize(ctx, action, &result)
	return result
}

// replayClaim routes a buffered capture through the same admission path a
// live one takes, with the action id as idempotency key.
func (s *SyncService) replayClaim(ctx context.Context, action *models.OfflineAction) ActionResult {
	req, err := claimRequestFromPayload(action)
	if err != nil {
		return ActionResult{ActionID: action.ID, Status: models.ActionStatusFailed, ResultCode: "malformed_payload", ConflictDetail: err.Error()}
	}

	res, err := s.Claims.Admit(ctx, req)
	if err != nil {
		if ae, ok := AsAdmissionError(err); ok {
			// The server's answer is final: the client's optimistic local
			// claim did not hold up.
			return ActionResult{
				ActionID:       action.ID,
				Status:         models.ActionStatusConflict,
				ResultCode:     string(ae.Code),
				ConflictDetail: ae.Message,
			}
		}
		return ActionResult{ActionID: action.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error", ConflictDetail: err.Error()}
	}

	code := "approved"
	switch {
	case res.Duplicate:
		code = "duplicate"
	case res.Claim.Status == models.ClaimStatusFlagged:
		code = "flagged"
	case res.Claim.Status == models.ClaimStatusRejected:
		code = "rejected"
	}
	return ActionResult{ActionID: action.ID, Status: models.ActionStatusSynced, ResultCode: code, Claim: res.Claim}
}

func claimRequestFromPayload(action *models.OfflineAction) (AdmissionRequest, error) {
	prizeID, _ := action.Payload["prize_id"].(string)
	if prizeID == "" {
		return AdmissionRequest{}, fmt.Errorf("payload missing prize_id")
	}
	lat, latOK := toFloat(action.Payload["latitude"])
	lng, lngOK := toFloat(action.Payload["longitude"])
	if !latOK || !lngOK {
		return AdmissionRequest{}, fmt.Errorf("payload missing coordinates")
	}
	accuracy, _ := toFloat(action.Payload["accuracy"])
	deviceID, _ := action.Payload["device_id"].(string)

	return AdmissionRequest{
		UserID:         action.UserID,
		PrizeID:        prizeID,
		Latitude:       lat,
		Longitude:      lng,
		AccuracyM:      accuracy,
		Device:         models.DeviceInfo{DeviceID: deviceID},
		IdempotencyKey: action.ID,
	}, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// applyProfileUpdate honors the declared policy for non-monetizable edits,
// compared by last-modified timestamp.
func (s *SyncService) applyProfileUpdate(ctx context.Context, action *models.OfflineAction, policy models.ConflictPolicy) ActionResult {
	var player models.Player
	if err := s.DB.WithContext(ctx).Where("external_user_id = ?", action.UserID).First(&player).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ActionResult{ActionID: action.ID, Status: models.ActionStatusConflict, ResultCode: "unknown_user"}
		}
		return ActionResult{ActionID: action.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error"}
	}

	serverNewer := player.UpdatedAt.After(action.ClientTimestamp)
	apply := false
	switch policy {
	case models.PolicyClientWins:
		apply = true
	case models.PolicyServerWins:
		apply = !serverNewer
	case models.PolicyMerge:
		if serverNewer {
			return ActionResult{
				ActionID:       action.ID,
				Status:         models.ActionStatusConflict,
				ResultCode:     "manual_merge_required",
				ConflictDetail: fmt.Sprintf("server copy modified at %s, client edit from %s", player.UpdatedAt.Format(time.RFC3339), action.ClientTimestamp.Format(time.RFC3339)),
			}
		}
		apply = true
	}
	if !apply {
		return ActionResult{
			ActionID:       action.ID,
			Status:         models.ActionStatusConflict,
			ResultCode:     "server_wins",
			ConflictDetail: "server copy is newer than the buffered edit",
		}
	}

	if username, ok := action.Payload["username"].(string); ok && username != "" {
		player.Username = username
	}
	if err := s.DB.WithContext(ctx).Save(&player).Error; err != nil {
		return ActionResult{ActionID: action.ID, Status: models.ActionStatusFailed, ResultCode: "transient_error"}
	}
	return ActionResult{ActionID: action.ID, Status: models.ActionStatusSynced, ResultCode: "applied"}
}

// finalize records the terminal (or retriable) state of the action row. An
// action is never silently dropped: whatever happens it lands in
// synced/failed/conflict.
func (s *SyncService) finalize(ctx context.Context, action *models.OfflineAction, result *ActionResult) {
	now := time.Now()
	action.Status = result.Status
	action.ResultCode = result.ResultCode
	action.ConflictDetail = result.ConflictDetail
	action.ServerTimestamp = &now
	if err := s.DB.WithContext(ctx).Save(action).Error; err != nil {
		log.Printf("❌ [SYNC] failed to record result for action %s: %v", action.ID, err)
	}
}

func recordedResult(action *models.OfflineAction) ActionResult {
	return ActionResult{
		ActionID:       action.ID,
		Status:         action.Status,
		ResultCode:     action.ResultCode,
		ConflictDetail: action.ConflictDetail,
	}
}

// RetryFailed reprocesses a user's failed actions that still have attempts
// left. Beyond MaxSyncAttempts an action stays failed until someone looks at
// it.
func (s *SyncService) RetryFailed(ctx context.Context, userID string) ([]ActionResult, error) {
	release := s.lockUser(userID)
	defer release()

	var failed []models.OfflineAction
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND status = ? AND attempts < ?", userID, models.ActionStatusFailed, MaxSyncAttempts).
		Order("client_timestamp ASC").
		Find(&failed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load failed actions: %w", err)
	}

	results := make([]ActionResult, 0, len(failed))
	for i := range failed {
		results = append(results, s.execute(ctx, &failed[i], models.PolicyServerWins))
	}
	return results, nil
}

// Status returns the aggregate counts of a user's queued actions.
func (s *SyncService) Status(ctx context.Context, userID string) (SyncStatus, error) {
	var rows []struct {
		Status models.ActionStatus
		N      int64
	}
	err := s.DB.WithContext(ctx).Model(&models.OfflineAction{}).
		Select("status, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return SyncStatus{}, fmt.Errorf("failed to aggregate sync status: %w", err)
	}

	var status SyncStatus
	for _, r := range rows {
		switch r.Status {
		case models.ActionStatusPending:
			status.Pending = r.N
		case models.ActionStatusSyncing:
			status.Syncing = r.N
		case models.ActionStatusSynced:
			status.Synced = r.N
		case models.ActionStatusFailed:
			status.Failed = r.N
		case models.ActionStatusConflict:
			status.Conflict = r.N
		}
	}
	return status, nil
}
