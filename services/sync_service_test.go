package services

import (
	"context"
	"testing"
	"time"

	"geo-prize-system/models"

	"github.com/google/uuid"
)

func newSyncService(t *testing.T) (*SyncService, *ClaimService) {
	t.Helper()
	db := newTestDB(t)
	claims, _, _ := newClaimService(db, testRules())
	return NewSyncService(db, claims), claims
}

func claimPayload(prizeID string) models.ActionPayload {
	return models.ActionPayload{
		"prize_id":  prizeID,
		"latitude":  testLat,
		"longitude": testLng,
		"accuracy":  10.0,
		"device_id": "dev-1",
	}
}

func TestSyncBatchReplaysBufferedClaim(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	prize := seedPrize(t, db, testLat, testLng)
	ctx := context.Background()

	action := IncomingAction{
		ID:              uuid.NewString(),
		ActionType:      models.ActionPrizeClaim,
		Payload:         claimPayload(prize.ID),
		ClientTimestamp: midday,
	}
	results, err := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, models.PolicyServerWins)
	if err != nil {
		t.Fatalf("SyncBatch failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Status != models.ActionStatusSynced || r.ResultCode != "approved" {
		t.Fatalf("result = %+v, want synced/approved", r)
	}
	if r.Claim == nil || r.Claim.IdempotencyKey != action.ID {
		t.Errorf("replayed claim key = %v, want the action id", r.Claim)
	}

	// Resubmitting the unacknowledged batch replays nothing.
	results, err = svc.SyncBatch(ctx, "u1", []IncomingAction{action}, models.PolicyServerWins)
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if results[0].Status != models.ActionStatusSynced || results[0].ResultCode != "approved" {
		t.Errorf("resubmission result = %+v", results[0])
	}

	var player models.Player
	db.Where("external_user_id = ?", "u1").First(&player)
	if player.TotalPoints != 10 {
		t.Errorf("player credited %d points across resubmissions, want 10", player.TotalPoints)
	}
}

func TestSyncMonetizableIgnoresClientWins(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	prize := seedPrize(t, db, testLat, testLng)
	ctx := context.Background()

	// The prize was already captured online while the device was buffering.
	online, err := claims.Admit(ctx, approvableRequest("u1", prize.ID))
	if err != nil {
		t.Fatalf("online Admit failed: %v", err)
	}

	action := IncomingAction{
		ID:              uuid.NewString(),
		ActionType:      models.ActionPrizeClaim,
		Payload:         claimPayload(prize.ID),
		ClientTimestamp: midday,
	}
	results, err := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, models.PolicyClientWins)
	if err != nil {
		t.Fatalf("SyncBatch failed: %v", err)
	}
	r := results[0]
	if r.Status != models.ActionStatusSynced || r.ResultCode != "duplicate" {
		t.Fatalf("result = %+v, want synced/duplicate despite client_wins", r)
	}
	if r.Claim == nil || r.Claim.ID != online.Claim.ID {
		t.Errorf("replay returned claim %v, want the online one %s", r.Claim, online.Claim.ID)
	}

	var player models.Player
	db.Where("external_user_id = ?", "u1").First(&player)
	if player.TotalPoints != 10 {
		t.Errorf("player points = %d, the buffered copy must not re-credit", player.TotalPoints)
	}
}

func TestSyncClaimConflictIsTerminal(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	farPrize := seedPrize(t, db, north(testLat, 200), testLng)
	ctx := context.Background()

	action := IncomingAction{
		ID:              uuid.NewString(),
		ActionType:      models.ActionPrizeClaim,
		Payload:         claimPayload(farPrize.ID),
		ClientTimestamp: midday,
	}
	results, _ := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, "")
	r := results[0]
	if r.Status != models.ActionStatusConflict || r.ResultCode != string(CodeTooFar) {
		t.Fatalf("result = %+v, want conflict/TOO_FAR", r)
	}

	// A terminal conflict short-circuits on resubmission.
	results, _ = svc.SyncBatch(ctx, "u1", []IncomingAction{action}, "")
	if results[0].Status != models.ActionStatusConflict || results[0].ResultCode != string(CodeTooFar) {
		t.Errorf("resubmitted conflict = %+v", results[0])
	}

	var row models.OfflineAction
	db.First(&row, "id = ?", action.ID)
	if row.Attempts != 1 {
		t.Errorf("attempts = %d, terminal conflict must not retry", row.Attempts)
	}
}

func TestSyncBoundedRetries(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	ctx := context.Background()

	// Missing prize_id makes the replay fail every time.
	action := IncomingAction{
		ID:              uuid.NewString(),
		ActionType:      models.ActionPrizeClaim,
		Payload:         models.ActionPayload{"latitude": testLat, "longitude": testLng},
		ClientTimestamp: midday,
	}

	for attempt := 1; attempt <= MaxSyncAttempts; attempt++ {
		results, _ := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, "")
		if results[0].Status != models.ActionStatusFailed {
			t.Fatalf("attempt %d status = %s, want failed", attempt, results[0].Status)
		}
		var row models.OfflineAction
		db.First(&row, "id = ?", action.ID)
		if row.Attempts != attempt {
			t.Fatalf("attempts after submission %d = %d", attempt, row.Attempts)
		}
	}

	// Attempts are exhausted: further submissions return the recorded failure
	// without executing again.
	results, _ := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, "")
	if results[0].Status != models.ActionStatusFailed {
		t.Errorf("exhausted action status = %s", results[0].Status)
	}
	var row models.OfflineAction
	db.First(&row, "id = ?", action.ID)
	if row.Attempts != MaxSyncAttempts {
		t.Errorf("attempts = %d, want capped at %d", row.Attempts, MaxSyncAttempts)
	}

	// RetryFailed skips exhausted actions too.
	retried, err := svc.RetryFailed(ctx, "u1")
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if len(retried) != 0 {
		t.Errorf("RetryFailed reprocessed %d exhausted actions", len(retried))
	}
}

func TestSyncRetryFailedReprocesses(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	prize := seedPrize(t, db, testLat, testLng)
	ctx := context.Background()

	// Fails once because the prize row does not exist yet (e.g., catalog
	// replication lag) — then the prize shows up and the retry lands.
	actionID := uuid.NewString()
	row := models.OfflineAction{
		ID:              actionID,
		UserID:          "u1",
		ActionType:      models.ActionPrizeClaim,
		Payload:         claimPayload(prize.ID),
		ClientTimestamp: midday,
		Status:          models.ActionStatusFailed,
		Attempts:        1,
		ResultCode:      "transient_error",
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed action: %v", err)
	}

	results, err := svc.RetryFailed(ctx, "u1")
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != models.ActionStatusSynced || results[0].ResultCode != "approved" {
		t.Errorf("retry results = %+v, want one synced/approved", results)
	}
}

func TestSyncProfileUpdatePolicies(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	ctx := context.Background()

	run := func(policy models.ConflictPolicy, clientTS time.Time, username string) ActionResult {
		t.Helper()
		action := IncomingAction{
			ID:              uuid.NewString(),
			ActionType:      models.ActionProfileUpdate,
			Payload:         models.ActionPayload{"username": username},
			ClientTimestamp: clientTS,
		}
		results, err := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, policy)
		if err != nil {
			t.Fatalf("SyncBatch failed: %v", err)
		}
		return results[0]
	}

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	// client_wins applies the buffered edit regardless of recency.
	r := run(models.PolicyClientWins, past, "offline-name")
	if r.Status != models.ActionStatusSynced || r.ResultCode != "applied" {
		t.Fatalf("client_wins result = %+v", r)
	}
	var reloaded models.Player
	db.Where("external_user_id = ?", "u1").First(&reloaded)
	if reloaded.Username != "offline-name" {
		t.Errorf("username = %q, want offline-name", reloaded.Username)
	}

	// server_wins with a newer server copy keeps the server copy.
	r = run(models.PolicyServerWins, past, "stale-name")
	if r.Status != models.ActionStatusConflict || r.ResultCode != "server_wins" {
		t.Errorf("server_wins stale result = %+v", r)
	}
	db.Where("external_user_id = ?", "u1").First(&reloaded)
	if reloaded.Username == "stale-name" {
		t.Error("stale buffered edit overwrote a newer server copy")
	}

	// merge with a newer server copy needs a human.
	r = run(models.PolicyMerge, past, "merge-name")
	if r.Status != models.ActionStatusConflict || r.ResultCode != "manual_merge_required" {
		t.Errorf("merge result = %+v", r)
	}

	// server_wins applies when the buffered edit is the newest thing around.
	r = run(models.PolicyServerWins, future, "fresh-name")
	if r.Status != models.ActionStatusSynced || r.ResultCode != "applied" {
		t.Errorf("server_wins fresh result = %+v", r)
	}
	db.Where("external_user_id = ?", "u1").First(&reloaded)
	if reloaded.Username != "fresh-name" {
		t.Errorf("username = %q, want fresh-name", reloaded.Username)
	}
}

func TestSyncServerAuthoritativeActions(t *testing.T) {
	svc, claims := newSyncService(t)
	seedPlayer(t, claims.DB, "u1")
	ctx := context.Background()

	for _, at := range []models.ActionType{models.ActionPurchase, models.ActionAchievementUnlock} {
		action := IncomingAction{
			ID:              uuid.NewString(),
			ActionType:      at,
			Payload:         models.ActionPayload{"sku": "gold-pack"},
			ClientTimestamp: midday,
		}
		results, _ := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, models.PolicyClientWins)
		if results[0].Status != models.ActionStatusSynced || results[0].ResultCode != "server_authoritative" {
			t.Errorf("%s result = %+v", at, results[0])
		}
	}
}

func TestSyncUnknownActionType(t *testing.T) {
	svc, claims := newSyncService(t)
	seedPlayer(t, claims.DB, "u1")

	action := IncomingAction{
		ID:              uuid.NewString(),
		ActionType:      "teleport_home",
		Payload:         models.ActionPayload{},
		ClientTimestamp: midday,
	}
	results, _ := svc.SyncBatch(context.Background(), "u1", []IncomingAction{action}, "")
	if results[0].Status != models.ActionStatusConflict || results[0].ResultCode != "unknown_action_type" {
		t.Errorf("result = %+v, want conflict/unknown_action_type", results[0])
	}
}

func TestSyncRejectsForeignActions(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	seedPlayer(t, db, "u2")
	prize := seedPrize(t, db, testLat, testLng)
	ctx := context.Background()

	action := IncomingAction{
		ID:              uuid.NewString(),
		ActionType:      models.ActionPrizeClaim,
		Payload:         claimPayload(prize.ID),
		ClientTimestamp: midday,
	}
	if _, err := svc.SyncBatch(ctx, "u1", []IncomingAction{action}, ""); err != nil {
		t.Fatalf("SyncBatch failed: %v", err)
	}

	// Someone else replaying the same action id gets refused.
	results, _ := svc.SyncBatch(ctx, "u2", []IncomingAction{action}, "")
	if results[0].Status != models.ActionStatusFailed || results[0].ResultCode != "wrong_user" {
		t.Errorf("foreign replay result = %+v", results[0])
	}
}

func TestSyncBatchOrderAndIndependence(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	good := seedPrize(t, db, testLat, testLng)
	far := seedPrize(t, db, north(testLat, 200), testLng)
	ctx := context.Background()

	actions := []IncomingAction{
		{ID: uuid.NewString(), ActionType: models.ActionPrizeClaim, Payload: claimPayload(far.ID), ClientTimestamp: midday},
		{ID: uuid.NewString(), ActionType: models.ActionPrizeClaim, Payload: claimPayload(good.ID), ClientTimestamp: midday.Add(time.Second)},
	}
	results, err := svc.SyncBatch(ctx, "u1", actions, "")
	if err != nil {
		t.Fatalf("SyncBatch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].ActionID != actions[0].ID || results[1].ActionID != actions[1].ID {
		t.Error("results out of submission order")
	}
	// The first action's conflict must not poison the second.
	if results[0].Status != models.ActionStatusConflict {
		t.Errorf("first = %+v, want conflict", results[0])
	}
	if results[1].Status != models.ActionStatusSynced || results[1].ResultCode != "approved" {
		t.Errorf("second = %+v, want synced/approved", results[1])
	}
}

func TestSyncStatusCounts(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	seedPlayer(t, db, "u1")
	prize := seedPrize(t, db, testLat, testLng)
	farPrize := seedPrize(t, db, north(testLat, 200), testLng)
	ctx := context.Background()

	actions := []IncomingAction{
		{ID: uuid.NewString(), ActionType: models.ActionPrizeClaim, Payload: claimPayload(prize.ID), ClientTimestamp: midday},
		{ID: uuid.NewString(), ActionType: models.ActionPrizeClaim, Payload: claimPayload(farPrize.ID), ClientTimestamp: midday},
		{ID: uuid.NewString(), ActionType: models.ActionPrizeClaim, Payload: models.ActionPayload{}, ClientTimestamp: midday},
	}
	if _, err := svc.SyncBatch(ctx, "u1", actions, ""); err != nil {
		t.Fatalf("SyncBatch failed: %v", err)
	}

	status, err := svc.Status(ctx, "u1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Synced != 1 || status.Conflict != 1 || status.Failed != 1 {
		t.Errorf("status = %+v, want 1 synced / 1 conflict / 1 failed", status)
	}
}

func TestUserLocksReleasedAfterBatch(t *testing.T) {
	svc, claims := newSyncService(t)
	db := claims.DB
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		seedPlayer(t, db, id)
		prize := seedPrize(t, db, testLat, testLng)
		action := IncomingAction{
			ID:              uuid.NewString(),
			ActionType:      models.ActionPrizeClaim,
			Payload:         claimPayload(prize.ID),
			ClientTimestamp: midday,
		}
		if _, err := svc.SyncBatch(ctx, id, []IncomingAction{action}, models.PolicyServerWins); err != nil {
			t.Fatalf("SyncBatch for %s failed: %v", id, err)
		}
	}
	if _, err := svc.RetryFailed(ctx, "u1"); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}

	svc.mu.Lock()
	held := len(svc.locks)
	svc.mu.Unlock()
	if held != 0 {
		t.Errorf("%d user locks retained after all batches settled, want 0", held)
	}

	// Release drops the entry only once every holder is done.
	releaseA := svc.lockUser("u4")
	done := make(chan struct{})
	go func() {
		releaseB := svc.lockUser("u4")
		releaseB()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	svc.mu.Lock()
	if svc.locks["u4"] == nil {
		t.Error("lock entry dropped while a waiter is queued")
	}
	svc.mu.Unlock()
	releaseA()
	<-done
	svc.mu.Lock()
	if len(svc.locks) != 0 {
		t.Errorf("%d lock entries retained after release, want 0", len(svc.locks))
	}
	svc.mu.Unlock()
}
