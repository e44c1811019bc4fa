package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"geo-prize-system/bus"
	"geo-prize-system/config"
	"geo-prize-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BasePointsPerLevel drives the level ladder: reaching level n+1 from n costs
// floor(BasePointsPerLevel * n^1.2) additional points.
const BasePointsPerLevel = 100

// pointsForNextLevel returns the points needed to go from currentLevel to the
// next one.
func pointsForNextLevel(currentLevel int) int64 {
	if currentLevel < 1 {
		currentLevel = 1
	}
	return int64(float64(BasePointsPerLevel) * math.Pow(float64(currentLevel), 1.2))
}

// LevelForPoints walks the ladder from level 1. Recomputed from the total on
// every credit so the level can never drift from the points.
func LevelForPoints(totalPoints int64) int {
	level := 1
	var cumulative int64
	for {
		need := pointsForNextLevel(level)
		if totalPoints < cumulative+need {
			return level
		}
		cumulative += need
		level++
	}
}

// AdmissionRequest is one capture attempt as received from the client.
type AdmissionRequest struct {
	UserID         string
	PrizeID        string
	Latitude       float64
	Longitude      float64
	AccuracyM      float64
	SpeedKmh       float64
	Device         models.DeviceInfo
	IdempotencyKey string
	AttemptedAt    time.Time // zero means now
}

// AdmissionResult is the outcome of a capture attempt that produced (or
// found) a Claim. Hard precondition failures surface as AdmissionError
// instead and write nothing.
type AdmissionResult struct {
	Claim         *models.Claim `json:"claim"`
	Duplicate     bool          `json:"duplicate"`
	PointsAwarded int64         `json:"points_awarded"`
	NewLevel      int           `json:"new_level"`
	LeveledUp     bool          `json:"leveled_up"`
	Animation     string        `json:"animation,omitempty"`
}

type ClaimService struct {
	DB        *gorm.DB
	Rules     config.Provider
	Locations LocationStore
	Scorer    *RiskScorer
	Bus       bus.Bus

	now func() time.Time
}

func NewClaimService(db *gorm.DB, rules config.Provider, locations LocationStore, scorer *RiskScorer, b bus.Bus) *ClaimService {
	return &ClaimService{
		DB:        db,
		Rules:     rules,
		Locations: locations,
		Scorer:    scorer,
		Bus:       b,
		now:       time.Now,
	}
}

// Admit runs the admission state machine for one capture attempt.
//
// Check order, cheapest and most decisive first: idempotency, eligibility,
// server-side distance, rate limits, risk verdict. Only the risk verdict
// writes a Claim; earlier failures return an AdmissionError with zero side
// effects so the user can retry once the condition clears.
func (s *ClaimService) Admit(ctx context.Context, req AdmissionRequest) (*AdmissionResult, error) {
	return s.admit(ctx, req, false)
}

// Prevalidate runs the same checks as Admit without writing anything, for
// client UX gating (e.g., enabling the capture button).
func (s *ClaimService) Prevalidate(ctx context.Context, req AdmissionRequest) (*AdmissionResult, error) {
	return s.admit(ctx, req, true)
}

func (s *ClaimService) admit(ctx context.Context, req AdmissionRequest, dryRun bool) (*AdmissionResult, error) {
	now := req.AttemptedAt
	if now.IsZero() {
		now = s.now()
	}
	if req.IdempotencyKey == "" {
		// One claim per (user, prize) ever, so the pair is a valid key.
		req.IdempotencyKey = fmt.Sprintf("claim:%s:%s", req.UserID, req.PrizeID)
	}

	// 1. Idempotency — an existing claim is returned unchanged, no new side
	// effects, regardless of how the retry arrived.
	if existing, err := s.findExisting(ctx, req); err != nil {
		return nil, err
	} else if existing != nil {
		if dryRun {
			return nil, errAlreadyClaimed(existing.ID)
		}
		return &AdmissionResult{Claim: existing, Duplicate: true, PointsAwarded: 0}, nil
	}

	if !ValidCoordinates(req.Latitude, req.Longitude) {
		return nil, errInvalidCoordinates(req.Latitude, req.Longitude)
	}

	// 2. Eligibility.
	var player models.Player
	if err := s.DB.WithContext(ctx).Where("external_user_id = ?", req.UserID).First(&player).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errUserNotEligible("unknown user")
		}
		return nil, fmt.Errorf("failed to load player: %w", err)
	}
	if player.Status != models.PlayerStatusActive {
		return nil, errUserNotEligible(fmt.Sprintf("account is %s", player.Status))
	}

	var prize models.Prize
	if err := s.DB.WithContext(ctx).First(&prize, "id = ?", req.PrizeID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errPrizeNotAvailable("prize not found")
		}
		return nil, fmt.Errorf("failed to load prize: %w", err)
	}
	if !prize.Capturable(now) {
		return nil, errPrizeNotAvailable(fmt.Sprintf("prize is %s", prize.Status))
	}

	// 3. Distance — always recomputed server-side; a client-reported zone
	// means nothing here.
	distanceM := HaversineM(req.Latitude, req.Longitude, prize.Latitude, prize.Longitude)
	if distanceM > prize.CatchRadiusM {
		return nil, errTooFar(distanceM, prize.CatchRadiusM)
	}

	rules := s.Rules.Rules()

	// 4. Rate limits.
	if err := s.checkRateLimits(ctx, req.UserID, now, rules); err != nil {
		return nil, err
	}

	// 5. Risk verdict.
	sample := models.LocationSample{
		UserID:     req.UserID,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		AccuracyM:  req.AccuracyM,
		CapturedAt: now,
	}
	report := s.Scorer.Score(s.Scorer.Collect(ctx, sample, req.Device, req.SpeedKmh))

	if dryRun {
		return &AdmissionResult{
			Claim: &models.Claim{
				UserID:      req.UserID,
				PrizeID:     req.PrizeID,
				DistanceM:   distanceM,
				RiskScore:   report.Score,
				RiskSignals: report.Signals,
				Status:      statusForVerdict(report.Verdict),
			},
		}, nil
	}

	claim := &models.Claim{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		PrizeID:        req.PrizeID,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		AccuracyM:      req.AccuracyM,
		DistanceM:      distanceM,
		RiskScore:      report.Score,
		RiskSignals:    report.Signals,
		IdempotencyKey: req.IdempotencyKey,
		ClaimedAt:      now,
	}

	var result *AdmissionResult
	var err error
	switch report.Verdict {
	case VerdictApprove:
		result, err = s.approve(ctx, claim, &prize, sample)
	case VerdictFlag:
		claim.Status = models.ClaimStatusFlagged
		claim.RejectReason = "risk score above review threshold"
		result, err = s.persistUnapproved(ctx, claim)
		if err == nil && !result.Duplicate {
			s.publish(ctx, bus.TopicClaimFlagged, claim)
		}
	case VerdictReject:
		claim.Status = models.ClaimStatusRejected
		claim.RejectReason = "risk score above critical threshold"
		result, err = s.persistUnapproved(ctx, claim)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("🎯 [CLAIM] user=%s prize=%s status=%s distance=%.1fm score=%d",
		req.UserID, req.PrizeID, result.Claim.Status, distanceM, result.Claim.RiskScore)
	return result, nil
}

func statusForVerdict(v Verdict) models.ClaimStatus {
	switch v {
	case VerdictFlag:
		return models.ClaimStatusFlagged
	case VerdictReject:
		return models.ClaimStatusRejected
	}
	return models.ClaimStatusApproved
}

// findExisting looks up a prior claim by idempotency key first, then by the
// (user, prize) pair.
func (s *ClaimService) findExisting(ctx context.Context, req AdmissionRequest) (*models.Claim, error) {
	var claim models.Claim
	err := s.DB.WithContext(ctx).
		Where("idempotency_key = ?", req.IdempotencyKey).
		Or("user_id = ? AND prize_id = ?", req.UserID, req.PrizeID).
		First(&claim).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing claim: %w", err)
	}
	return &claim, nil
}

func (s *ClaimService) checkRateLimits(ctx context.Context, userID string, now time.Time, rules config.Rules) error {
	var latest models.Claim
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("claimed_at DESC").
		First(&latest).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to load latest claim: %w", err)
	}
	if err == nil {
		cooldown := time.Duration(rules.ClaimCooldownSeconds) * time.Second
		if since := now.Sub(latest.ClaimedAt); since < cooldown {
			return errCooldownNotMet(int((cooldown - since).Seconds()) + 1)
		}
	}

	// Flagged claims count toward the daily limit: probing the flag boundary
	// must not grant free attempts. Rejected ones do not.
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var todayCount int64
	err = s.DB.WithContext(ctx).Model(&models.Claim{}).
		Where("user_id = ? AND claimed_at >= ?", userID, dayStart).
		Where("status IN ?", []models.ClaimStatus{models.ClaimStatusApproved, models.ClaimStatusPending, models.ClaimStatusFlagged}).
		Count(&todayCount).Error
	if err != nil {
		return fmt.Errorf("failed to count daily claims: %w", err)
	}
	if int(todayCount) >= rules.DailyClaimLimit {
		return errDailyLimitReached(rules.DailyClaimLimit)
	}
	return nil
}

// approve persists the claim, credits points, recomputes the level and
// decrements prize quantity as one transaction — no partial credit possible.
// The location store write happens after commit; it feeds a heuristic and its
// loss is tolerated.
func (s *ClaimService) approve(ctx context.Context, claim *models.Claim, prize *models.Prize, sample models.LocationSample) (*AdmissionResult, error) {
	claim.Status = models.ClaimStatusApproved
	claim.PointsAwarded = prize.PointsValue

	result := &AdmissionResult{Claim: claim, PointsAwarded: prize.PointsValue}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(claim).Error; err != nil {
			return err
		}

		// Guarded decrement: quantity can never go negative even when two
		// users race for the last unit.
		res := tx.Model(&models.Prize{}).
			Where("id = ? AND quantity_remaining > 0", prize.ID).
			UpdateColumn("quantity_remaining", gorm.Expr("quantity_remaining - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errPrizeNotAvailable("prize depleted")
		}
		if err := tx.Model(&models.Prize{}).
			Where("id = ? AND quantity_remaining <= 0", prize.ID).
			Update("status", models.PrizeStatusDepleted).Error; err != nil {
			return err
		}

		var player models.Player
		if err := tx.Where("external_user_id = ?", claim.UserID).First(&player).Error; err != nil {
			return fmt.Errorf("progress record not found for %s: %w", claim.UserID, err)
		}
		oldLevel := player.Level
		player.TotalPoints += prize.PointsValue
		player.Level = LevelForPoints(player.TotalPoints)
		if player.Level > oldLevel {
			now := s.now()
			player.LastLevelUpAt = &now
			result.LeveledUp = true
		}
		result.NewLevel = player.Level
		if err := tx.Save(&player).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			if dup, derr := s.recoverDuplicate(ctx, claim); derr == nil && dup != nil {
				// Lost the race to a concurrent attempt: hand back the winner.
				return &AdmissionResult{Claim: dup, Duplicate: true}, nil
			}
		}
		if ae, ok := AsAdmissionError(err); ok {
			return nil, ae
		}
		return nil, fmt.Errorf("failed to persist approved claim: %w", err)
	}

	result.Animation = animationForRarity(prize.Rarity)

	if err := s.Locations.Put(ctx, sample); err != nil {
		log.Printf("⚠️ [CLAIM] location store update failed for %s: %v", claim.UserID, err)
	}
	return result, nil
}

// persistUnapproved writes a rejected or flagged claim; reasons recorded, no
// credit, no quantity change.
func (s *ClaimService) persistUnapproved(ctx context.Context, claim *models.Claim) (*AdmissionResult, error) {
	if err := s.DB.WithContext(ctx).Create(claim).Error; err != nil {
		if isDuplicateKeyErr(err) {
			if dup, derr := s.recoverDuplicate(ctx, claim); derr == nil && dup != nil {
				return &AdmissionResult{Claim: dup, Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to persist %s claim: %w", claim.Status, err)
	}
	return &AdmissionResult{Claim: claim}, nil
}

// recoverDuplicate re-reads the existing claim after a unique-index
// violation. Correctness under concurrent attempts rests on that index, not
// on in-process locking: instances share only the database.
func (s *ClaimService) recoverDuplicate(ctx context.Context, claim *models.Claim) (*models.Claim, error) {
	var existing models.Claim
	err := s.DB.WithContext(ctx).
		Where("idempotency_key = ?", claim.IdempotencyKey).
		Or("user_id = ? AND prize_id = ?", claim.UserID, claim.PrizeID).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func animationForRarity(r models.PrizeRarity) string {
	switch r {
	case models.PrizeRarityLegendary:
		return "legendary_burst"
	case models.PrizeRarityEpic:
		return "epic_spiral"
	case models.PrizeRarityRare:
		return "rare_sparkle"
	case models.PrizeRarityUncommon:
		return "uncommon_glow"
	case models.PrizeRarityCommon:
		return "confetti"
	}
	return "confetti"
}

// Override terminally resolves a FLAGGED claim. The decision is attributed
// and append-only; the original risk data stays on the claim row. Approval
// runs the same credit transaction an ordinary approval would.
func (s *ClaimService) Override(ctx context.Context, claimID string, decision models.OverrideDecision, actorID, notes string) (*models.Claim, error) {
	if actorID == "" {
		return nil, errors.New("override requires an actor")
	}
	if decision != models.OverrideApprove && decision != models.OverrideReject {
		return nil, fmt.Errorf("invalid override decision %q", decision)
	}

	var claim models.Claim
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&claim, "id = ?", claimID).Error; err != nil {
			return err
		}
		if claim.Status != models.ClaimStatusFlagged {
			return fmt.Errorf("claim %s is %s, only flagged claims can be overridden", claimID, claim.Status)
		}

		override := &models.ClaimOverride{
			ID:       uuid.NewString(),
			ClaimID:  claim.ID,
			Decision: decision,
			ActorID:  actorID,
			Notes:    notes,
		}
		if err := tx.Create(override).Error; err != nil {
			return err
		}

		if decision == models.OverrideApprove {
			var prize models.Prize
			if err := tx.First(&prize, "id = ?", claim.PrizeID).Error; err != nil {
				return err
			}
			res := tx.Model(&models.Prize{}).
				Where("id = ? AND quantity_remaining > 0", prize.ID).
				UpdateColumn("quantity_remaining", gorm.Expr("quantity_remaining - 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errPrizeNotAvailable("prize depleted before review completed")
			}

			var player models.Player
			if err := tx.Where("external_user_id = ?", claim.UserID).First(&player).Error; err != nil {
				return err
			}
			oldLevel := player.Level
			player.TotalPoints += prize.PointsValue
			player.Level = LevelForPoints(player.TotalPoints)
			if player.Level > oldLevel {
				now := s.now()
				player.LastLevelUpAt = &now
			}
			if err := tx.Save(&player).Error; err != nil {
				return err
			}
			claim.PointsAwarded = prize.PointsValue
		}

		claim.Status = models.ClaimStatus(decision)
		return tx.Save(&claim).Error
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.TopicClaimOverride, &claim)
	log.Printf("⚖️ [OVERRIDE] claim=%s decision=%s actor=%s", claim.ID, decision, actorID)
	return &claim, nil
}

func (s *ClaimService) publish(ctx context.Context, topic string, claim *models.Claim) {
	if s.Bus == nil {
		return
	}
	ev := bus.Event{Topic: topic, Payload: map[string]interface{}{
		"claim_id":   claim.ID,
		"user_id":    claim.UserID,
		"prize_id":   claim.PrizeID,
		"status":     string(claim.Status),
		"risk_score": claim.RiskScore,
	}}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		log.Printf("⚠️ [BUS] publish %s failed: %v", topic, err)
	}
}
