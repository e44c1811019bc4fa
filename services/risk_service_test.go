package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"geo-prize-system/models"

	"github.com/google/uuid"
)

func newScorer() *RiskScorer {
	return &RiskScorer{Rules: testRules()}
}

func cleanRiskInput() RiskInput {
	return RiskInput{
		Sample: models.LocationSample{
			UserID:     "u1",
			Latitude:   testLat,
			Longitude:  testLng,
			AccuracyM:  10,
			CapturedAt: midday,
		},
		Attestation: AttestationNotRequired,
	}
}

func signalCodes(r RiskReport) []models.SignalCode {
	codes := make([]models.SignalCode, 0, len(r.Signals))
	for _, s := range r.Signals {
		codes = append(codes, s.Code)
	}
	return codes
}

func TestScoreCleanInputApproves(t *testing.T) {
	report := newScorer().Score(cleanRiskInput())
	if report.Score != 0 {
		t.Errorf("clean input scored %d, want 0", report.Score)
	}
	if report.Verdict != VerdictApprove {
		t.Errorf("clean input verdict = %s, want approve", report.Verdict)
	}
	if len(report.Signals) != 0 {
		t.Errorf("clean input raised signals: %v", signalCodes(report))
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer := newScorer()
	in := cleanRiskInput()
	in.ReportedSpeedKmh = 200
	in.Sample.AccuracyM = 0.4

	first := scorer.Score(in)
	second := scorer.Score(in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same input produced different reports:\n%+v\n%+v", first, second)
	}
}

func TestReportedSpeedSignal(t *testing.T) {
	scorer := newScorer()

	in := cleanRiskInput()
	in.ReportedSpeedKmh = 151
	report := scorer.Score(in)
	if report.Score != 30 {
		t.Errorf("speeding score = %d, want 30", report.Score)
	}
	if len(report.Signals) != 1 || report.Signals[0].Code != models.SignalSpeedExceeded {
		t.Errorf("signals = %v, want [speed_exceeded]", signalCodes(report))
	}

	in.ReportedSpeedKmh = 150
	if r := scorer.Score(in); r.Score != 0 {
		t.Errorf("speed at the limit scored %d, want 0", r.Score)
	}

	// No reading at all is a skip, not a pass or a fail.
	in.ReportedSpeedKmh = 0
	report = scorer.Score(in)
	for _, c := range report.Checks {
		if c.Code == models.SignalSpeedExceeded && c.Outcome != CheckSkipped {
			t.Errorf("absent speed reading outcome = %s, want skipped", c.Outcome)
		}
	}
}

func TestTeleportSignal(t *testing.T) {
	scorer := newScorer()

	// 10 km displacement with a 2 s gap. The gap clamps to the 30 s grace
	// period, leaving an implied ~1200 km/h — still far past the ceiling.
	in := cleanRiskInput()
	in.Sample.Latitude = north(testLat, 10000)
	in.LastSample = &models.LocationSample{
		UserID:     "u1",
		Latitude:   testLat,
		Longitude:  testLng,
		CapturedAt: midday.Add(-2 * time.Second),
	}
	report := scorer.Score(in)
	if report.Score != 55 {
		t.Errorf("teleport score = %d, want 55", report.Score)
	}
	if len(report.Signals) != 1 || report.Signals[0].Code != models.SignalTeleport {
		t.Errorf("signals = %v, want [teleport]", signalCodes(report))
	}
	// The teleport signal alone must push the score past the review threshold.
	if report.Verdict != VerdictFlag {
		t.Errorf("teleport verdict = %s, want %s", report.Verdict, VerdictFlag)
	}
}

func TestTeleportPlausibleMovementPasses(t *testing.T) {
	// ~100 m in 60 s is a brisk walk.
	in := cleanRiskInput()
	in.Sample.Latitude = north(testLat, 100)
	in.LastSample = &models.LocationSample{
		UserID:     "u1",
		Latitude:   testLat,
		Longitude:  testLng,
		CapturedAt: midday.Add(-time.Minute),
	}
	if r := newScorer().Score(in); r.Score != 0 {
		t.Errorf("walking pace scored %d, want 0", r.Score)
	}
}

func TestTeleportSkippedOutsideWindow(t *testing.T) {
	in := cleanRiskInput()
	in.Sample.Latitude = north(testLat, 10000)
	in.LastSample = &models.LocationSample{
		UserID:     "u1",
		Latitude:   testLat,
		Longitude:  testLng,
		CapturedAt: midday.Add(-10 * time.Minute), // past the 300 s window
	}
	report := newScorer().Score(in)
	if report.Score != 0 {
		t.Errorf("stale history scored %d, want 0", report.Score)
	}
	for _, c := range report.Checks {
		if c.Code == models.SignalTeleport && c.Outcome != CheckSkipped {
			t.Errorf("stale-history teleport outcome = %s, want skipped", c.Outcome)
		}
	}
}

func TestAccuracySignals(t *testing.T) {
	scorer := newScorer()

	in := cleanRiskInput()
	in.Sample.AccuracyM = 0.4
	report := scorer.Score(in)
	if report.Score != 25 || len(report.Signals) != 1 || report.Signals[0].Code != models.SignalAccuracyTooPrecise {
		t.Errorf("sub-meter accuracy: score=%d signals=%v", report.Score, signalCodes(report))
	}

	in.Sample.AccuracyM = 250
	report = scorer.Score(in)
	if report.Score != 10 || len(report.Signals) != 1 || report.Signals[0].Code != models.SignalAccuracyTooPoor {
		t.Errorf("poor accuracy: score=%d signals=%v", report.Score, signalCodes(report))
	}

	// Unreported accuracy skips both bounds.
	in.Sample.AccuracyM = 0
	if r := scorer.Score(in); r.Score != 0 {
		t.Errorf("absent accuracy scored %d, want 0", r.Score)
	}
}

func TestAttestationSignals(t *testing.T) {
	scorer := newScorer()

	in := cleanRiskInput()
	in.Attestation = AttestationMissing
	report := scorer.Score(in)
	if report.Score != 35 || len(report.Signals) != 1 || report.Signals[0].Code != models.SignalAttestationMissing {
		t.Errorf("missing attestation: score=%d signals=%v", report.Score, signalCodes(report))
	}

	in.Attestation = AttestationMismatch
	report = scorer.Score(in)
	if report.Score != 35 || len(report.Signals) != 1 || report.Signals[0].Code != models.SignalAttestationBad {
		t.Errorf("mismatched attestation: score=%d signals=%v", report.Score, signalCodes(report))
	}

	// A verifier outage must not punish the user.
	in.Attestation = AttestationUnavailable
	if r := scorer.Score(in); r.Score != 0 {
		t.Errorf("verifier outage scored %d, want 0", r.Score)
	}
}

func TestAttemptRateSignal(t *testing.T) {
	scorer := newScorer()

	in := cleanRiskInput()
	in.AttemptsLastMinute = 10
	report := scorer.Score(in)
	if report.Score != 20 || len(report.Signals) != 1 || report.Signals[0].Code != models.SignalRateExceeded {
		t.Errorf("rate burst: score=%d signals=%v", report.Score, signalCodes(report))
	}

	in.AttemptsLastMinute = 9
	if r := scorer.Score(in); r.Score != 0 {
		t.Errorf("rate under cap scored %d, want 0", r.Score)
	}
}

func TestUnavailableInputsFailOpen(t *testing.T) {
	in := cleanRiskInput()
	in.HistoryUnavailable = true
	in.RateUnavailable = true
	report := newScorer().Score(in)
	if report.Score != 0 || report.Verdict != VerdictApprove {
		t.Errorf("outages scored %d verdict=%s, want 0/approve", report.Score, report.Verdict)
	}
	skipped := 0
	for _, c := range report.Checks {
		if c.Outcome == CheckSkipped {
			skipped++
		}
	}
	if skipped < 2 {
		t.Errorf("only %d checks skipped, want at least history+rate", skipped)
	}
}

func TestVerdictThresholdsAndCap(t *testing.T) {
	scorer := newScorer()

	// 30 + 25 = 55: past the review threshold, short of critical.
	in := cleanRiskInput()
	in.ReportedSpeedKmh = 300
	in.Sample.AccuracyM = 0.4
	report := scorer.Score(in)
	if report.Score != 55 || report.Verdict != VerdictFlag {
		t.Errorf("score=%d verdict=%s, want 55/flag", report.Score, report.Verdict)
	}

	// Adding a missing attestation pushes past critical.
	in.Attestation = AttestationMissing
	report = scorer.Score(in)
	if report.Score != 90 || report.Verdict != VerdictReject {
		t.Errorf("score=%d verdict=%s, want 90/reject", report.Score, report.Verdict)
	}

	// Piling on the teleport signal caps the aggregate at 100.
	in.Sample.Latitude = north(testLat, 10000)
	in.LastSample = &models.LocationSample{
		UserID: "u1", Latitude: testLat, Longitude: testLng,
		CapturedAt: midday.Add(-2 * time.Second),
	}
	report = scorer.Score(in)
	if report.Score != 100 {
		t.Errorf("aggregate = %d, want capped at 100", report.Score)
	}
}

func TestCollectGathersHistoryAndRate(t *testing.T) {
	db := newTestDB(t)
	store := NewMemoryLocationStore(DefaultLocationTTL)
	scorer := NewRiskScorer(db, store, testRules(), nil)
	ctx := context.Background()

	last := models.LocationSample{
		UserID: "u1", Latitude: testLat, Longitude: testLng,
		CapturedAt: midday.Add(-time.Minute),
	}
	if err := store.Put(ctx, last); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	prize := seedPrize(t, db, testLat, testLng)
	for i := 0; i < 3; i++ {
		claim := models.Claim{
			ID:             uuid.NewString(),
			UserID:         "u1",
			PrizeID:        fmt.Sprintf("%s-%d", prize.ID, i),
			IdempotencyKey: fmt.Sprintf("k-%d", i),
			Status:         models.ClaimStatusRejected,
			ClaimedAt:      midday.Add(-30 * time.Second),
		}
		if err := db.Create(&claim).Error; err != nil {
			t.Fatalf("failed to seed claim: %v", err)
		}
	}

	sample := models.LocationSample{UserID: "u1", Latitude: testLat, Longitude: testLng, AccuracyM: 8, CapturedAt: midday}
	in := scorer.Collect(ctx, sample, models.DeviceInfo{DeviceID: "d1"}, 0)

	if in.LastSample == nil || !in.LastSample.CapturedAt.Equal(last.CapturedAt) {
		t.Errorf("Collect did not surface the stored sample: %+v", in.LastSample)
	}
	if in.AttemptsLastMinute != 3 {
		t.Errorf("AttemptsLastMinute = %d, want 3", in.AttemptsLastMinute)
	}
	if in.Attestation != AttestationNotRequired {
		t.Errorf("Attestation = %s, want not_required", in.Attestation)
	}
}

func TestCollectAttestationStatuses(t *testing.T) {
	rules := testRules()
	rules.RequireAttestation = true
	db := newTestDB(t)
	store := NewMemoryLocationStore(DefaultLocationTTL)
	ctx := context.Background()
	sample := models.LocationSample{UserID: "u1", CapturedAt: midday, Latitude: testLat, Longitude: testLng}

	cases := []struct {
		name     string
		token    string
		attestor AttestationVerifier
		want     AttestationStatus
	}{
		{"no token", "", stubAttestor{ok: true}, AttestationMissing},
		{"valid token", "tok", stubAttestor{ok: true}, AttestationOK},
		{"bad token", "tok", stubAttestor{ok: false}, AttestationMismatch},
		{"verifier down", "tok", stubAttestor{err: errors.New("timeout")}, AttestationUnavailable},
		{"no verifier wired", "tok", nil, AttestationUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scorer := NewRiskScorer(db, store, rules, tc.attestor)
			in := scorer.Collect(ctx, sample, models.DeviceInfo{DeviceID: "d1", AttestationToken: tc.token}, 0)
			if in.Attestation != tc.want {
				t.Errorf("Attestation = %s, want %s", in.Attestation, tc.want)
			}
		})
	}
}
