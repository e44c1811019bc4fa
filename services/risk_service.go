package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"geo-prize-system/config"
	"geo-prize-system/models"

	"gorm.io/gorm"
)

// CheckOutcome distinguishes "signal not raised" from "signal raised" from
// "check could not run". Skipped checks never contribute to the score: an
// outage of an advisory input must not block a legitimate claim.
type CheckOutcome string

const (
	CheckPassed  CheckOutcome = "passed"
	CheckFailed  CheckOutcome = "failed"
	CheckSkipped CheckOutcome = "skipped"
)

// CheckResult is one anti-cheat check's outcome; Signal is set when failed.
type CheckResult struct {
	Code    models.SignalCode `json:"code"`
	Outcome CheckOutcome      `json:"outcome"`
	Signal  *models.RiskSignal `json:"signal,omitempty"`
}

// AttestationStatus is the gathered state of device attestation.
type AttestationStatus string

const (
	AttestationOK          AttestationStatus = "ok"
	AttestationMissing     AttestationStatus = "missing"
	AttestationMismatch    AttestationStatus = "mismatch"
	AttestationNotRequired AttestationStatus = "not_required"
	AttestationUnavailable AttestationStatus = "unavailable"
)

// RiskInput is everything Score needs, gathered up front so scoring itself is
// a pure, deterministic function.
type RiskInput struct {
	Sample           models.LocationSample
	Device           models.DeviceInfo
	ReportedSpeedKmh float64

	LastSample         *models.LocationSample
	HistoryUnavailable bool

	Attestation AttestationStatus

	AttemptsLastMinute int
	RateUnavailable    bool
}

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictFlag    Verdict = "flag"
	VerdictReject  Verdict = "reject"
)

// RiskReport carries the per-signal breakdown alongside the aggregate so both
// the admission decision and human review see *why* a score is high.
type RiskReport struct {
	Signals models.RiskSignals `json:"signals"`
	Checks  []CheckResult      `json:"checks"`
	Score   int                `json:"score"`
	Verdict Verdict            `json:"verdict"`
}

// AttestationVerifier checks a device attestation token with the auth
// service. Implemented by AuthServiceClient.
type AttestationVerifier interface {
	VerifyAttestation(ctx context.Context, deviceID, token string) (bool, error)
}

type RiskScorer struct {
	DB        *gorm.DB
	Locations LocationStore
	Rules     config.Provider
	Attestor  AttestationVerifier
}

func NewRiskScorer(db *gorm.DB, locations LocationStore, rules config.Provider, attestor AttestationVerifier) *RiskScorer {
	return &RiskScorer{DB: db, Locations: locations, Rules: rules, Attestor: attestor}
}

// Collect gathers the inputs Score needs. Outages of advisory inputs (the
// location store, the attestation service) degrade to skipped checks instead
// of failing the claim.
func (s *RiskScorer) Collect(ctx context.Context, sample models.LocationSample, device models.DeviceInfo, reportedSpeedKmh float64) RiskInput {
	in := RiskInput{
		Sample:           sample,
		Device:           device,
		ReportedSpeedKmh: reportedSpeedKmh,
	}
	rules := s.Rules.Rules()

	last, ok, err := s.Locations.Get(ctx, sample.UserID)
	switch {
	case err != nil:
		log.Printf("⚠️ [RISK] location store unavailable for %s: %v", sample.UserID, err)
		in.HistoryUnavailable = true
	case ok:
		in.LastSample = &last
	}

	var attempts int64
	err = s.DB.WithContext(ctx).Model(&models.Claim{}).
		Where("user_id = ? AND claimed_at >= ?", sample.UserID, sample.CapturedAt.Add(-time.Minute)).
		Count(&attempts).Error
	if err != nil {
		log.Printf("⚠️ [RISK] attempt-rate query failed for %s: %v", sample.UserID, err)
		in.RateUnavailable = true
	} else {
		in.AttemptsLastMinute = int(attempts)
	}

	in.Attestation = s.collectAttestation(ctx, device, rules)
	return in
}

func (s *RiskScorer) collectAttestation(ctx context.Context, device models.DeviceInfo, rules config.Rules) AttestationStatus {
	if !rules.RequireAttestation {
		return AttestationNotRequired
	}
	if device.AttestationToken == "" {
		return AttestationMissing
	}
	if s.Attestor == nil {
		return AttestationUnavailable
	}
	ok, err := s.Attestor.VerifyAttestation(ctx, device.DeviceID, device.AttestationToken)
	if err != nil {
		log.Printf("⚠️ [RISK] attestation service unavailable for device %s: %v", device.DeviceID, err)
		return AttestationUnavailable
	}
	if !ok {
		return AttestationMismatch
	}
	return AttestationOK
}

// Score runs every check and aggregates raised signal weights into a bounded
// 0–100 score. Pure: identical input and rules always yield identical output.
func (s *RiskScorer) Score(in RiskInput) RiskReport {
	rules := s.Rules.Rules()

	checks := []CheckResult{
		checkReportedSpeed(in, rules),
		checkTeleport(in, rules),
		checkAccuracyTooPrecise(in, rules),
		checkAccuracyTooPoor(in, rules),
		checkAttestation(in, rules),
		checkAttemptRate(in, rules),
	}

	report := RiskReport{Checks: checks, Signals: models.RiskSignals{}}
	for _, c := range checks {
		if c.Outcome == CheckFailed && c.Signal != nil {
			report.Signals = append(report.Signals, *c.Signal)
			report.Score += c.Signal.Weight
		}
	}
	if report.Score > 100 {
		report.Score = 100
	}

	switch {
	case report.Score >= rules.CriticalThreshold:
		report.Verdict = VerdictReject
	case report.Score >= rules.RiskThreshold:
		report.Verdict = VerdictFlag
	default:
		report.Verdict = VerdictApprove
	}
	return report
}

func checkReportedSpeed(in RiskInput, rules config.Rules) CheckResult {
	if in.ReportedSpeedKmh <= 0 {
		return CheckResult{Code: models.SignalSpeedExceeded, Outcome: CheckSkipped}
	}
	if in.ReportedSpeedKmh <= rules.MaxSpeedKmh {
		return CheckResult{Code: models.SignalSpeedExceeded, Outcome: CheckPassed}
	}
	return CheckResult{
		Code:    models.SignalSpeedExceeded,
		Outcome: CheckFailed,
		Signal: &models.RiskSignal{
			Code:   models.SignalSpeedExceeded,
			Weight: rules.WeightSpeed,
			Detail: fmt.Sprintf("reported %.0f km/h, max %.0f km/h", in.ReportedSpeedKmh, rules.MaxSpeedKmh),
		},
	}
}

// checkTeleport compares displacement since the last stored sample against
// the configured speed ceiling. Samples older than the window are ignored
// and very short gaps are clamped to the grace period, so a GPS cold-start
// jump after reconnect doesn't read as thousands of km/h on its own.
func checkTeleport(in RiskInput, rules config.Rules) CheckResult {
	if in.HistoryUnavailable {
		return CheckResult{Code: models.SignalTeleport, Outcome: CheckSkipped}
	}
	if in.LastSample == nil {
		return CheckResult{Code: models.SignalTeleport, Outcome: CheckSkipped}
	}

	elapsed := in.Sample.CapturedAt.Sub(in.LastSample.CapturedAt)
	if elapsed <= 0 {
		return CheckResult{Code: models.SignalTeleport, Outcome: CheckSkipped}
	}
	if elapsed > time.Duration(rules.TeleportWindowSeconds)*time.Second {
		return CheckResult{Code: models.SignalTeleport, Outcome: CheckSkipped}
	}
	if grace := time.Duration(rules.TeleportGraceSeconds) * time.Second; elapsed < grace {
		elapsed = grace
	}

	distanceM := HaversineM(in.LastSample.Latitude, in.LastSample.Longitude, in.Sample.Latitude, in.Sample.Longitude)
	impliedKmh := (distanceM / 1000) / elapsed.Hours()
	if impliedKmh <= rules.MaxSpeedKmh {
		return CheckResult{Code: models.SignalTeleport, Outcome: CheckPassed}
	}
	return CheckResult{
		Code:    models.SignalTeleport,
		Outcome: CheckFailed,
		Signal: &models.RiskSignal{
			Code:   models.SignalTeleport,
			Weight: rules.WeightTeleport,
			Detail: fmt.Sprintf("moved %.0f m in %s (~%.0f km/h), max %.0f km/h", distanceM, elapsed, impliedKmh, rules.MaxSpeedKmh),
		},
	}
}

// Sub-meter accuracy from a phone GPS is a spoofing tell, not a bonus.
func checkAccuracyTooPrecise(in RiskInput, rules config.Rules) CheckResult {
	if in.Sample.AccuracyM <= 0 {
		return CheckResult{Code: models.SignalAccuracyTooPrecise, Outcome: CheckSkipped}
	}
	if in.Sample.AccuracyM >= rules.MinPlausibleAccuracyM {
		return CheckResult{Code: models.SignalAccuracyTooPrecise, Outcome: CheckPassed}
	}
	return CheckResult{
		Code:    models.SignalAccuracyTooPrecise,
		Outcome: CheckFailed,
		Signal: &models.RiskSignal{
			Code:   models.SignalAccuracyTooPrecise,
			Weight: rules.WeightAccuracy,
			Detail: fmt.Sprintf("accuracy %.2f m is implausibly precise (min %.1f m)", in.Sample.AccuracyM, rules.MinPlausibleAccuracyM),
		},
	}
}

// Poor accuracy degrades trust too. It feeds the aggregate with a small
// weight: common on real devices, so it should nudge, not condemn.
func checkAccuracyTooPoor(in RiskInput, rules config.Rules) CheckResult {
	if in.Sample.AccuracyM <= 0 {
		return CheckResult{Code: models.SignalAccuracyTooPoor, Outcome: CheckSkipped}
	}
	if in.Sample.AccuracyM <= rules.MaxUsableAccuracyM {
		return CheckResult{Code: models.SignalAccuracyTooPoor, Outcome: CheckPassed}
	}
	return CheckResult{
		Code:    models.SignalAccuracyTooPoor,
		Outcome: CheckFailed,
		Signal: &models.RiskSignal{
			Code:   models.SignalAccuracyTooPoor,
			Weight: rules.WeightPoorAccuracy,
			Detail: fmt.Sprintf("accuracy %.0f m exceeds usable bound of %.0f m", in.Sample.AccuracyM, rules.MaxUsableAccuracyM),
		},
	}
}

func checkAttestation(in RiskInput, rules config.Rules) CheckResult {
	switch in.Attestation {
	case AttestationNotRequired, AttestationUnavailable:
		return CheckResult{Code: models.SignalAttestationMissing, Outcome: CheckSkipped}
	case AttestationOK:
		return CheckResult{Code: models.SignalAttestationMissing, Outcome: CheckPassed}
	case AttestationMissing:
		return CheckResult{
			Code:    models.SignalAttestationMissing,
			Outcome: CheckFailed,
			Signal: &models.RiskSignal{
				Code:   models.SignalAttestationMissing,
				Weight: rules.WeightAttestation,
				Detail: "device attestation token missing",
			},
		}
	case AttestationMismatch:
		return CheckResult{
			Code:    models.SignalAttestationBad,
			Outcome: CheckFailed,
			Signal: &models.RiskSignal{
				Code:   models.SignalAttestationBad,
				Weight: rules.WeightAttestation,
				Detail: "device attestation token failed verification",
			},
		}
	}
	return CheckResult{Code: models.SignalAttestationMissing, Outcome: CheckSkipped}
}

func checkAttemptRate(in RiskInput, rules config.Rules) CheckResult {
	if in.RateUnavailable {
		return CheckResult{Code: models.SignalRateExceeded, Outcome: CheckSkipped}
	}
	if in.AttemptsLastMinute < rules.MaxAttemptsPerMinute {
		return CheckResult{Code: models.SignalRateExceeded, Outcome: CheckPassed}
	}
	return CheckResult{
		Code:    models.SignalRateExceeded,
		Outcome: CheckFailed,
		Signal: &models.RiskSignal{
			Code:   models.SignalRateExceeded,
			Weight: rules.WeightRate,
			Detail: fmt.Sprintf("%d attempts in the last minute, cap is %d", in.AttemptsLastMinute, rules.MaxAttemptsPerMinute),
		},
	}
}
