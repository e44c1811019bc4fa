package config

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"geo-prize-system/bus"
	"geo-prize-system/models"

	"github.com/caarlos0/env/v11"
	"gorm.io/gorm"
)

// Env is the process-level configuration read once at boot. Game tunables do
// NOT live here — those are Rules and can change without a restart.
type Env struct {
	Port        string `env:"PORT" envDefault:"5300"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	GameServiceToken string `env:"GAME_SERVICE_TOKEN,required"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	SyncServiceURL string `env:"SYNC_SERVICE_URL"`

	CloudflareAccountID string `env:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID       string `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret   string `env:"R2_ACCESS_KEY_SECRET"`
	R2BucketName        string `env:"R2_BUCKET_NAME"`
}

// LoadEnv parses process configuration from the environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// Rules are the hot-reloadable game tunables. Env vars give the defaults; the
// game_settings DB row (edited by the admin service) overlays them.
type Rules struct {
	HintRadiusM      float64 `env:"HINT_RADIUS_M" envDefault:"50"`
	VisibleRadiusM   float64 `env:"VISIBLE_RADIUS_M" envDefault:"20"`
	CatchableRadiusM float64 `env:"CATCHABLE_RADIUS_M" envDefault:"5"`

	MaxSpeedKmh           float64 `env:"MAX_SPEED_KMH" envDefault:"150"`
	TeleportWindowSeconds int     `env:"TELEPORT_WINDOW_SECONDS" envDefault:"300"`
	TeleportGraceSeconds  int     `env:"TELEPORT_GRACE_SECONDS" envDefault:"30"`
	MinPlausibleAccuracyM float64 `env:"MIN_PLAUSIBLE_ACCURACY_M" envDefault:"1"`
	MaxUsableAccuracyM    float64 `env:"MAX_USABLE_ACCURACY_M" envDefault:"100"`
	MaxAttemptsPerMinute  int     `env:"MAX_ATTEMPTS_PER_MINUTE" envDefault:"10"`

	ClaimCooldownSeconds int `env:"CLAIM_COOLDOWN_SECONDS" envDefault:"30"`
	DailyClaimLimit      int `env:"DAILY_CLAIM_LIMIT" envDefault:"50"`

	RiskThreshold     int `env:"RISK_THRESHOLD" envDefault:"50"`
	CriticalThreshold int `env:"CRITICAL_THRESHOLD" envDefault:"75"`

	WeightSpeed        int `env:"WEIGHT_SPEED" envDefault:"30"`
	WeightTeleport     int `env:"WEIGHT_TELEPORT" envDefault:"55"`
	WeightAccuracy     int `env:"WEIGHT_ACCURACY" envDefault:"25"`
	WeightPoorAccuracy int `env:"WEIGHT_POOR_ACCURACY" envDefault:"10"`
	WeightAttestation  int `env:"WEIGHT_ATTESTATION" envDefault:"35"`
	WeightRate         int `env:"WEIGHT_RATE" envDefault:"20"`

	RequireAttestation bool `env:"REQUIRE_ATTESTATION" envDefault:"true"`
}

// DefaultRules parses rule defaults from env vars (falling back to the
// envDefault tags when unset).
func DefaultRules() (Rules, error) {
	var r Rules
	if err := env.Parse(&r); err != nil {
		return Rules{}, fmt.Errorf("failed to parse rule defaults: %w", err)
	}
	return r, nil
}

// Provider hands out the current rules snapshot. Implementations must be safe
// for concurrent use and cheap to call on every request.
type Provider interface {
	Rules() Rules
}

// Static is a fixed-rules Provider for tests.
type Static Rules

func (s Static) Rules() Rules { return Rules(s) }

// reloadEvery bounds staleness when no bus event arrives (e.g., a dropped
// redis connection).
const reloadEvery = 60 * time.Second

// DBProvider overlays the game_settings row onto env defaults, caches the
// merged snapshot, and refreshes it on config.updated events plus a TTL.
type DBProvider struct {
	db       *gorm.DB
	base     Rules
	snap     atomic.Pointer[Rules]
	loadedAt atomic.Int64 // unix nanos of last successful load
}

func NewDBProvider(db *gorm.DB, b bus.Bus) (*DBProvider, error) {
	base, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	p := &DBProvider{db: db, base: base}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	if b != nil {
		b.Subscribe(bus.TopicConfigUpdated, func(bus.Event) {
			if err := p.Reload(); err != nil {
				log.Printf("[CONFIG] reload after bus event failed: %v", err)
			}
		})
	}
	return p, nil
}

// Rules returns the cached snapshot, reloading first when it has gone stale.
// A failed reload keeps serving the previous snapshot: tunables are advisory
// and must never take the service down.
func (p *DBProvider) Rules() Rules {
	if time.Since(time.Unix(0, p.loadedAt.Load())) > reloadEvery {
		if err := p.Reload(); err != nil {
			log.Printf("[CONFIG] stale reload failed, keeping previous snapshot: %v", err)
		}
	}
	return *p.snap.Load()
}

// Reload re-reads the game_settings row and swaps the snapshot.
func (p *DBProvider) Reload() error {
	merged := p.base

	var s models.GameSettings
	err := p.db.First(&s, "id = ?", 1).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		// No row yet: env defaults stand.
	case err != nil:
		// Still publish the base snapshot on first load so Rules() never
		// dereferences nil.
		if p.snap.Load() == nil {
			p.snap.Store(&merged)
		}
		return fmt.Errorf("failed to read game settings: %w", err)
	default:
		merged = overlay(merged, s)
	}

	p.snap.Store(&merged)
	p.loadedAt.Store(time.Now().UnixNano())
	return nil
}

func overlay(r Rules, s models.GameSettings) Rules {
	if s.HintRadiusM > 0 {
		r.HintRadiusM = s.HintRadiusM
	}
	if s.VisibleRadiusM > 0 {
		r.VisibleRadiusM = s.VisibleRadiusM
	}
	if s.CatchableRadiusM > 0 {
		r.CatchableRadiusM = s.CatchableRadiusM
	}
	if s.MaxSpeedKmh > 0 {
		r.MaxSpeedKmh = s.MaxSpeedKmh
	}
	if s.TeleportWindowSeconds > 0 {
		r.TeleportWindowSeconds = s.TeleportWindowSeconds
	}
	if s.TeleportGraceSeconds > 0 {
		r.TeleportGraceSeconds = s.TeleportGraceSeconds
	}
	if s.MinPlausibleAccuracyM > 0 {
		r.MinPlausibleAccuracyM = s.MinPlausibleAccuracyM
	}
	if s.MaxUsableAccuracyM > 0 {
		r.MaxUsableAccuracyM = s.MaxUsableAccuracyM
	}
	if s.MaxAttemptsPerMinute > 0 {
		r.MaxAttemptsPerMinute = s.MaxAttemptsPerMinute
	}
	if s.ClaimCooldownSeconds > 0 {
		r.ClaimCooldownSeconds = s.ClaimCooldownSeconds
	}
	if s.DailyClaimLimit > 0 {
		r.DailyClaimLimit = s.DailyClaimLimit
	}
	if s.RiskThreshold > 0 {
		r.RiskThreshold = s.RiskThreshold
	}
	if s.CriticalThreshold > 0 {
		r.CriticalThreshold = s.CriticalThreshold
	}
	if s.WeightSpeed > 0 {
		r.WeightSpeed = s.WeightSpeed
	}
	if s.WeightTeleport > 0 {
		r.WeightTeleport = s.WeightTeleport
	}
	if s.WeightAccuracy > 0 {
		r.WeightAccuracy = s.WeightAccuracy
	}
	if s.WeightPoorAccuracy > 0 {
		r.WeightPoorAccuracy = s.WeightPoorAccuracy
	}
	if s.WeightAttestation > 0 {
		r.WeightAttestation = s.WeightAttestation
	}
	if s.WeightRate > 0 {
		r.WeightRate = s.WeightRate
	}
	return r
}
