package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"geo-prize-system/config"
	"geo-prize-system/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

// Zone is which ring of the search circle a prize falls in.
type Zone string

const (
	ZoneCatchable Zone = "catchable"
	ZoneVisible   Zone = "visible"
	ZoneHint      Zone = "hint"
)

// NearbyPrize is one prize as seen from the user's position. Coordinates and
// bearing are only populated inside the visible radius; hint-zone entries get
// text only so clients can't trilaterate the anchor.
type NearbyPrize struct {
	PrizeID   string             `json:"prize_id"`
	Name      string             `json:"name,omitempty"`
	Category  string             `json:"category"`
	Rarity    models.PrizeRarity `json:"rarity"`
	Zone      Zone               `json:"zone"`
	DistanceM float64            `json:"distance_m"`
	Latitude  *float64           `json:"latitude,omitempty"`
	Longitude *float64           `json:"longitude,omitempty"`
	Bearing   string             `json:"bearing,omitempty"`
	Hint      string             `json:"hint,omitempty"`
	Catchable bool               `json:"catchable"`
}

// ZonedPrizes groups nearby prizes by ring, each list distance-sorted.
type ZonedPrizes struct {
	Catchable []NearbyPrize `json:"catchable"`
	Visible   []NearbyPrize `json:"visible"`
	Hint      []NearbyPrize `json:"hint"`
}

// proximityCacheTTL absorbs the call rate of a moving client. Results are a
// pure function of (user, rounded position, catalog), so a short TTL is safe.
const proximityCacheTTL = 15 * time.Second

type proximityCacheEntry struct {
	zones     ZonedPrizes
	expiresAt time.Time
}

type ProximityService struct {
	DB    *gorm.DB
	Rules config.Provider

	mu    sync.Mutex
	cache map[string]proximityCacheEntry
	now   func() time.Time
}

func NewProximityService(db *gorm.DB, rules config.Provider) *ProximityService {
	return &ProximityService{
		DB:    db,
		Rules: rules,
		cache: make(map[string]proximityCacheEntry),
		now:   time.Now,
	}
}

// Nearby classifies live prizes around (lat, lng) into catchable/visible/hint
// zones. Pure read; no side effects.
func (s *ProximityService) Nearby(ctx context.Context, externalUserID string, lat, lng float64) (ZonedPrizes, error) {
	if !ValidCoordinates(lat, lng) {
		return ZonedPrizes{}, errInvalidCoordinates(lat, lng)
	}

	var player models.Player
	if err := s.DB.WithContext(ctx).Where("external_user_id = ?", externalUserID).First(&player).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ZonedPrizes{}, errUserNotEligible("unknown user")
		}
		return ZonedPrizes{}, fmt.Errorf("failed to load player: %w", err)
	}
	if player.Status != models.PlayerStatusActive {
		return ZonedPrizes{}, errUserNotEligible(fmt.Sprintf("account is %s", player.Status))
	}

	// Cache on position rounded to ~11 m so a walking user reuses entries.
	cacheKey := fmt.Sprintf("%s:%.4f:%.4f", externalUserID, lat, lng)
	s.mu.Lock()
	if entry, ok := s.cache[cacheKey]; ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.zones, nil
	}
	s.mu.Unlock()

	rules := s.Rules.Rules()

	minLat, maxLat, minLng, maxLng := boundingBox(lat, lng, rules.HintRadiusM)

	now := s.now()
	var candidates []models.Prize
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.PrizeStatusActive).
		Where("quantity_remaining > 0").
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("latitude BETWEEN ? AND ?", minLat, maxLat).
		Where("longitude BETWEEN ? AND ?", minLng, maxLng).
		Where("id NOT IN (?)", s.DB.Model(&models.Claim{}).
			Select("prize_id").
			Where("user_id = ?", externalUserID)).
		Find(&candidates).Error
	if err != nil {
		return ZonedPrizes{}, fmt.Errorf("failed to query nearby prizes: %w", err)
	}

	var zones ZonedPrizes
	for i := range candidates {
		p := &candidates[i]
		d := HaversineM(lat, lng, p.Latitude, p.Longitude)
		switch {
		case d <= rules.CatchableRadiusM:
			zones.Catchable = append(zones.Catchable, visibleEntry(p, d, lat, lng, ZoneCatchable))
		case d <= rules.VisibleRadiusM:
			zones.Visible = append(zones.Visible, visibleEntry(p, d, lat, lng, ZoneVisible))
		case d <= rules.HintRadiusM:
			zones.Hint = append(zones.Hint, hintEntry(p, d, rules.HintRadiusM))
		}
	}

	for _, list := range [][]NearbyPrize{zones.Catchable, zones.Visible, zones.Hint} {
		sort.Slice(list, func(i, j int) bool { return list[i].DistanceM < list[j].DistanceM })
	}

	s.mu.Lock()
	s.cache[cacheKey] = proximityCacheEntry{zones: zones, expiresAt: s.now().Add(proximityCacheTTL)}
	// Drop expired entries opportunistically so the map doesn't grow forever.
	if len(s.cache) > 4096 {
		for k, e := range s.cache {
			if s.now().After(e.expiresAt) {
				delete(s.cache, k)
			}
		}
	}
	s.mu.Unlock()

	return zones, nil
}

func visibleEntry(p *models.Prize, distanceM, userLat, userLng float64, zone Zone) NearbyPrize {
	plat, plng := p.Latitude, p.Longitude
	return NearbyPrize{
		PrizeID:   p.ID,
		Name:      p.Name,
		Category:  p.Category,
		Rarity:    p.Rarity,
		Zone:      zone,
		DistanceM: distanceM,
		Latitude:  &plat,
		Longitude: &plng,
		Bearing:   Cardinal(BearingDeg(userLat, userLng, plat, plng)),
		Catchable: zone == ZoneCatchable,
	}
}

func hintEntry(p *models.Prize, distanceM, hintRadiusM float64) NearbyPrize {
	return NearbyPrize{
		PrizeID:   p.ID,
		Category:  p.Category,
		Rarity:    p.Rarity,
		Zone:      ZoneHint,
		DistanceM: distanceM,
		Hint:      HintText(distanceM, hintRadiusM, p.Rarity, p.Category),
	}
}

var titleCaser = cases.Title(language.English)

// HintText renders the teaser shown for hint-zone prizes. Deterministic:
// identical (distance bucket, rarity, category) always yields the same text.
func HintText(distanceM, hintRadiusM float64, rarity models.PrizeRarity, category string) string {
	bucket := "in the area"
	switch {
	case distanceM <= hintRadiusM*0.6:
		bucket = "a short walk away"
	case distanceM <= hintRadiusM*0.8:
		bucket = "nearby"
	}

	what := titleCaser.String(string(rarity)) + " prize"
	if category != "" {
		what = titleCaser.String(string(rarity)) + " " + titleCaser.String(category) + " prize"
	}
	return fmt.Sprintf("A %s is %s. Keep moving to reveal it!", what, bucket)
}
