package models

import "time"

// LocationSample is the last known position of a user. Not a table: it lives
// in the ephemeral location store (redis) under a short TTL, one overwritten
// value per user. It feeds teleport heuristics only, never authorization.
type LocationSample struct {
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

// DeviceInfo is what the client reports about itself on a capture attempt.
type DeviceInfo struct {
	DeviceID         string `json:"device_id"`
	Platform         string `json:"platform"` // "ios" | "android"
	AppVersion       string `json:"app_version"`
	AttestationToken string `json:"attestation_token,omitempty"`
}
