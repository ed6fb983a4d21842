package models

import "time"

// Flag is a feature switch with optional percentage rollout and environment
// filter. Bucketing is deterministic so a given user sees consistent behavior
// across components.
type Flag struct {
	Enabled      bool      `json:"enabled"`
	RolloutPct   int       `json:"rolloutPct"`
	Environments []string  `json:"environments,omitempty"`
	Description  string    `json:"description,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Well-known flag names consulted by the control loops.
const (
	FlagAutoscaleEnabled = "AUTOSCALE_ENABLED"
	FlagStabilizeMode    = "STABILIZE_MODE"
)
