package web

import (
	"Blackice/store"
	"Blackice/utilities"
	"time"
)

// AccountStatus is one exchange-account's line in the status snapshot.
type AccountStatus struct {
	Key              string  `json:"key"`
	Exchange         string  `json:"exchange"`
	Scope            string  `json:"scope"`
	Connected        bool    `json:"connected"`
	Degraded         bool    `json:"degraded"`
	DegradedReason   string  `json:"degraded_reason,omitempty"`
	OpenPositions    int     `json:"open_positions"`
	PositionValueUSD float64 `json:"position_value_usd"`
}

// StatusSnapshot is the point-in-time view served to status tooling.
// Trading is true only when the safety machine is LIVE_ACTIVE; no other
// state may report as trading.
type StatusSnapshot struct {
	AppName           string          `json:"app_name"`
	Version           string          `json:"version"`
	SafetyState       string          `json:"safety_state"`
	Trading           bool            `json:"trading"`
	KillSwitchEngaged bool            `json:"kill_switch_engaged"`
	Accounts          []AccountStatus `json:"accounts"`
	GeneratedAt       time.Time       `json:"generated_at"`
}

// AppController defines the interface the web package needs to read the
// main application's state.
type AppController interface {
	GetStatusSnapshot() StatusSnapshot
	GetPositions() ([]utilities.Position, error)
	GetSafetyHistory(limit int) ([]store.Transition, error)
	GetRecentEvents(limit int) ([]store.JournalEvent, error)
	Logger() *utilities.Logger
}
