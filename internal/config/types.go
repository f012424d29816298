// Package config loads and watches the notigate configuration file.
// YAML and JSON are both accepted; decoding is strict so typos fail fast.
package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Cache    CacheConfig    `json:"cache"`
	Gate     GateConfig     `json:"gate"`
	Delivery DeliveryConfig `json:"delivery"`
	Janitor  JanitorConfig  `json:"janitor"`
	Telegram TelegramConfig `json:"telegram"`

	// Recipients maps recipient id to notification preferences.
	// The gate consumes these read-only.
	Recipients map[string]RecipientPrefs `json:"recipients"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the durable tier (SQLite).
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "500ms").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CacheConfig controls the in-memory fast tier.
//
// Defaults (when fields are omitted/zero):
//   - capacity: 1024
//   - ttl: "15m"
type CacheConfig struct {
	Capacity int `json:"capacity,omitempty"`
	// TTL caps how long any document may live in the fast tier.
	TTL string `json:"ttl,omitempty"`
}

// GateConfig controls deduplication lookback windows.
// Quotas and quiet hours are per-recipient (see RecipientPrefs).
type GateConfig struct {
	// DefaultLookback is a Go duration string; empty means "24h".
	DefaultLookback string `json:"default_lookback,omitempty"`
	// LookbackByType overrides the window per notification type.
	LookbackByType map[string]string `json:"lookback_by_type,omitempty"`
}

// DeliveryConfig controls the send pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type DeliveryConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	// FailureThreshold deactivates a conversation reference after this
	// many consecutive failures. Default 5.
	FailureThreshold int `json:"failure_threshold,omitempty"`
}

type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression; empty means every ten minutes.
	Schedule string `json:"schedule,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// RecipientPrefs is one recipient's notification preferences.
// Omitted quotas count as zero (nothing gets through), so new recipients
// must be configured deliberately.
type RecipientPrefs struct {
	HourlyQuota int              `json:"hourly_quota"`
	DailyQuota  int              `json:"daily_quota"`
	Timezone    string           `json:"timezone,omitempty"`
	QuietHours  *QuietHoursBlock `json:"quiet_hours,omitempty"`
}

type QuietHoursBlock struct {
	Start string `json:"start"` // "HH:MM", recipient-local
	End   string `json:"end"`   // inclusive; may wrap midnight
}

// UnmarshalJSON keeps recipient blocks strict as well, so a misspelled
// preference key is caught on reload instead of silently defaulting.
func (p *RecipientPrefs) UnmarshalJSON(b []byte) error {
	type tmp RecipientPrefs
	var t tmp
	if err := strictUnmarshal(b, &t); err != nil {
		return err
	}
	*p = RecipientPrefs(t)
	return nil
}

func strictUnmarshal(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
