// Package gate decides, per candidate notification, whether it may be sent
// to a recipient: deduplication against the rolling event window, hourly
// and daily quotas, and recipient-local quiet hours.
package gate

import "time"

// Reason is the machine-readable explanation attached to every denial.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonDeduplicated        Reason = "Deduplicated"
	ReasonHourlyQuotaExceeded Reason = "HourlyQuotaExceeded"
	ReasonDailyQuotaExceeded  Reason = "DailyQuotaExceeded"
	ReasonQuietHours          Reason = "QuietHours"
)

// Candidate is one notification asking to be sent.
type Candidate struct {
	RecipientID string
	Type        string
	// DedupKey suppresses repeats of the same logical event within the
	// lookback window. Empty disables the dedup check.
	DedupKey string
	// Lookback overrides the dedup window for this candidate.
	// Zero means the per-type configured window (default 24h).
	Lookback time.Duration
	// Correlation back to the triggering item.
	SourceID string
	Path     string
}

// Decision is the outcome of a pure evaluation. Evaluate has no side
// effects; committing an allowed event is the caller's job.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }

// SendStatus distinguishes the three results of EvaluateAndSend: denial is
// not failure, and failure consumes no quota or dedup budget.
type SendStatus string

const (
	StatusSent           SendStatus = "sent"
	StatusDenied         SendStatus = "denied"
	StatusDeliveryFailed SendStatus = "delivery_failed"
)

type SendResult struct {
	Status SendStatus
	Reason Reason // set when Status == StatusDenied
	Err    error  // set when Status == StatusDeliveryFailed
}
