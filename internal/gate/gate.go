package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notigate/internal/delivery"
	"notigate/internal/eventbus"
	"notigate/internal/repository"
	"notigate/internal/storage"
	logx "notigate/pkg/logx"
)

const (
	TopicAllowed        eventbus.Topic = "gate.allowed"
	TopicDenied         eventbus.Topic = "gate.denied"
	TopicSent           eventbus.Topic = "gate.sent"
	TopicDeliveryFailed eventbus.Topic = "gate.delivery_failed"
)

// DefaultLookback is the dedup window when neither the candidate nor the
// per-type configuration overrides it.
const DefaultLookback = 24 * time.Hour

type Config struct {
	// DefaultLookback for dedup; zero means 24h.
	DefaultLookback time.Duration
	// LookbackByType overrides the dedup window per notification type.
	LookbackByType map[string]time.Duration
}

// Sender is the delivery channel as the gate sees it: report success or
// failure, nothing more.
type Sender interface {
	Send(ctx context.Context, recipientID string, msg delivery.Message) error
}

// Gate evaluates candidates against the recipient's rolling event window
// and preferences. Evaluate is pure; EvaluateAndSend commits the event only
// after the channel reports successful delivery, so a failed delivery never
// consumes quota or dedup budget.
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	states *repository.RecipientStates
	prefs  PreferenceSource
	sender Sender

	now func() time.Time
	log logx.Logger
	bus eventbus.Bus
}

type Option func(*Gate)

// WithNow overrides the time source (tests).
func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(cfg Config, states *repository.RecipientStates, prefs PreferenceSource, sender Sender, log logx.Logger, bus eventbus.Bus, opts ...Option) *Gate {
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = DefaultLookback
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gate{
		cfg:    cfg,
		states: states,
		prefs:  prefs,
		sender: sender,
		now:    time.Now,
		log:    log,
		bus:    bus,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Apply swaps lookback configuration at runtime (config hot reload).
func (g *Gate) Apply(cfg Config) {
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = DefaultLookback
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Evaluate runs the checks in order (dedup, quotas, quiet hours) and
// performs no side effect. Committing an allowed event is the caller's
// responsibility (or EvaluateAndSend's).
func (g *Gate) Evaluate(ctx context.Context, cand Candidate) (Decision, error) {
	if err := validateCandidate(cand); err != nil {
		return Decision{}, err
	}

	now := g.now()
	lookback := g.lookback(cand)

	// One state read covers dedup and both quota windows.
	fetchWindow := repository.RetentionWindow
	if lookback > fetchWindow {
		fetchWindow = lookback
	}
	events, err := g.states.EventsSince(ctx, cand.RecipientID, now.Add(-fetchWindow))
	if err != nil {
		return Decision{}, err
	}

	if cand.DedupKey != "" {
		dedupCutoff := now.Add(-lookback)
		for _, ev := range events {
			if ev.DedupKey == cand.DedupKey && !ev.SentAt.Before(dedupCutoff) {
				return g.finish(cand, deny(ReasonDeduplicated)), nil
			}
		}
	}

	// Missing preferences mean zero quotas: deny. Unconfigured recipients
	// must not be spammable.
	prefs, ok := g.prefs.Preferences(cand.RecipientID)
	if !ok {
		g.log.Debug("no preferences for recipient, quotas default to zero",
			logx.String("recipient", cand.RecipientID))
	}
	if countSince(events, now.Add(-time.Hour)) >= prefs.HourlyQuota {
		return g.finish(cand, deny(ReasonHourlyQuotaExceeded)), nil
	}
	if countSince(events, now.Add(-24*time.Hour)) >= prefs.DailyQuota {
		return g.finish(cand, deny(ReasonDailyQuotaExceeded)), nil
	}

	if g.inQuiet(now, prefs, cand.RecipientID) {
		return g.finish(cand, deny(ReasonQuietHours)), nil
	}

	return g.finish(cand, allow()), nil
}

// EvaluateAndSend evaluates, delivers on allow, and records the event only
// on reported delivery success.
func (g *Gate) EvaluateAndSend(ctx context.Context, cand Candidate, msg delivery.Message) (SendResult, error) {
	d, err := g.Evaluate(ctx, cand)
	if err != nil {
		return SendResult{}, err
	}
	if !d.Allowed {
		return SendResult{Status: StatusDenied, Reason: d.Reason}, nil
	}

	if err := g.sender.Send(ctx, cand.RecipientID, msg); err != nil {
		g.publish(TopicDeliveryFailed, cand, string(ReasonNone))
		g.log.Warn("delivery failed, event not recorded",
			logx.String("recipient", cand.RecipientID),
			logx.String("type", cand.Type),
			logx.Err(err))
		return SendResult{Status: StatusDeliveryFailed, Err: err}, nil
	}

	_, err = g.states.RecordEvent(ctx, cand.RecipientID, repository.Event{
		Type:     cand.Type,
		DedupKey: cand.DedupKey,
		SourceID: cand.SourceID,
		Path:     cand.Path,
	})
	if err != nil {
		// Delivered but not recorded; surface it, the caller may retry the
		// bookkeeping but must not re-send.
		g.log.Error("recording sent notification failed",
			logx.String("recipient", cand.RecipientID),
			logx.String("type", cand.Type),
			logx.Err(err))
		return SendResult{Status: StatusSent}, err
	}

	g.publish(TopicSent, cand, "")
	return SendResult{Status: StatusSent}, nil
}

func (g *Gate) lookback(cand Candidate) time.Duration {
	if cand.Lookback > 0 {
		return cand.Lookback
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if lb, ok := g.cfg.LookbackByType[cand.Type]; ok && lb > 0 {
		return lb
	}
	return g.cfg.DefaultLookback
}

func (g *Gate) inQuiet(now time.Time, prefs Preferences, recipientID string) bool {
	if prefs.Quiet == nil || strings.TrimSpace(prefs.Timezone) == "" {
		return false
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		// Unloadable timezone behaves like no quiet hours at all.
		g.log.Debug("unloadable timezone, skipping quiet hours",
			logx.String("recipient", recipientID),
			logx.String("timezone", prefs.Timezone))
		return false
	}
	return inQuietHours(now, loc, *prefs.Quiet)
}

func (g *Gate) finish(cand Candidate, d Decision) Decision {
	if d.Allowed {
		g.publish(TopicAllowed, cand, "")
	} else {
		g.publish(TopicDenied, cand, string(d.Reason))
	}
	return d
}

func (g *Gate) publish(topic eventbus.Topic, cand Candidate, reason string) {
	if g.bus == nil {
		return
	}
	data := map[string]string{"recipient": cand.RecipientID, "type": cand.Type}
	if cand.DedupKey != "" {
		data["dedup_key"] = cand.DedupKey
	}
	if reason != "" {
		data["reason"] = reason
	}
	g.bus.Publish(eventbus.Event{Topic: topic, Data: data})
}

func countSince(events []repository.NotificationEvent, cutoff time.Time) int {
	n := 0
	for _, ev := range events {
		if !ev.SentAt.Before(cutoff) {
			n++
		}
	}
	return n
}

func validateCandidate(cand Candidate) error {
	if strings.TrimSpace(cand.RecipientID) == "" {
		return fmt.Errorf("%w: empty recipient id", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(cand.Type) == "" {
		return fmt.Errorf("%w: empty notification type", storage.ErrInvalidInput)
	}
	return nil
}
