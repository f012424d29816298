// Package delivery sends gated notifications to recipients over their
// active conversation references: rate limit, bounded retry, and a
// persisted consecutive-failure circuit breaker per reference.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notigate/internal/eventbus"
	"notigate/internal/repository"
	"notigate/internal/transport"
	logx "notigate/pkg/logx"
)

var ErrNoRoute = errors.New("delivery: no active conversation reference")

const (
	TopicSent   eventbus.Topic = "delivery.sent"
	TopicFailed eventbus.Topic = "delivery.failed"
)

// Message is the payload handed to the delivery channel.
type Message struct {
	Text    string
	Options *transport.SendOptions
}

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Service resolves a recipient's active refs and attempts delivery in
// order until one succeeds. It reports success or failure; whether the
// message was allowed at all is the gate's business, decided before the
// message ever reaches here.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter transport.Adapter
	refs    *repository.Conversations
	log     logx.Logger
	bus     eventbus.Bus
}

func New(cfg Config, adapter transport.Adapter, refs *repository.Conversations, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, refs: refs, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps delivery knobs at runtime (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers msg to the recipient's first reachable active reference.
// It returns ErrNoRoute when no active reference exists, or the last
// delivery error when every reference fails.
func (s *Service) Send(ctx context.Context, recipientID string, msg Message) error {
	refs, err := s.refs.Active(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("delivery: resolve refs: %w", err)
	}
	if len(refs) == 0 {
		return ErrNoRoute
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	var lastErr error = ErrNoRoute
	for _, ref := range refs {
		var target transport.ChatTarget
		if err := json.Unmarshal(ref.Routing, &target); err != nil {
			s.log.Warn("skipping ref with undecodable routing",
				logx.String("recipient", recipientID),
				logx.String("channel", ref.Channel),
				logx.Err(err))
			continue
		}

		err := s.sendWithRetry(ctx, cfg, lim, target, msg)
		if err == nil {
			if rerr := s.refs.RecordSuccess(ctx, recipientID, ref.Channel); rerr != nil {
				s.log.Warn("record delivery success failed", logx.String("recipient", recipientID), logx.Err(rerr))
			}
			s.publish(TopicSent, recipientID, ref.Channel, nil)
			return nil
		}
		lastErr = err
		if _, rerr := s.refs.RecordFailure(ctx, recipientID, ref.Channel); rerr != nil {
			s.log.Warn("record delivery failure failed", logx.String("recipient", recipientID), logx.Err(rerr))
		}
		s.publish(TopicFailed, recipientID, ref.Channel, err)
	}
	return lastErr
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, to transport.ChatTarget, msg Message) error {
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		// Bound per-send call. Keep tight to avoid hanging callers.
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(callCtx, to, msg.Text, msg.Options)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("delivery attempt failed",
			logx.Int64("chat_id", to.ChatID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err))

		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Service) publish(topic eventbus.Topic, recipientID, channel string, err error) {
	if s.bus == nil {
		return
	}
	data := map[string]string{"recipient": recipientID, "channel": channel}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Publish(eventbus.Event{Topic: topic, Data: data})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt); delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
