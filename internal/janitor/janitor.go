// Package janitor sweeps expired documents out of the durable tier on a
// cron schedule. SQLite has no native TTL, so without this sweep expired
// rows would only be filtered on read and reclaimed opportunistically.
package janitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "notigate/pkg/logx"
)

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "*/10 * * * *"

const sweepTimeout = 30 * time.Second

// Pruner is what the janitor needs from the durable store.
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

type Service struct {
	mu      sync.Mutex
	c       *cron.Cron
	pruner  Pruner
	log     logx.Logger
	running bool
}

func New(schedule string, pruner Pruner, log logx.Logger) (*Service, error) {
	if pruner == nil {
		return nil, errors.New("janitor: pruner is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}

	s := &Service{pruner: pruner, log: log}
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	s.c = c
	return s, nil
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Debug("janitor started")
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCtx := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.pruner.PruneExpired(ctx)
	if err != nil {
		s.log.Warn("expired document sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("swept expired documents", logx.Int64("count", n))
	}
}
