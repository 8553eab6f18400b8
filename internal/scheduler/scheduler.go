// Package scheduler runs the background market-expiry sweep: open and
// suspended markets past their resolution date are closed so no further
// trades land on them before resolution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/store"
)

// Transitioner changes a market's status under its market lock.
type Transitioner interface {
	Transition(ctx context.Context, marketID string, to model.MarketStatus) (*model.Market, error)
}

// Scheduler periodically closes expired markets.
type Scheduler struct {
	store    store.Store
	markets  Transitioner
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler sweeping every interval.
func New(st store.Store, markets Transitioner, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		markets:  markets,
		interval: interval,
		logger:   slog.Default().With("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("expiry sweep panicked", "panic", r)
		}
	}()
	closed, err := s.CloseExpired(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "err", err)
		return
	}
	if closed > 0 {
		s.logger.Info("expired markets closed", "count", closed)
	}
}

// CloseExpired closes every open or suspended market whose resolution date
// has passed and returns how many it closed. A market that changed status
// concurrently is skipped.
func (s *Scheduler) CloseExpired(ctx context.Context) (int, error) {
	now := s.now()
	closed := 0
	var errs []error
	for _, status := range []model.MarketStatus{model.StatusOpen, model.StatusSuspended} {
		markets, err := s.store.ListMarkets(ctx, store.MarketFilter{Status: status})
		if err != nil {
			return closed, fmt.Errorf("list %s markets: %w", status, err)
		}
		for _, m := range markets {
			if m.ResolutionDate.IsZero() || now.Before(m.ResolutionDate) {
				continue
			}
			if _, err := s.markets.Transition(ctx, m.ID, model.StatusClosed); err != nil {
				if errors.Is(err, model.ErrInvalidTransition) {
					continue
				}
				errs = append(errs, fmt.Errorf("close market %s: %w", m.ID, err))
				continue
			}
			closed++
		}
	}
	return closed, errors.Join(errs...)
}
