package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"otp-relay/internal/delivery"
	"otp-relay/internal/portal"
	"otp-relay/internal/snapshot"
)

// Source is the logged-in portal as seen by the poll loop.
type Source interface {
	snapshot.Reader
	Refresh(ctx context.Context) error
	Login(ctx context.Context) error
}

type Deliverer interface {
	Deliver(ctx context.Context, units []snapshot.ChangeUnit) []delivery.Outcome
}

// Retrier drains messages that missed their cycle.
type Retrier interface {
	ProcessNow(ctx context.Context) (delivered, failed int)
}

type Manager struct {
	source   Source
	pipeline Deliverer
	retrier  Retrier
	state    *State
	interval time.Duration
}

// NewManager wires the poll loop. retrier may be nil.
func NewManager(source Source, pipeline Deliverer, retrier Retrier, state *State, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Manager{
		source:   source,
		pipeline: pipeline,
		retrier:  retrier,
		state:    state,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. The session must already be logged
// in. Cycle failures are logged and never end the loop; Run returns nil on
// cancellation.
func (m *Manager) Run(ctx context.Context) error {
	log.Info().Dur("interval", m.interval).Msg("Starting poll loop")

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.pollOnce(ctx)

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	logger := log.With().Str("cycle", uuid.NewString()).Logger()
	start := time.Now()

	err := m.runCycle(ctx, logger)
	switch {
	case err != nil && ctx.Err() != nil:
		logger.Info().Msg("Cycle interrupted by shutdown")
		return
	case err != nil:
		logger.Error().Err(err).Msg("Poll cycle failed")
	}
	m.state.cycleDone(err != nil)

	if m.retrier != nil {
		m.retrier.ProcessNow(ctx)
	}

	logger.Debug().Dur("took", time.Since(start)).Msg("Cycle finished")
}

func (m *Manager) runCycle(ctx context.Context, logger zerolog.Logger) error {
	if err := m.refresh(ctx, logger); err != nil {
		return err
	}

	baseline := m.state.Baseline()
	current, errs := snapshot.Capture(ctx, m.source, baseline)
	if current == nil {
		return fmt.Errorf("capture: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		logger.Warn().Err(err).Msg("Service skipped this cycle")
	}

	units := snapshot.Diff(baseline, current)
	resets := snapshot.Resets(baseline, current, units)
	if len(units) == 0 && !resets {
		logger.Debug().Int("services", len(current)).Msg("No new messages")
		return nil
	}
	if resets {
		logger.Warn().Msg("Counts decreased, resyncing baseline")
	}
	logger.Info().Int("units", len(units)).Msg("New messages detected")

	var outcomes []delivery.Outcome
	if len(units) > 0 {
		outcomes = m.pipeline.Deliver(ctx, units)
	}
	current = rewind(current, units, outcomes)
	m.state.Retain(current)

	var sent, dupes, queued, failed int
	for _, o := range outcomes {
		sent += o.Sent
		dupes += o.Duplicates
		queued += o.Queued
		if o.Err != nil {
			failed++
			logger.Warn().Err(o.Err).Str("unit", o.Unit.String()).Msg("Change unit incomplete")
		}
	}
	logger.Info().
		Int("sent", sent).
		Int("duplicates", dupes).
		Int("queued", queued).
		Int("failed_units", failed).
		Msg("Cycle delivered")

	return ctx.Err()
}

// refresh reloads the portal view, logging in again once if the session
// was lost.
func (m *Manager) refresh(ctx context.Context, logger zerolog.Logger) error {
	err := m.source.Refresh(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, portal.ErrSessionLost) {
		return fmt.Errorf("refresh: %w", err)
	}

	logger.Warn().Msg("Session lost, logging in again")
	if err := m.source.Login(ctx); err != nil {
		return fmt.Errorf("re-login: %w", err)
	}
	if err := m.source.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh after re-login: %w", err)
	}
	return nil
}

// rewind lowers the retained count of every unit that was not fully read,
// including units Deliver never reached, so the next cycle's Diff offers
// the unread messages again.
func rewind(current snapshot.Snapshot, units []snapshot.ChangeUnit, outcomes []delivery.Outcome) snapshot.Snapshot {
	for i, u := range units {
		read := 0
		if i < len(outcomes) {
			if !outcomes[i].Short() {
				continue
			}
			read = outcomes[i].Read
		}
		current = current.WithNumberCount(u.Service, u.Number, u.From+read)
	}
	return current
}
