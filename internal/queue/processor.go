package queue

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Handler attempts delivery of one pending item. Returning an error that
// wraps ErrPermanent drops the item; any other error reschedules it.
type Handler func(ctx context.Context, p Pending) error

// Processor drains the queue. It has no goroutine of its own; the poll
// loop calls ProcessNow once per cycle.
type Processor struct {
	queue     *Queue
	handler   Handler
	batchSize int
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	BatchSize int // How many items to attempt per cycle
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize: 20,
	}
}

// NewProcessor creates a new queue processor
func NewProcessor(queue *Queue, handler Handler, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProcessorConfig().BatchSize
	}
	return &Processor{
		queue:     queue,
		handler:   handler,
		batchSize: cfg.BatchSize,
	}
}

// ProcessNow attempts every due item once and returns how many were
// delivered and how many failed again.
func (p *Processor) ProcessNow(ctx context.Context) (delivered, failed int) {
	if _, err := p.queue.PurgeExpired(); err != nil {
		log.Error().Err(err).Msg("Failed to purge expired deliveries")
	}

	items, err := p.queue.GetPending(p.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get pending deliveries")
		return 0, 0
	}

	if len(items) == 0 {
		return 0, 0
	}

	log.Info().Int("count", len(items)).Msg("Retrying queued deliveries")

	for _, item := range items {
		if ctx.Err() != nil {
			return delivered, failed
		}

		err := p.handler(ctx, item)
		switch {
		case err == nil:
			if err := p.queue.MarkSuccess(item.ID); err != nil {
				log.Error().Err(err).Int64("id", item.ID).Msg("Failed to remove delivered item")
			}
			delivered++
		case errors.Is(err, ErrPermanent):
			log.Warn().
				Err(err).
				Str("fingerprint", item.Fingerprint).
				Msg("Dropping queued delivery")
			if err := p.queue.MarkSuccess(item.ID); err != nil {
				log.Error().Err(err).Int64("id", item.ID).Msg("Failed to remove dropped item")
			}
			failed++
		default:
			log.Warn().
				Err(err).
				Int64("id", item.ID).
				Str("fingerprint", item.Fingerprint).
				Int("retries", item.Retries+1).
				Msg("Queued delivery failed")
			if err := p.queue.MarkFailed(item.ID, err.Error()); err != nil {
				log.Error().Err(err).Int64("id", item.ID).Msg("Failed to mark item as failed")
			}
			failed++
		}
	}

	if delivered > 0 || failed > 0 {
		log.Info().
			Int("delivered", delivered).
			Int("failed", failed).
			Msg("Queue processing complete")
	}
	return delivered, failed
}

// QueueStats returns current queue statistics
func (p *Processor) QueueStats() (*Stats, error) {
	return p.queue.Stats()
}
