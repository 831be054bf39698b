// Package delivery turns change units into notifications: it reads the new
// message bodies, drops ones already delivered, extracts the OTP, and
// hands each payload to the transport with bounded retries.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"otp-relay/internal/notify"
	"otp-relay/internal/queue"
	"otp-relay/internal/snapshot"
)

// BodyReader fetches the bodies of messages [from, to) under a number. It
// may return fewer than to-from messages when the page did not finish
// loading.
type BodyReader interface {
	Messages(ctx context.Context, service, number string, from, to int) ([]snapshot.Message, error)
}

// Pending receives payloads that could not be delivered in their cycle.
type Pending interface {
	Enqueue(p queue.Pending, lastError string) error
}

// Options configures retry and formatting behaviour.
type Options struct {
	MaxAttempts      int
	RateLimitBackoff time.Duration
	SendDelay        time.Duration
	Scope            Scope
	Template         *Template

	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns 5 attempts, 15s rate-limit backoff and a 1s pause
// after each successful send.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		RateLimitBackoff: 15 * time.Second,
		SendDelay:        time.Second,
		Scope:            ScopeContent,
	}
}

// Outcome summarises the processing of one change unit.
type Outcome struct {
	Unit       snapshot.ChangeUnit
	Read       int // bodies returned by the reader
	Sent       int
	Duplicates int
	Queued     int
	Abandoned  int
	Err        error
}

// Short reports whether fewer messages were read than the unit covers.
func (o Outcome) Short() bool {
	return o.Read < o.Unit.Len()
}

type Pipeline struct {
	reader    BodyReader
	transport notify.Transport
	record    *Record
	pending   Pending
	opts      Options
}

// NewPipeline wires a pipeline. pending may be nil, in which case
// undeliverable messages are only logged.
func NewPipeline(reader BodyReader, transport notify.Transport, record *Record, pending Pending, opts Options) (*Pipeline, error) {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = def.RateLimitBackoff
	}
	if opts.SendDelay < 0 {
		opts.SendDelay = 0
	}
	if opts.Scope == "" {
		opts.Scope = def.Scope
	}
	if opts.Template == nil {
		t, err := ParseTemplate("")
		if err != nil {
			return nil, err
		}
		opts.Template = t
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Pipeline{
		reader:    reader,
		transport: transport,
		record:    record,
		pending:   pending,
		opts:      opts,
	}, nil
}

// Deliver processes units in order. A failure in one unit is recorded in
// its Outcome and does not stop the others. Deliver stops early only when
// ctx is cancelled; the remaining units get no Outcome.
func (p *Pipeline) Deliver(ctx context.Context, units []snapshot.ChangeUnit) []Outcome {
	outcomes := make([]Outcome, 0, len(units))
	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, p.deliverUnit(ctx, unit))
	}
	return outcomes
}

func (p *Pipeline) deliverUnit(ctx context.Context, unit snapshot.ChangeUnit) Outcome {
	out := Outcome{Unit: unit}
	logger := log.With().
		Str("service", unit.Service).
		Str("number", unit.Number).
		Logger()

	capturedAt := p.opts.Now()
	messages, err := p.reader.Messages(ctx, unit.Service, unit.Number, unit.From, unit.To)
	if err != nil {
		out.Err = fmt.Errorf("read messages %s: %w", unit, err)
		return out
	}
	if len(messages) > unit.Len() {
		messages = messages[:unit.Len()]
	}
	out.Read = len(messages)
	if out.Short() {
		logger.Warn().
			Int("expected", unit.Len()).
			Int("read", out.Read).
			Msg("Fewer messages loaded than counted")
	}

	for i, msg := range messages {
		if ctx.Err() != nil {
			// Rewind to the first message not handled.
			out.Read = i
			out.Err = ctx.Err()
			return out
		}

		key := p.opts.Scope.Key(unit.Number, msg.Body)
		msgLog := logger.With().
			Int("index", unit.From+i).
			Str("fingerprint", key.Short()).
			Logger()

		if p.record.Has(key) {
			msgLog.Info().Msg("Message already processed")
			out.Duplicates++
			continue
		}

		n := NewNotification(capturedAt, unit.Service, unit.Number, msg.CLI, msg.Body)
		payload, err := p.opts.Template.Render(n)
		if err != nil {
			// Leave this and later messages unread so the unit is rewound.
			msgLog.Error().Err(err).Msg("Failed to format notification")
			out.Read = i
			out.Err = err
			return out
		}

		res, attempts := p.send(ctx, msgLog, payload)
		switch {
		case res.Status == notify.Success:
			p.record.Add(key)
			out.Sent++
			msgLog.Info().Str("otp", n.OTP).Int("attempts", attempts).Msg("Message delivered")
		case res.Permanent:
			p.record.Add(key)
			out.Abandoned++
			msgLog.Error().Err(res.Err).Msg("Message rejected by transport, abandoning")
		case ctx.Err() != nil:
			out.Read = i
			out.Err = ctx.Err()
			return out
		default:
			out.Queued++
			p.enqueue(msgLog, key, unit, payload, res)
		}
	}

	return out
}

func (p *Pipeline) enqueue(logger zerolog.Logger, key Fingerprint, unit snapshot.ChangeUnit, payload string, res notify.Result) {
	lastErr := res.Status.String()
	if res.Err != nil {
		lastErr = res.Err.Error()
	}
	if p.pending == nil {
		logger.Error().Str("last_error", lastErr).Msg("Message undelivered, no retry queue")
		return
	}
	err := p.pending.Enqueue(queue.Pending{
		Fingerprint: string(key),
		Service:     unit.Service,
		Number:      unit.Number,
		Payload:     payload,
	}, lastErr)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to queue undelivered message")
		return
	}
	logger.Warn().Str("last_error", lastErr).Msg("Message undelivered, queued for retry")
}

// send submits payload, retrying only on rate limiting. It returns the
// last result and the number of transport calls made.
func (p *Pipeline) send(ctx context.Context, logger zerolog.Logger, payload string) (notify.Result, int) {
	var res notify.Result
	attempt := 0
	for attempt < p.opts.MaxAttempts {
		attempt++
		res = p.transport.Send(ctx, payload)

		switch res.Status {
		case notify.Success:
			if p.opts.SendDelay > 0 {
				_ = p.opts.Sleep(ctx, p.opts.SendDelay)
			}
			return res, attempt
		case notify.RateLimited:
			if attempt == p.opts.MaxAttempts {
				break
			}
			wait := p.opts.RateLimitBackoff
			if res.RetryAfter > wait {
				wait = res.RetryAfter
			}
			logger.Warn().
				Err(res.Err).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Rate limited, retrying after a delay")
			if err := p.opts.Sleep(ctx, wait); err != nil {
				return notify.Result{Status: notify.Failure, Err: err}, attempt
			}
		default:
			return res, attempt
		}
	}

	logger.Error().Int("attempts", attempt).Msg("Giving up after repeated rate limiting")
	return res, attempt
}

// Redeliver is the queue handler for messages that missed their cycle.
// It skips items whose key was delivered in the meantime.
func (p *Pipeline) Redeliver(ctx context.Context, item queue.Pending) error {
	key := Fingerprint(item.Fingerprint)
	logger := log.With().
		Str("service", item.Service).
		Str("number", item.Number).
		Str("fingerprint", key.Short()).
		Logger()

	if p.record.Has(key) {
		logger.Info().Msg("Queued message already delivered")
		return nil
	}

	res, _ := p.send(ctx, logger, item.Payload)
	switch {
	case res.Status == notify.Success:
		p.record.Add(key)
		logger.Info().Msg("Queued message delivered")
		return nil
	case res.Permanent:
		p.record.Add(key)
		return fmt.Errorf("%v: %w", res.Err, queue.ErrPermanent)
	case res.Err != nil:
		return res.Err
	default:
		return fmt.Errorf("delivery %s", res.Status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
