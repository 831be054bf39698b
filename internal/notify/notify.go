// Package notify delivers formatted payloads to the chat channel.
package notify

import (
	"context"
	"time"
)

// Status is the coarse outcome of one send attempt.
type Status int

const (
	Success Status = iota
	RateLimited
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	default:
		return "failure"
	}
}

// Result describes one send attempt. RetryAfter is the wait the remote
// asked for, if any. Permanent marks a failure that will not succeed on
// retry (the remote rejected the payload itself).
type Result struct {
	Status     Status
	RetryAfter time.Duration
	Permanent  bool
	Err        error
}

// Transport sends a single payload. It performs no retries of its own.
type Transport interface {
	Send(ctx context.Context, payload string) Result
}
