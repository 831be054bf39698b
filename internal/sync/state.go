package sync

import (
	"otp-relay/internal/delivery"
	"otp-relay/internal/snapshot"
)

// State is everything the poll loop remembers between cycles: the retained
// baseline snapshot and the set of delivered fingerprints. Nothing here is
// persisted; a restart begins from an empty baseline.
//
// State is not safe for concurrent use. The poll loop owns it, and Stats
// is read only after Run has returned.
type State struct {
	baseline snapshot.Snapshot
	record   *delivery.Record
	cycles   int
	failures int
}

func NewState(record *delivery.Record) *State {
	if record == nil {
		record = delivery.NewRecord()
	}
	return &State{
		baseline: snapshot.Snapshot{},
		record:   record,
	}
}

// Baseline returns the snapshot the next cycle diffs against.
func (s *State) Baseline() snapshot.Snapshot {
	return s.baseline
}

// Retain replaces the baseline.
func (s *State) Retain(snap snapshot.Snapshot) {
	s.baseline = snap
}

func (s *State) Record() *delivery.Record {
	return s.record
}

func (s *State) cycleDone(failed bool) {
	s.cycles++
	if failed {
		s.failures++
	}
}

// Stats is a point-in-time summary for logging.
type Stats struct {
	Cycles   int
	Failures int
	Services int
	Recorded int
}

func (s *State) Stats() Stats {
	return Stats{
		Cycles:   s.cycles,
		Failures: s.failures,
		Services: len(s.baseline),
		Recorded: s.record.Len(),
	}
}
