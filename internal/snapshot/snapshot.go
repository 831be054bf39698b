// Package snapshot models one point-in-time read of the portal's
// service -> number -> message count tree and computes which messages
// appeared between two reads.
package snapshot

import (
	"context"
	"fmt"
	"sort"
)

// NumberNode holds the cumulative message count shown for one phone number.
type NumberNode struct {
	Count int
}

// ServiceNode holds the cumulative total shown on a service card and the
// counts of the numbers listed under it.
type ServiceNode struct {
	Total   int
	Numbers map[string]NumberNode
}

// Snapshot maps a service id (e.g. "Nigeria WhatsApp") to its node.
// A Snapshot is never mutated after Capture returns it; derive new values
// with Clone or WithNumberCount.
type Snapshot map[string]ServiceNode

// ServiceCount is a service card as read from the portal.
type ServiceCount struct {
	ID    string
	Total int
}

// NumberCount is a number card as read from an expanded service panel.
type NumberCount struct {
	Number string
	Count  int
}

// Reader is the part of the data source that Capture needs. Services is
// cheap; Numbers expands a service in the UI and should be called only
// when necessary.
type Reader interface {
	Services(ctx context.Context) ([]ServiceCount, error)
	Numbers(ctx context.Context, service string) ([]NumberCount, error)
}

// Total returns the recorded total for a service, or 0 if absent.
func (s Snapshot) Total(service string) int {
	return s[service].Total
}

// Count returns the recorded count for a number, or 0 if absent.
func (s Snapshot) Count(service, number string) int {
	node, ok := s[service]
	if !ok {
		return 0
	}
	return node.Numbers[number].Count
}

// Services returns the service ids in sorted order.
func (s Snapshot) Services() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, node := range s {
		out[id] = node.clone()
	}
	return out
}

func (n ServiceNode) clone() ServiceNode {
	numbers := make(map[string]NumberNode, len(n.Numbers))
	for k, v := range n.Numbers {
		numbers[k] = v
	}
	return ServiceNode{Total: n.Total, Numbers: numbers}
}

// WithNumberCount returns a copy of s in which number's count is set to
// count and the service total is lowered by the same amount the number
// was lowered. It is used to rewind the cursor for messages that were
// counted but not read, so the next Diff surfaces them again.
func (s Snapshot) WithNumberCount(service, number string, count int) Snapshot {
	out := s.Clone()
	node, ok := out[service]
	if !ok {
		return out
	}
	prev := node.Numbers[number].Count
	node.Numbers[number] = NumberNode{Count: count}
	if delta := prev - count; delta > 0 {
		node.Total -= delta
		if node.Total < 0 {
			node.Total = 0
		}
	}
	out[service] = node
	return out
}

// Capture reads the current tree from r. Numbers are read only for
// services whose total differs from previous; other services carry their
// previous numbers forward untouched.
//
// A failure reading one service's numbers does not abort the capture: the
// service keeps its previous node, so it is examined again next cycle, and
// the error is returned alongside the snapshot. Only a failure listing the
// services themselves is fatal to the capture.
func Capture(ctx context.Context, r Reader, previous Snapshot) (Snapshot, []error) {
	services, err := r.Services(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read services: %w", err)}
	}

	current := make(Snapshot, len(services))
	var errs []error

	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return nil, append(errs, err)
		}

		total := svc.Total
		if total < 0 {
			total = 0
		}

		prevNode, seen := previous[svc.ID]
		if total == prevNode.Total {
			if seen {
				current[svc.ID] = prevNode.clone()
			} else {
				current[svc.ID] = ServiceNode{Total: total, Numbers: map[string]NumberNode{}}
			}
			continue
		}

		numbers, err := r.Numbers(ctx, svc.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", svc.ID, err))
			if seen {
				current[svc.ID] = prevNode.clone()
			} else {
				current[svc.ID] = ServiceNode{Numbers: map[string]NumberNode{}}
			}
			continue
		}

		node := ServiceNode{Total: total, Numbers: make(map[string]NumberNode, len(numbers))}
		for _, n := range numbers {
			count := n.Count
			if count < 0 {
				count = 0
			}
			node.Numbers[n.Number] = NumberNode{Count: count}
		}
		current[svc.ID] = node
	}

	return current, errs
}

// Message is one SMS card under a number. CLI is the sender label the
// portal shows next to the body.
type Message struct {
	CLI  string
	Body string
}
