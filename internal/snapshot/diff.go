package snapshot

import (
	"fmt"
	"sort"
)

// ChangeUnit names the messages [From, To) of one number that appeared
// since the previous snapshot. Reset is set when the number's count went
// down, which is taken to mean the portal reset it; the range then starts
// at 0.
type ChangeUnit struct {
	Service string
	Number  string
	From    int
	To      int
	Reset   bool
}

// Len returns the number of messages the unit covers.
func (c ChangeUnit) Len() int {
	return c.To - c.From
}

func (c ChangeUnit) String() string {
	return fmt.Sprintf("%s/%s[%d:%d]", c.Service, c.Number, c.From, c.To)
}

// Diff returns the change units between previous and current, ordered by
// service then number. Only services whose total changed are examined.
// Services and numbers that exist only in previous are ignored.
func Diff(previous, current Snapshot) []ChangeUnit {
	var units []ChangeUnit

	for _, service := range current.Services() {
		node := current[service]
		oldTotal := previous.Total(service)
		if node.Total == oldTotal {
			continue
		}

		numbers := make([]string, 0, len(node.Numbers))
		for number := range node.Numbers {
			numbers = append(numbers, number)
		}
		sort.Strings(numbers)

		for _, number := range numbers {
			newCount := node.Numbers[number].Count
			oldCount := previous.Count(service, number)

			switch {
			case newCount > oldCount:
				units = append(units, ChangeUnit{
					Service: service,
					Number:  number,
					From:    oldCount,
					To:      newCount,
				})
			case newCount < oldCount && newCount > 0:
				units = append(units, ChangeUnit{
					Service: service,
					Number:  number,
					From:    0,
					To:      newCount,
					Reset:   true,
				})
			}
		}
	}

	return units
}

// Resets reports whether any unit in units is a reset, or whether any
// service total in current fell below previous. Either means the baseline
// must be replaced even if no unit carries new messages.
func Resets(previous, current Snapshot, units []ChangeUnit) bool {
	for _, u := range units {
		if u.Reset {
			return true
		}
	}
	for service, node := range current {
		if node.Total < previous.Total(service) {
			return true
		}
	}
	return false
}
