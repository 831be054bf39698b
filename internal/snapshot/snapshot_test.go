package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	services    []ServiceCount
	numbers     map[string][]NumberCount
	numberErrs  map[string]error
	servicesErr error
	numberCalls []string
}

func (f *fakeReader) Services(ctx context.Context) ([]ServiceCount, error) {
	return f.services, f.servicesErr
}

func (f *fakeReader) Numbers(ctx context.Context, service string) ([]NumberCount, error) {
	f.numberCalls = append(f.numberCalls, service)
	if err := f.numberErrs[service]; err != nil {
		return nil, err
	}
	return f.numbers[service], nil
}

func TestCaptureReadsNumbersOnlyForChangedServices(t *testing.T) {
	previous := Snapshot{
		"Nigeria WhatsApp": {Total: 3, Numbers: map[string]NumberNode{"2348000000001": {Count: 3}}},
		"Kenya Telegram":   {Total: 7, Numbers: map[string]NumberNode{"254700000001": {Count: 7}}},
	}
	r := &fakeReader{
		services: []ServiceCount{
			{ID: "Nigeria WhatsApp", Total: 5},
			{ID: "Kenya Telegram", Total: 7},
		},
		numbers: map[string][]NumberCount{
			"Nigeria WhatsApp": {{Number: "2348000000001", Count: 5}},
		},
	}

	current, errs := Capture(context.Background(), r, previous)
	require.Empty(t, errs)

	assert.Equal(t, []string{"Nigeria WhatsApp"}, r.numberCalls)
	assert.Equal(t, 5, current.Count("Nigeria WhatsApp", "2348000000001"))
	// Unchanged services keep their previous numbers.
	assert.Equal(t, 7, current.Count("Kenya Telegram", "254700000001"))
}

func TestCaptureUnchangedTotalsMakeNoNumberCalls(t *testing.T) {
	previous := Snapshot{
		"A X": {Total: 2, Numbers: map[string]NumberNode{"1": {Count: 2}}},
		"B Y": {Total: 4, Numbers: map[string]NumberNode{"2": {Count: 4}}},
	}
	r := &fakeReader{services: []ServiceCount{{ID: "A X", Total: 2}, {ID: "B Y", Total: 4}}}

	current, errs := Capture(context.Background(), r, previous)
	require.Empty(t, errs)

	assert.Empty(t, r.numberCalls)
	assert.True(t, sameTree(previous, current))
}

func TestCaptureKeepsPreviousNodeOnNumberError(t *testing.T) {
	previous := Snapshot{
		"A X": {Total: 1, Numbers: map[string]NumberNode{"1": {Count: 1}}},
	}
	r := &fakeReader{
		services:   []ServiceCount{{ID: "A X", Total: 3}, {ID: "B Y", Total: 2}},
		numbers:    map[string][]NumberCount{"B Y": {{Number: "9", Count: 2}}},
		numberErrs: map[string]error{"A X": errors.New("numbers did not load")},
	}

	current, errs := Capture(context.Background(), r, previous)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "A X")

	// The failed service is pinned to its old total so it is retried.
	assert.Equal(t, 1, current.Total("A X"))
	assert.Equal(t, 1, current.Count("A X", "1"))
	// Its sibling is still captured.
	assert.Equal(t, 2, current.Count("B Y", "9"))
}

func TestCaptureServicesError(t *testing.T) {
	r := &fakeReader{servicesErr: errors.New("page not ready")}

	current, errs := Capture(context.Background(), r, nil)
	assert.Nil(t, current)
	require.Len(t, errs, 1)
}

func TestCaptureClampsNegativeCounts(t *testing.T) {
	r := &fakeReader{
		services: []ServiceCount{{ID: "A X", Total: -1}, {ID: "B Y", Total: 1}},
		numbers:  map[string][]NumberCount{"B Y": {{Number: "1", Count: -4}}},
	}

	current, errs := Capture(context.Background(), r, Snapshot{})
	require.Empty(t, errs)
	assert.Equal(t, 0, current.Total("A X"))
	assert.Equal(t, 0, current.Count("B Y", "1"))
}

func TestWithNumberCountDoesNotMutate(t *testing.T) {
	orig := Snapshot{
		"A X": {Total: 5, Numbers: map[string]NumberNode{"1": {Count: 5}}},
	}

	rewound := orig.WithNumberCount("A X", "1", 3)

	assert.Equal(t, 5, orig.Count("A X", "1"))
	assert.Equal(t, 5, orig.Total("A X"))
	assert.Equal(t, 3, rewound.Count("A X", "1"))
	assert.Equal(t, 3, rewound.Total("A X"))
}

// sameTree reports whether a and b record the same counts. A nil and an
// empty Numbers map compare equal.
func sameTree(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for id, na := range a {
		nb, ok := b[id]
		if !ok || na.Total != nb.Total || len(na.Numbers) != len(nb.Numbers) {
			return false
		}
		for num, ca := range na.Numbers {
			if cb, ok := nb.Numbers[num]; !ok || ca != cb {
				return false
			}
		}
	}
	return true
}
