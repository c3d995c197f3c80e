package lockorder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledTrackerNeverPanics(t *testing.T) {
	tr := NewTracker()
	require.NotPanics(t, func() {
		tr.Acquire("who", CurrentPagedir)
		tr.Acquire("who", TLOATOL)
		tr.Release("who", TLOATOL)
	})
}

func TestForcedTrackerAllowsDescendingOrder(t *testing.T) {
	tr := NewTrackerForced()
	require.NotPanics(t, func() {
		tr.Acquire("who", TLOATOL)
		tr.Acquire("who", CurrentSPT)
		tr.Acquire("who", FrameTable)
		tr.Release("who", FrameTable)
		tr.Release("who", CurrentSPT)
		tr.Release("who", TLOATOL)
	})
}

func TestForcedTrackerPanicsOnOutOfOrderAcquire(t *testing.T) {
	tr := NewTrackerForced()
	tr.Acquire("who", FrameTable)
	require.Panics(t, func() { tr.Acquire("who", TLOATOL) })
}

func TestForcedTrackerPanicsOnOutOfOrderRelease(t *testing.T) {
	tr := NewTrackerForced()
	tr.Acquire("who", TLOATOL)
	tr.Acquire("who", FrameTable)
	require.Panics(t, func() { tr.Release("who", TLOATOL) })
}

func TestTrackerIsPerCaller(t *testing.T) {
	tr := NewTrackerForced()
	tr.Acquire("a", FrameTable)
	require.NotPanics(t, func() { tr.Acquire("b", TLOATOL) })
}
