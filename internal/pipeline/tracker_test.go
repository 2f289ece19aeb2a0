package pipeline

import (
	"sync"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"keydot/internal/geometry"
)

func result(label string, conf float32, l, t, r, b float64) TrackedResult {
	return TrackedResult{Label: label, Confidence: conf, Box: geometry.NewRect(l, t, r, b)}
}

func TestTrackerMonotonicAcceptance(t *testing.T) {
	tr := NewResultTracker(logs.NewTestingLog(t), TrackerOptions{})
	require.Equal(t, uint64(0), tr.CurrentResults().Sequence)
	require.Empty(t, tr.CurrentResults().Results)

	require.True(t, tr.Update(5, []TrackedResult{result("five", 0.9, 0, 0, 10, 10)}))
	require.False(t, tr.Update(3, []TrackedResult{result("three", 0.9, 0, 0, 10, 10)}))
	snap := tr.CurrentResults()
	require.Equal(t, uint64(5), snap.Sequence)
	require.Equal(t, "five", snap.Results[0].Label)
	require.Equal(t, uint64(5), snap.Results[0].Sequence)

	// Equal sequence: last write wins
	require.True(t, tr.Update(5, []TrackedResult{result("again", 0.9, 0, 0, 10, 10)}))
	require.Equal(t, "again", tr.CurrentResults().Results[0].Label)

	require.True(t, tr.Update(6, nil))
	require.Empty(t, tr.CurrentResults().Results)

	accepted, stale := tr.Counts()
	require.Equal(t, uint64(3), accepted)
	require.Equal(t, uint64(1), stale)
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	tr := NewResultTracker(logs.NewTestingLog(t), TrackerOptions{})
	in := []TrackedResult{result("a", 0.9, 0, 0, 10, 10)}
	tr.Update(1, in)
	in[0].Label = "mutated"

	snap := tr.CurrentResults()
	require.Equal(t, "a", snap.Results[0].Label)
	snap.Results[0].Label = "changed"
	require.Equal(t, "a", tr.CurrentResults().Results[0].Label)
}

func TestTrackerOnChange(t *testing.T) {
	var got []uint64
	tr := NewResultTracker(logs.NewTestingLog(t), TrackerOptions{
		OnChange: func(s Snapshot) { got = append(got, s.Sequence) },
	})
	tr.Update(2, nil)
	tr.Update(1, nil)
	tr.Update(4, nil)
	require.Equal(t, []uint64{2, 4}, got)
}

func TestTrackerMinBoxSize(t *testing.T) {
	tr := NewResultTracker(logs.NewTestingLog(t), TrackerOptions{MinBoxSize: 8})
	tr.Update(1, []TrackedResult{
		result("thin", 0.9, 0, 0, 100, 4),
		result("ok", 0.9, 0, 0, 8, 8),
	})
	snap := tr.CurrentResults()
	require.Len(t, snap.Results, 1)
	require.Equal(t, "ok", snap.Results[0].Label)
}

func TestTrackerOverlapSuppression(t *testing.T) {
	tr := NewResultTracker(logs.NewTestingLog(t), TrackerOptions{OverlapIoU: 0.5})
	tr.Update(1, []TrackedResult{
		result("weak", 0.6, 0, 0, 100, 100),
		result("strong", 0.9, 5, 5, 105, 105),
		result("apart", 0.7, 300, 300, 350, 350),
		result("touching", 0.8, 80, 80, 180, 180),
	})
	snap := tr.CurrentResults()
	labels := []string{}
	for _, r := range snap.Results {
		labels = append(labels, r.Label)
	}
	require.Equal(t, []string{"strong", "apart", "touching"}, labels)
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tr := NewResultTracker(logs.NewTestingLog(t), TrackerOptions{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				seq := uint64(i*8 + w)
				tr.Update(seq, []TrackedResult{{Label: "x"}})
				if last := tr.LastSequence(); last < seq {
					t.Errorf("tracker went backwards: %d after update %d", last, seq)
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, uint64(499*8+7), tr.CurrentResults().Sequence)
}
