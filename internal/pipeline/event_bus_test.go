package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingOverlay struct {
	mu   sync.Mutex
	seqs []uint64
}

func (o *recordingOverlay) UpdateResults(seq uint64, snapshot Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seqs = append(o.seqs, seq)
}

func (o *recordingOverlay) CurrentSequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.seqs) == 0 {
		return 0
	}
	return o.seqs[len(o.seqs)-1]
}

func (o *recordingOverlay) received() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.seqs...)
}

// blockingOverlay parks in UpdateResults until release is closed
type blockingOverlay struct {
	entered chan uint64
	release chan struct{}
}

func newBlockingOverlay() *blockingOverlay {
	return &blockingOverlay{entered: make(chan uint64, 16), release: make(chan struct{})}
}

func (o *blockingOverlay) UpdateResults(seq uint64, snapshot Snapshot) {
	o.entered <- seq
	<-o.release
}

func (o *blockingOverlay) CurrentSequence() uint64 { return 0 }

func TestEventBusHandlersAndChannels(t *testing.T) {
	bus := NewEventBus()
	var got []uint64
	unsubscribe := bus.Subscribe(ResultsHandlerFunc(func(ev *ResultsChanged) { got = append(got, ev.Sequence) }))

	ch, unsubscribeCh := bus.SubscribeChannel(1)
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(&ResultsChanged{Sequence: 1})
	bus.Publish(&ResultsChanged{Sequence: 2}) // channel full, dropped
	bus.Publish(nil)

	require.Equal(t, []uint64{1, 2}, got)
	require.Equal(t, uint64(1), (<-ch).Sequence)

	unsubscribe()
	unsubscribeCh()
	_, open := <-ch
	require.False(t, open)
	require.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(&ResultsChanged{Sequence: 3})
	require.Equal(t, []uint64{1, 2}, got)
}

func TestResultsHandlerFunc(t *testing.T) {
	bus := NewEventBus()
	var got uint64
	bus.Subscribe(ResultsHandlerFunc(func(ev *ResultsChanged) { got = ev.Sequence }))
	bus.Publish(&ResultsChanged{Sequence: 9})
	require.Equal(t, uint64(9), got)
	bus.Close()
	require.Equal(t, 0, bus.SubscriberCount())
}

func TestStreamingBridgeDeliversToProviders(t *testing.T) {
	a, b := &recordingOverlay{}, &recordingOverlay{}
	bridge := NewStreamingBridge(a, nil, b)
	defer bridge.Close()

	bridge.OnResultsChanged(&ResultsChanged{Sequence: 1})
	require.Eventually(t, func() bool { return a.CurrentSequence() == 1 && b.CurrentSequence() == 1 }, 2*time.Second, time.Millisecond)
}

func TestStreamingBridgeNeverBlocksPublisher(t *testing.T) {
	slow := newBlockingOverlay()
	bridge := NewStreamingBridge(slow)

	bridge.OnResultsChanged(&ResultsChanged{Sequence: 1})
	require.Equal(t, uint64(1), <-slow.entered)

	// The provider is parked; publishing must still return at once
	published := make(chan struct{})
	go func() {
		for seq := uint64(2); seq <= 50; seq++ {
			bridge.OnResultsChanged(&ResultsChanged{Sequence: seq})
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow provider")
	}

	// Intermediate snapshots are skipped; the newest one is delivered next
	close(slow.release)
	require.Equal(t, uint64(50), <-slow.entered)
	bridge.Close()
}

func TestStreamingBridgeMonotonicDelivery(t *testing.T) {
	overlay := &recordingOverlay{}
	bridge := NewStreamingBridge(overlay)
	for seq := uint64(1); seq <= 200; seq++ {
		bridge.OnResultsChanged(&ResultsChanged{Sequence: seq})
	}
	require.Eventually(t, func() bool { return overlay.CurrentSequence() == 200 }, 2*time.Second, time.Millisecond)
	bridge.Close()

	seqs := overlay.received()
	for i := 1; i < len(seqs); i++ {
		require.Greater(t, seqs[i], seqs[i-1])
	}
}
