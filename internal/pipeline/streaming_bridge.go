package pipeline

import (
	"sync"
	"sync/atomic"
)

// StreamingBridge forwards tracker changes to overlay providers on its own
// goroutine, so a slow provider never holds the pipeline worker. When the
// providers fall behind, intermediate snapshots are skipped and the newest
// one is delivered.
type StreamingBridge struct {
	providers []OverlayProvider

	pending   atomic.Pointer[ResultsChanged]
	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamingBridge creates a bridge and starts its delivery goroutine.
// Call Close to stop it.
func NewStreamingBridge(providers ...OverlayProvider) *StreamingBridge {
	b := &StreamingBridge{
		providers: providers,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// OnResultsChanged implements ResultsHandler. It never blocks.
func (b *StreamingBridge) OnResultsChanged(event *ResultsChanged) {
	if event == nil {
		return
	}
	b.pending.Store(event)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *StreamingBridge) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
			if event := b.pending.Swap(nil); event != nil {
				b.deliver(event)
			}
		}
	}
}

func (b *StreamingBridge) deliver(event *ResultsChanged) {
	for _, provider := range b.providers {
		if provider == nil {
			continue
		}
		provider.UpdateResults(event.Sequence, event.Snapshot)
	}
}

// Close stops delivery and waits for an in-progress delivery to return
func (b *StreamingBridge) Close() {
	b.closeOnce.Do(func() { close(b.stop) })
	<-b.done
}

var _ ResultsHandler = (*StreamingBridge)(nil)
