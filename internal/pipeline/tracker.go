package pipeline

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/logs"

	"keydot/internal/geometry"
)

// TrackerOptions tune what the tracker keeps from each batch
type TrackerOptions struct {
	// MinBoxSize drops results whose shorter side is below this many pixels (0 = off)
	MinBoxSize float64
	// OverlapIoU suppresses the lower-confidence result of any pair overlapping
	// by at least this IoU (0 = off)
	OverlapIoU float64
	// OnChange is called after every accepted batch
	OnChange func(snapshot Snapshot)
}

// ResultTracker holds the most recent accepted batch of results.
// A batch is accepted iff its sequence is >= the last accepted one; equal
// sequences replace each other.
type ResultTracker struct {
	log  logs.Log
	opts TrackerOptions
	now  func() time.Time

	current  atomic.Pointer[Snapshot]
	accepted atomic.Uint64
	stale    atomic.Uint64
}

func NewResultTracker(log logs.Log, opts TrackerOptions) *ResultTracker {
	return &ResultTracker{
		log:  log,
		opts: opts,
		now:  time.Now,
	}
}

// Update stores results as the current state unless sequence is older than
// the current one. Returns false for stale batches.
func (t *ResultTracker) Update(sequence uint64, results []TrackedResult) bool {
	if err := t.apply(sequence, results); err != nil {
		t.stale.Add(1)
		t.log.Debugf("[Tracker] %v", err)
		return false
	}
	t.accepted.Add(1)
	if t.opts.OnChange != nil {
		t.opts.OnChange(t.CurrentResults())
	}
	return true
}

func (t *ResultTracker) apply(sequence uint64, results []TrackedResult) error {
	next := &Snapshot{
		Sequence:  sequence,
		Results:   t.prepare(sequence, results),
		UpdatedAt: t.now(),
	}
	for {
		cur := t.current.Load()
		if cur != nil && sequence < cur.Sequence {
			return fmt.Errorf("batch %d older than %d: %w", sequence, cur.Sequence, ErrStaleUpdate)
		}
		if t.current.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// CurrentResults returns a copy of the current state. It never blocks.
func (t *ResultTracker) CurrentResults() Snapshot {
	cur := t.current.Load()
	if cur == nil {
		return Snapshot{Results: []TrackedResult{}}
	}
	out := *cur
	out.Results = append([]TrackedResult(nil), cur.Results...)
	return out
}

// LastSequence returns the sequence of the current state (0 before the first batch)
func (t *ResultTracker) LastSequence() uint64 {
	if cur := t.current.Load(); cur != nil {
		return cur.Sequence
	}
	return 0
}

// Counts returns accepted and stale batch counts
func (t *ResultTracker) Counts() (accepted, stale uint64) {
	return t.accepted.Load(), t.stale.Load()
}

func (t *ResultTracker) prepare(sequence uint64, results []TrackedResult) []TrackedResult {
	out := make([]TrackedResult, 0, len(results))
	for _, r := range results {
		if t.opts.MinBoxSize > 0 && math.Min(r.Box.Width(), r.Box.Height()) < t.opts.MinBoxSize {
			continue
		}
		r.Sequence = sequence
		out = append(out, r)
	}
	if t.opts.OverlapIoU > 0 && len(out) > 1 {
		out = suppressOverlaps(out, t.opts.OverlapIoU)
	}
	return out
}

// suppressOverlaps keeps the higher-confidence result of every pair with
// IoU >= minIoU. Input order is preserved among survivors.
func suppressOverlaps(results []TrackedResult, minIoU float64) []TrackedResult {
	// Pixel-rounded index, widened by one pixel; exact IoU is computed below
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(results))
	for _, r := range results {
		x1, y1, x2, y2 := indexBox(r.Box)
		fb.Add(x1, y1, x2, y2)
	}
	fb.Finish()

	// Visit strongest first so that a suppressed box never suppresses another
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return results[order[a]].Confidence > results[order[b]].Confidence
	})

	deleted := make([]bool, len(results))
	var nearby []int
	for _, i := range order {
		if deleted[i] {
			continue
		}
		b := results[i].Box
		x1, y1, x2, y2 := indexBox(b)
		nearby = fb.SearchFast(x1, y1, x2, y2, nearby[:0])
		for _, j := range nearby {
			if j == i || deleted[j] {
				continue
			}
			if results[j].Confidence > results[i].Confidence {
				continue
			}
			if b.IOU(results[j].Box) >= minIoU {
				deleted[j] = true
			}
		}
	}

	kept := results[:0]
	for i, r := range results {
		if !deleted[i] {
			kept = append(kept, r)
		}
	}
	return kept
}

func indexBox(b geometry.Rect) (x1, y1, x2, y2 int32) {
	return int32(math.Floor(b.Left)) - 1, int32(math.Floor(b.Top)) - 1,
		int32(math.Ceil(b.Right)) + 1, int32(math.Ceil(b.Bottom)) + 1
}
