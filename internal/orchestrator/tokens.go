package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paperfold/paperfold/internal/model"
)

// eventBuffer sizes each run's event channel. A slow or absent consumer
// loses intermediate events rather than stalling the workers; the terminal
// summary stays readable on the run itself.
const eventBuffer = 256

// run is the in-memory state of one smart-processing run, addressed by its
// token.
type run struct {
	token     string
	createdAt time.Time
	cancel    context.CancelFunc
	cancelled atomic.Bool

	events chan model.Event
	done   chan struct{}

	// counts holds the last emitted `current` per phase, which keeps the
	// stream monotonic even though workers emit concurrently.
	emitMu sync.Mutex
	counts map[string]int
	totals map[string]int

	mu         sync.Mutex
	finished   bool
	finishedAt time.Time
	summary    model.RunSummary
}

func newRun(cancel context.CancelFunc) *run {
	return &run{
		token:     uuid.NewString(),
		createdAt: time.Now(),
		cancel:    cancel,
		events:    make(chan model.Event, eventBuffer),
		done:      make(chan struct{}),
		counts:    make(map[string]int),
		totals:    make(map[string]int),
	}
}

// markCancelled flips the cancelled flag and tears down the run context.
// Safe to call repeatedly and after completion.
func (r *run) markCancelled() {
	r.cancelled.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *run) Cancelled() bool {
	return r.cancelled.Load()
}

func (r *run) setTotal(phase string, n int) {
	r.emitMu.Lock()
	r.totals[phase] = n
	r.emitMu.Unlock()
}

// emit assigns the next monotonic slot within phase and publishes the event.
// Token, phase, current and total are filled here; the caller provides the
// rest. The send stays under the lock so events reach the channel in counter
// order even when workers emit concurrently.
func (r *run) emit(phase string, ev model.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.counts[phase]++
	ev.Token = r.token
	ev.Phase = phase
	ev.Current = r.counts[phase]
	ev.Total = r.totals[phase]

	select {
	case r.events <- ev:
	default:
		// nobody is draining; progress events are advisory
	}
}

// finish records the summary, emits the terminal event and releases waiters.
// Only the first call wins; the events channel stays open so stragglers
// emitting progress after cancellation cannot panic, consumers stop at the
// terminal event instead.
func (r *run) finish(phase, message string, summary model.RunSummary) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.finishedAt = time.Now()
	r.summary = summary
	r.mu.Unlock()

	r.emitMu.Lock()
	r.counts[phase]++
	ev := model.Event{
		Token:    r.token,
		Phase:    phase,
		Current:  r.counts[phase],
		Total:    r.totals[phase],
		Message:  message,
		Terminal: true,
		Summary:  &summary,
	}
	r.emitMu.Unlock()

	// The terminal event must reach the consumer even when the buffer is
	// full of stale progress: drop the oldest entries until it fits.
	for {
		select {
		case r.events <- ev:
			close(r.done)
			return
		default:
			select {
			case <-r.events:
			default:
			}
		}
	}
}

// result returns the summary and whether the run has finished.
func (r *run) result() (model.RunSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, r.finished
}

func (r *run) expired(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished && now.Sub(r.finishedAt) > ttl
}

// registry is the token map: uuid string to run, one mutex, O(1) operations.
type registry struct {
	ttl time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

func newRegistry(ttl time.Duration) *registry {
	return &registry{ttl: ttl, runs: make(map[string]*run)}
}

func (g *registry) add(r *run) {
	g.mu.Lock()
	g.runs[r.token] = r
	g.mu.Unlock()
}

func (g *registry) lookup(token string) (*run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[token]
	return r, ok
}

// sweep drops runs whose TTL elapsed after completion and reports how many
// were removed. Unfinished runs are never swept.
func (g *registry) sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for token, r := range g.runs {
		if r.expired(now, g.ttl) {
			delete(g.runs, token)
			removed++
		}
	}
	return removed
}
