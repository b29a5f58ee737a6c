package rollup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/shared"
)

// Snapshot is a point-in-time capture of the aggregator's derived metrics.
// Two snapshots can be diffed for trend reporting.
type Snapshot struct {
	At             time.Time     `json:"at"`
	Delegations    int           `json:"delegations"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	Orphaned       int           `json:"orphaned"`
	SuccessRate    float64       `json:"success_rate"`
	AvgQuality     float64       `json:"avg_quality"`
	TotalTokens    int64         `json:"total_tokens"`
	Durations      DurationStats `json:"durations"`
	ClaimsGranted  int           `json:"claims_granted"`
	ClaimsExpired  int           `json:"claims_expired"`
	ClaimsOrphaned int           `json:"claims_orphaned"`
}

// SnapshotDiff is the change between two snapshots.
type SnapshotDiff struct {
	Span             time.Duration `json:"span"`
	Delegations      int           `json:"delegations"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	SuccessRateDelta float64       `json:"success_rate_delta"`
	TokensDelta      int64         `json:"tokens_delta"`
	ClaimsGranted    int           `json:"claims_granted"`
	ClaimsExpired    int           `json:"claims_expired"`
	ClaimsOrphaned   int           `json:"claims_orphaned"`
}

// DiffSnapshots reports the change from earlier to later.
func DiffSnapshots(earlier, later Snapshot) SnapshotDiff {
	return SnapshotDiff{
		Span:             later.At.Sub(earlier.At),
		Delegations:      later.Delegations - earlier.Delegations,
		Completed:        later.Completed - earlier.Completed,
		Failed:           later.Failed - earlier.Failed,
		SuccessRateDelta: later.SuccessRate - earlier.SuccessRate,
		TokensDelta:      later.TotalTokens - earlier.TotalTokens,
		ClaimsGranted:    later.ClaimsGranted - earlier.ClaimsGranted,
		ClaimsExpired:    later.ClaimsExpired - earlier.ClaimsExpired,
		ClaimsOrphaned:   later.ClaimsOrphaned - earlier.ClaimsOrphaned,
	}
}

// Aggregator consumes coordination events off the bus and maintains derived
// metrics incrementally. All reads go through Snapshot.
type Aggregator struct {
	mu sync.Mutex

	delegations int
	completed   int
	failed      int
	orphaned    int

	claimsGranted  int
	claimsExpired  int
	claimsOrphaned int

	totalTokens int64
	quality     []QualitySample
	durations   []float64 // milliseconds
	started     map[string]time.Time

	tokenWindow *Window

	clock  shared.Clock
	logger *slog.Logger
}

// New creates an aggregator. tokenRetention bounds the rolling token window.
func New(tokenRetention time.Duration, clock shared.Clock, logger *slog.Logger) *Aggregator {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		started:     make(map[string]time.Time),
		tokenWindow: NewWindow(tokenRetention, clock),
		clock:       clock,
		logger:      logger,
	}
}

// Run subscribes to the full event stream and folds events into the
// aggregates until ctx is canceled. Call it in its own goroutine.
func (a *Aggregator) Run(ctx context.Context, eventBus *bus.Bus) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			a.consume(ev)
		}
	}
}

func (a *Aggregator) consume(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicDelegationRegistered:
		d, ok := ev.Payload.(bus.DelegationEvent)
		if !ok {
			return
		}
		a.mu.Lock()
		a.delegations++
		a.started[d.DelegationID] = a.clock.Now().UTC()
		a.mu.Unlock()
	case bus.TopicDelegationUpdated:
		d, ok := ev.Payload.(bus.DelegationEvent)
		if !ok {
			return
		}
		a.mu.Lock()
		switch d.Status {
		case "completed":
			a.completed++
			a.observeDurationLocked(d.DelegationID)
		case "failed":
			a.failed++
			a.observeDurationLocked(d.DelegationID)
		case "orphaned":
			a.orphaned++
			delete(a.started, d.DelegationID)
		}
		a.mu.Unlock()
	case bus.TopicClaimClaimed:
		a.mu.Lock()
		a.claimsGranted++
		a.mu.Unlock()
	case bus.TopicClaimExpired:
		a.mu.Lock()
		a.claimsExpired++
		a.mu.Unlock()
	case bus.TopicClaimOrphaned:
		a.mu.Lock()
		a.claimsOrphaned++
		a.mu.Unlock()
	}
}

func (a *Aggregator) observeDurationLocked(delegationID string) {
	start, ok := a.started[delegationID]
	if !ok {
		return
	}
	delete(a.started, delegationID)
	a.durations = append(a.durations, float64(a.clock.Now().UTC().Sub(start).Milliseconds()))
}

// ObserveTokens records token usage for one unit of work.
func (a *Aggregator) ObserveTokens(tokens int64) {
	a.mu.Lock()
	a.totalTokens += tokens
	a.mu.Unlock()
	a.tokenWindow.Add(float64(tokens))
}

// ObserveQuality records a quality score with a task-count weight.
func (a *Aggregator) ObserveQuality(quality, weight float64) {
	a.mu.Lock()
	a.quality = append(a.quality, QualitySample{Quality: quality, Weight: weight})
	a.mu.Unlock()
}

// TokensInWindow sums token usage over the trailing span.
func (a *Aggregator) TokensInWindow(span time.Duration) int64 {
	return int64(a.tokenWindow.Sum(span))
}

// Snapshot captures current totals, averages, and rates.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	finished := a.completed + a.failed
	return Snapshot{
		At:             a.clock.Now().UTC(),
		Delegations:    a.delegations,
		Completed:      a.completed,
		Failed:         a.failed,
		Orphaned:       a.orphaned,
		SuccessRate:    SuccessRate(a.completed, finished),
		AvgQuality:     WeightedQuality(a.quality),
		TotalTokens:    a.totalTokens,
		Durations:      DurationPercentiles(a.durations),
		ClaimsGranted:  a.claimsGranted,
		ClaimsExpired:  a.claimsExpired,
		ClaimsOrphaned: a.claimsOrphaned,
	}
}
