package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	rserrors "rateswap/core/errors"
	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/native/common"
	"rateswap/observability/metrics"
)

// Observation is one source reading.
type Observation struct {
	Source    string
	Rate      num.Decimal
	Timestamp time.Time
}

// Sample is a committed rate.
type Sample struct {
	Rate      num.Decimal
	Timestamp time.Time
}

// Commit describes an accepted update.
type Commit struct {
	Rate    num.Decimal
	At      time.Time
	Sources []string
	ProofID string
}

// Reading is the oracle's view of the current rate. Rate is the last good
// committed rate even when Stale or Tripped is set.
type Reading struct {
	Rate      num.Decimal `json:"rate"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Committed bool        `json:"committed"`
	Stale     bool        `json:"stale"`
	Tripped   bool        `json:"tripped"`
	TripCount uint64      `json:"tripCount"`
}

// Recorder persists observations and commits. Failures are logged and never
// fail an update.
type Recorder interface {
	RecordObservation(ctx context.Context, obs Observation) error
	RecordCommit(ctx context.Context, commit Commit) error
}

var errNilSource = errors.New("oracle: nil source")

// Oracle aggregates several rate sources into one committed floating rate.
type Oracle struct {
	sources []Source
	cfg     Config

	mu        sync.RWMutex
	latest    map[string]Observation
	last      Sample
	committed bool
	history   []Sample
	tripped   bool
	trippedAt time.Time
	tripCount uint64

	recorder Recorder
	emitter  events.Emitter
	pauses   common.PauseView
	logger   *slog.Logger
	nowFn    func() time.Time
}

// Option configures optional oracle behaviour.
type Option func(*Oracle)

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Oracle) { o.recorder = r }
}

func WithEmitter(e events.Emitter) Option {
	return func(o *Oracle) {
		if e != nil {
			o.emitter = e
		}
	}
}

func WithPauses(p common.PauseView) Option {
	return func(o *Oracle) { o.pauses = p }
}

// New builds an oracle over the ordered sources.
func New(sources []Source, cfg Config, opts ...Option) (*Oracle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if src == nil {
			return nil, errNilSource
		}
		name := strings.TrimSpace(src.Name())
		if name == "" {
			return nil, fmt.Errorf("oracle: source name required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("oracle: duplicate source %q", name)
		}
		seen[name] = struct{}{}
	}
	if cfg.MinSources > len(sources) {
		return nil, fmt.Errorf("oracle: min_sources %d exceeds %d configured sources", cfg.MinSources, len(sources))
	}
	o := &Oracle{
		sources: append([]Source(nil), sources...),
		cfg:     cfg,
		latest:  make(map[string]Observation, len(sources)),
		history: make([]Sample, 0, cfg.HistoryCapacity),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

func (o *Oracle) Config() Config { return o.cfg }

// UpdateRate polls every source, takes the median of the valid readings and
// commits it unless the circuit breaker rejects the move.
func (o *Oracle) UpdateRate(ctx context.Context) (Commit, error) {
	if err := common.Guard(o.pauses, common.ModuleOracle); err != nil {
		return Commit{}, err
	}
	observations := o.poll(ctx)

	o.mu.Lock()
	now := o.nowFn()
	for _, obs := range observations {
		o.latest[obs.Source] = obs
	}
	if len(observations) < o.cfg.MinSources {
		o.mu.Unlock()
		return Commit{}, fmt.Errorf("%w: %d valid of %d required", rserrors.ErrNoSources, len(observations), o.cfg.MinSources)
	}
	rates := make([]num.Decimal, len(observations))
	names := make([]string, len(observations))
	for i, obs := range observations {
		rates[i] = obs.Rate
		names[i] = obs.Source
	}
	candidate := median(rates)

	if o.rejects(candidate, now) {
		o.tripped = true
		o.trippedAt = now
		o.tripCount++
		evt := events.CircuitBreakerTripped{LastRate: o.last.Rate, Candidate: candidate, TripCount: o.tripCount, At: now}
		o.mu.Unlock()

		metrics.Ledger().RecordBreakerTrip()
		o.emitter.Emit(evt)
		o.logger.Warn("oracle circuit breaker tripped",
			slog.String("last", evt.LastRate.String()),
			slog.String("candidate", candidate.String()),
			slog.Uint64("trips", evt.TripCount))
		return Commit{}, fmt.Errorf("%w: candidate %s, last %s", rserrors.ErrCircuitBreakerTripped, candidate, evt.LastRate)
	}

	sort.Strings(names)
	commit := Commit{Rate: candidate, At: now, Sources: names, ProofID: proofID(candidate, now, names)}
	o.last = Sample{Rate: candidate, Timestamp: now}
	o.committed = true
	o.tripped = false
	o.appendHistory(o.last)
	o.mu.Unlock()

	metrics.Ledger().ObserveRateCommit(candidate)
	o.emitter.Emit(events.RateCommitted{Rate: candidate, Sources: names, ProofID: commit.ProofID, Committed: now})
	if o.recorder != nil {
		for _, obs := range observations {
			if err := o.recorder.RecordObservation(ctx, obs); err != nil {
				o.logger.Warn("oracle: record observation", slog.String("source", obs.Source), slog.Any("error", err))
			}
		}
		if err := o.recorder.RecordCommit(ctx, commit); err != nil {
			o.logger.Warn("oracle: record commit", slog.Any("error", err))
		}
	}
	return commit, nil
}

// rejects applies the circuit breaker: a candidate is rejected when it moves
// more than BreakerMultiplier times the last good rate, or when its magnitude
// exceeds that multiple. A zero or missing anchor accepts any candidate.
func (o *Oracle) rejects(candidate num.Decimal, now time.Time) bool {
	if !o.committed || o.last.Rate.IsZero() {
		return false
	}
	if o.tripped && o.cfg.BreakerAutoReset > 0 && now.Sub(o.trippedAt) >= o.cfg.BreakerAutoReset {
		return false
	}
	limit := o.cfg.BreakerMultiplier.Mul(o.last.Rate.Abs())
	return candidate.Abs().GreaterThan(limit) || candidate.Sub(o.last.Rate).Abs().GreaterThan(limit)
}

func (o *Oracle) poll(ctx context.Context) []Observation {
	out := make([]Observation, 0, len(o.sources))
	for _, src := range o.sources {
		rate, err := src.Rate(ctx)
		if err != nil {
			o.logger.Warn("oracle source failed", slog.String("source", src.Name()), slog.Any("error", err))
			continue
		}
		if rate.Abs().GreaterThan(o.cfg.MaxAbsRate) {
			o.logger.Warn("oracle source out of range", slog.String("source", src.Name()), slog.String("rate", rate.String()))
			continue
		}
		out = append(out, Observation{Source: src.Name(), Rate: rate, Timestamp: o.nowFn()})
	}
	return out
}

func (o *Oracle) appendHistory(s Sample) {
	if len(o.history) >= o.cfg.HistoryCapacity {
		copy(o.history, o.history[1:])
		o.history = o.history[:len(o.history)-1]
	}
	o.history = append(o.history, s)
}

// CurrentRate returns the last committed rate with its freshness flags.
func (o *Oracle) CurrentRate() Reading {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.readingLocked(o.nowFn())
}

func (o *Oracle) readingLocked(now time.Time) Reading {
	r := Reading{
		Rate:      o.last.Rate,
		UpdatedAt: o.last.Timestamp,
		Committed: o.committed,
		Tripped:   o.tripped,
		TripCount: o.tripCount,
	}
	r.Stale = !o.committed || now.Sub(o.last.Timestamp) > o.cfg.MaxStaleness
	return r
}

// SettlementRate is the rate consumers may settle against. It fails instead of
// flagging when no fresh rate exists.
func (o *Oracle) SettlementRate() (num.Decimal, error) {
	r := o.CurrentRate()
	if !r.Committed {
		return num.DecimalZero, rserrors.ErrNoRate
	}
	if r.Stale {
		return num.DecimalZero, fmt.Errorf("%w: last update %s", rserrors.ErrStale, r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return r.Rate, nil
}

// FreshRate runs an update and returns the resulting reading along with any
// update error. The reading is valid even when the update failed.
func (o *Oracle) FreshRate(ctx context.Context) (Reading, error) {
	_, err := o.UpdateRate(ctx)
	return o.CurrentRate(), err
}

// TWAP is the time-weighted average of committed rates over the trailing
// window. Each sample holds until the next one.
func (o *Oracle) TWAP(window time.Duration) (num.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.committed || len(o.history) == 0 {
		return num.DecimalZero, rserrors.ErrNoRate
	}
	now := o.nowFn()
	if window <= 0 {
		return o.last.Rate, nil
	}
	start := now.Add(-window)
	weighted := num.DecimalZero
	var total time.Duration
	for i, s := range o.history {
		end := now
		if i+1 < len(o.history) {
			end = o.history[i+1].Timestamp
		}
		from := s.Timestamp
		if from.Before(start) {
			from = start
		}
		if !end.After(from) {
			continue
		}
		span := end.Sub(from)
		weighted = weighted.Add(s.Rate.Mul(num.DecimalFromInt64(int64(span))))
		total += span
	}
	if total <= 0 {
		return o.last.Rate, nil
	}
	return weighted.Div(num.DecimalFromInt64(int64(total))), nil
}

// History returns committed samples, oldest first.
func (o *Oracle) History() []Sample {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Sample(nil), o.history...)
}

// Observations returns the latest reading per source in source order.
func (o *Oracle) Observations() []Observation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Observation, 0, len(o.latest))
	for _, src := range o.sources {
		if obs, ok := o.latest[src.Name()]; ok {
			out = append(out, obs)
		}
	}
	return out
}

// ResetBreaker clears the tripped flag so the next update is judged against
// the last good rate again.
func (o *Oracle) ResetBreaker() {
	o.mu.Lock()
	o.tripped = false
	o.mu.Unlock()
}

// Restore seeds history from persisted commits, oldest first. Only valid
// before the first update.
func (o *Oracle) Restore(samples []Sample) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.committed {
		return fmt.Errorf("oracle: restore after first commit")
	}
	for i, s := range samples {
		if i > 0 && s.Timestamp.Before(samples[i-1].Timestamp) {
			return fmt.Errorf("oracle: restore samples out of order at %d", i)
		}
		o.appendHistory(s)
	}
	if len(o.history) > 0 {
		o.last = o.history[len(o.history)-1]
		o.committed = true
	}
	return nil
}

func median(values []num.Decimal) num.Decimal {
	sorted := append([]num.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(num.DecimalFromInt64(2))
}

func proofID(rate num.Decimal, at time.Time, sources []string) string {
	payload := fmt.Sprintf("%s|%d|%s", rate.String(), at.UnixNano(), strings.Join(sources, ","))
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
