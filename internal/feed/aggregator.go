package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultFetchTimeout bounds each adapter call individually. A timed-out
// adapter is classified transient and excluded; it is never retried here.
const DefaultFetchTimeout = 30 * time.Second

// RunRecorder receives a summary of each completed aggregation. Recording
// is best-effort: a recorder failure never fails the aggregation.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Run summarizes one aggregation for the run log.
type Run struct {
	ID          string
	Scope       Scope
	Window      Window
	Requested   []Provider
	Unavailable map[Provider]Unavailability
	RecordCount int
	Partial     bool
	CreatedAt   time.Time
}

// Aggregator fans a request out to the available sources and merges the
// results. Its defining property is failure isolation: a missing GitHub
// credential or a Slack outage never blocks the Git-only path.
type Aggregator struct {
	sources []Source
	runs    RunRecorder
	timeout time.Duration
	newID   func() string
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRunRecorder attaches a run log.
func WithRunRecorder(r RunRecorder, newID func() string) Option {
	return func(a *Aggregator) {
		a.runs = r
		a.newID = newID
	}
}

// WithFetchTimeout overrides the per-source fetch timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

// NewAggregator creates an aggregator over the given sources.
func NewAggregator(sources []Source, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Aggregator{
		sources: sources,
		timeout: DefaultFetchTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate runs one aggregation. It returns an error only for a
// malformed request; per-source failures are downgraded to entries in
// Result.Unavailable.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	requested := req.Sources
	if len(requested) == 0 {
		requested = AllProviders()
	}

	result := &Result{
		Records:     []Record{},
		Unavailable: make(map[Provider]Unavailability),
	}

	// Availability pass: cheap checks, no network. Unavailable sources
	// are recorded and skipped, never aborting the request.
	var runnable []Source
	for _, p := range requested {
		src := a.source(p)
		if src == nil {
			result.Unavailable[p] = Unavailability{Reason: ReasonNotApplicable, Detail: "unknown source"}
			continue
		}
		if err := src.Available(ctx, req.Scope); err != nil {
			result.Unavailable[p] = availabilityReason(err)
			continue
		}
		runnable = append(runnable, src)
	}

	// Fetch pass: each source runs independently under its own timeout.
	// No early return — the merge waits for every source to reach a
	// terminal state.
	fetched := make([][]Record, len(runnable))
	failures := make([]error, len(runnable))
	var g errgroup.Group
	for i, src := range runnable {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			records, err := src.Fetch(fctx, req)
			if err != nil {
				failures[i] = err
				return nil
			}
			fetched[i] = records
			return nil
		})
	}
	_ = g.Wait()

	for i, src := range runnable {
		if err := failures[i]; err != nil {
			a.logger.Warn("source fetch failed", "source", src.Provider(), "error", err)
			result.Unavailable[src.Provider()] = Classify(err)
			continue
		}
		result.Records = append(result.Records, fetched[i]...)
	}

	result.Partial = len(result.Unavailable) > 0
	mergeRecords(result.Records)

	a.recordRun(ctx, req, requested, result)
	return result, nil
}

func (a *Aggregator) source(p Provider) Source {
	for _, src := range a.sources {
		if src.Provider() == p {
			return src
		}
	}
	return nil
}

func (a *Aggregator) recordRun(ctx context.Context, req Request, requested []Provider, result *Result) {
	if a.runs == nil {
		return
	}
	run := Run{
		Scope:       req.Scope,
		Window:      req.Window,
		Requested:   requested,
		Unavailable: result.Unavailable,
		RecordCount: len(result.Records),
		Partial:     result.Partial,
		CreatedAt:   time.Now().UTC(),
	}
	if a.newID != nil {
		run.ID = a.newID()
	}
	if err := a.runs.RecordRun(ctx, run); err != nil {
		a.logger.Warn("run log write failed", "error", err)
	}
}

func validate(req Request) error {
	if !req.Window.Start.IsZero() && !req.Window.End.IsZero() && req.Window.End.Before(req.Window.Start) {
		return fmt.Errorf("%w: window end %s before start %s", ErrInvalidRequest,
			req.Window.End.UTC().Format(time.RFC3339), req.Window.Start.UTC().Format(time.RFC3339))
	}
	for _, p := range req.Sources {
		if _, ok := mergePriority[p]; !ok {
			return fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, p)
		}
	}
	return nil
}

// availabilityReason distinguishes "no credential stored" from "this
// source does not apply to the scope" for skipped sources.
func availabilityReason(err error) Unavailability {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return Unavailability{Reason: ReasonNoCredential, Detail: err.Error()}
	case errors.Is(err, ErrNotApplicable):
		return Unavailability{Reason: ReasonNotApplicable, Detail: err.Error()}
	default:
		return Classify(err)
	}
}

// mergeRecords orders records newest first; equal timestamps fall back to
// the fixed provider priority so identical inputs always produce
// identical output.
func mergeRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return mergePriority[records[i].Source] < mergePriority[records[j].Source]
	})
}
