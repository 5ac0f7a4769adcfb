package listsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMinInterval  = 100 * time.Millisecond
	DefaultFetchTimeout = 30 * time.Second
)

type ExecutorOptions struct {
	// MinInterval suppresses unforced re-fetches of a query that completed
	// more recently than this. Zero means DefaultMinInterval; negative
	// disables the debounce.
	MinInterval time.Duration
	// FetchTimeout bounds each call into the RemoteListService.
	FetchTimeout time.Duration
	Clock        func() time.Time
	Logger       Logger
	Metrics      Metrics
}

// Executor runs fetches for queries: one in-flight fetch per query, shared
// by every concurrent caller, with FULL/INCREMENTAL chosen from the token.
type Executor struct {
	service      RemoteListService
	merger       *Merger
	minInterval  time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       Logger
	metrics      Metrics
}

func NewExecutor(service RemoteListService, merger *Merger, opts ExecutorOptions) (*Executor, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: remote list service is required", ErrInvalidInput)
	}
	if merger == nil {
		return nil, fmt.Errorf("%w: merger is required", ErrInvalidInput)
	}
	minInterval := opts.MinInterval
	if minInterval == 0 {
		minInterval = DefaultMinInterval
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Executor{
		service:      service,
		merger:       merger,
		minInterval:  minInterval,
		fetchTimeout: fetchTimeout,
		now:          now,
		logger:       opts.Logger,
		metrics:      metrics,
	}, nil
}

// Execute returns the operation that will deliver q's cache. An in-flight
// operation is returned as is; a query that completed within MinInterval is
// answered from its cache unless force is set; otherwise a fetch starts.
// The fetch ignores ctx cancellation so abandoning callers cannot starve the
// other waiters; ctx values are kept.
func (e *Executor) Execute(ctx context.Context, q *Query, force bool) *Operation {
	now := e.now()
	q.mu.Lock()
	if op := q.inflight; op != nil {
		q.mu.Unlock()
		e.metrics.IncCoalesced(q.collectionID, q.name)
		return op
	}
	if !force && e.minInterval > 0 && !q.lastSynced.IsZero() && now.Sub(q.lastSynced) < e.minInterval {
		q.mu.Unlock()
		e.metrics.IncDebounced(q.collectionID, q.name)
		return resolvedOperation(q.name, q.cache, now)
	}
	mode := FetchFull
	token := q.token
	if token != "" {
		mode = FetchIncremental
	}
	op := newOperation(q.name, mode, now)
	q.inflight = op
	generation := q.generation
	q.mu.Unlock()

	go e.run(context.WithoutCancel(ctx), q, op, generation, mode, token)
	return op
}

func (e *Executor) run(ctx context.Context, q *Query, op *Operation, generation uint64, mode FetchMode, token string) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch %s/%s panicked: %v", q.collectionID, q.name, r)
			e.logf("%v", err)
		}
		e.finish(q, op, err)
	}()

	var changes ChangeSet
	changes, mode, err = e.fetch(ctx, q, op, mode, token)
	if err != nil {
		return
	}

	q.mergeMu.Lock()
	defer q.mergeMu.Unlock()
	if q.currentGeneration() != generation {
		e.metrics.ObserveFetch(q.collectionID, q.name, mode, OutcomeDiscarded, 0)
		err = ErrOperationReplaced
		return
	}
	err = e.merger.Apply(q, mode, changes)
}

// fetch calls the service, re-issuing a FULL fetch once when an incremental
// token is rejected as stale.
func (e *Executor) fetch(ctx context.Context, q *Query, op *Operation, mode FetchMode, token string) (ChangeSet, FetchMode, error) {
	changes, err := e.fetchOnce(ctx, q, mode, token)
	if err == nil || mode != FetchIncremental || !errors.Is(err, ErrStaleToken) {
		return changes, mode, err
	}
	e.logf("sync token for %s/%s is stale; falling back to full fetch", q.collectionID, q.name)
	e.metrics.IncStaleTokenRecovered(q.collectionID, q.name)
	op.setMode(FetchFull)
	changes, err = e.fetchOnce(ctx, q, FetchFull, "")
	return changes, FetchFull, err
}

func (e *Executor) fetchOnce(ctx context.Context, q *Query, mode FetchMode, token string) (ChangeSet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	started := e.now()
	changes, err := e.service.Fetch(ctx, q.collectionID, q.predicate, mode, token)
	elapsed := e.now().Sub(started)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, ErrStaleToken) {
			outcome = OutcomeStale
		}
		e.metrics.ObserveFetch(q.collectionID, q.name, mode, outcome, elapsed)
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransport) {
			err = &TransportError{Op: "fetch " + q.collectionID, Err: err}
		}
		return ChangeSet{}, err
	}
	e.metrics.ObserveFetch(q.collectionID, q.name, mode, OutcomeSuccess, elapsed)
	return changes, nil
}

func (e *Executor) finish(q *Query, op *Operation, err error) {
	q.mu.Lock()
	if q.inflight == op {
		q.inflight = nil
		if err == nil {
			q.lastSynced = e.now()
		}
	}
	q.mu.Unlock()
	if err != nil {
		e.logf("query %s/%s failed: %v", q.collectionID, q.name, err)
		op.resolve(nil, err)
		return
	}
	op.resolve(q.cache, nil)
}

func (e *Executor) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
