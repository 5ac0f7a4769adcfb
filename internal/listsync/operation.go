package listsync

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/listcache/internal/entity"
)

// Operation is the pending result of one query execution. Every caller that
// asks for the same query while a fetch is in flight receives the same
// *Operation. It resolves exactly once.
type Operation struct {
	id        string
	query     string
	startedAt time.Time
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	mode   FetchMode
	cached bool
	cache  *entity.Cache
	err    error
}

func newOperation(query string, mode FetchMode, startedAt time.Time) *Operation {
	return &Operation{
		id:        ulid.Make().String(),
		query:     query,
		mode:      mode,
		startedAt: startedAt,
		done:      make(chan struct{}),
	}
}

// resolvedOperation answers from the current cache without contacting the service.
func resolvedOperation(query string, cache *entity.Cache, now time.Time) *Operation {
	op := newOperation(query, "", now)
	op.cached = true
	op.resolve(cache, nil)
	return op
}

func (o *Operation) resolve(cache *entity.Cache, err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.cache = cache
		o.err = err
		o.mu.Unlock()
		close(o.done)
	})
}

func (o *Operation) setMode(mode FetchMode) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
}

func (o *Operation) ID() string {
	return o.id
}

func (o *Operation) Query() string {
	return o.query
}

func (o *Operation) StartedAt() time.Time {
	return o.startedAt
}

// Mode reports the fetch mode in use, FULL after a stale-token fallback, and
// "" when the operation was answered from cache.
func (o *Operation) Mode() FetchMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// FromCache reports whether the operation was satisfied without a fetch.
func (o *Operation) FromCache() bool {
	return o.cached
}

func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation resolves or ctx ends. Giving up on Wait
// does not cancel the fetch; other waiters still get its result.
func (o *Operation) Wait(ctx context.Context) (*entity.Cache, error) {
	select {
	case <-o.done:
		return o.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while pending.
func (o *Operation) Result() (cache *entity.Cache, ok bool, err error) {
	select {
	case <-o.done:
		cache, err = o.result()
		return cache, true, err
	default:
		return nil, false, nil
	}
}

func (o *Operation) result() (*entity.Cache, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache, o.err
}
