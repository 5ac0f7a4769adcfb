package listsync

import (
	"sync"
	"time"

	"github.com/agentworkforce/listcache/internal/entity"
)

// Query is one named view over a collection. An empty token means the query
// has never been fetched successfully, so its next fetch is FULL.
type Query struct {
	collectionID string
	name         string
	predicate    Predicate
	cache        *entity.Cache

	// mergeMu serializes everything that mutates cache and token together:
	// remote merges, local writes, restores and resets.
	mergeMu sync.Mutex

	mu         sync.Mutex
	token      string
	lastSynced time.Time
	inflight   *Operation
	generation uint64
}

func newQuery(collectionID, name string, predicate Predicate) *Query {
	return &Query{
		collectionID: collectionID,
		name:         name,
		predicate:    clonePredicate(predicate),
		cache:        entity.NewCache(),
	}
}

func (q *Query) Name() string {
	return q.name
}

func (q *Query) CollectionID() string {
	return q.collectionID
}

func (q *Query) Predicate() Predicate {
	return clonePredicate(q.predicate)
}

// Cache returns the live cache. Records in it are shared with every other
// query that holds them and may change after this call returns.
func (q *Query) Cache() *entity.Cache {
	return q.cache
}

func (q *Query) Token() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.token
}

func (q *Query) HasToken() bool {
	return q.Token() != ""
}

func (q *Query) LastSynced() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSynced
}

// InFlight returns the pending operation, or nil when the query is idle.
func (q *Query) InFlight() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

func (q *Query) holder() entity.Holder {
	return entity.Holder(q.collectionID + "/" + q.name)
}

func (q *Query) setToken(token string) {
	q.mu.Lock()
	q.token = token
	q.mu.Unlock()
}

func (q *Query) currentGeneration() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

func clonePredicate(p Predicate) Predicate {
	out := p
	if p.Fields != nil {
		out.Fields = append([]string(nil), p.Fields...)
	}
	if p.Params != nil {
		out.Params = make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			out.Params[k] = v
		}
	}
	return out
}
