package listsync

import (
	"context"
	"time"

	"github.com/agentworkforce/listcache/internal/entity"
)

type FetchMode string

const (
	FetchFull        FetchMode = "full"
	FetchIncremental FetchMode = "incremental"
)

// Predicate parameterizes one query against a list. The engine treats it as
// opaque and hands it to the RemoteListService unchanged.
type Predicate struct {
	Filter  string            `json:"filter,omitempty"`
	Fields  []string          `json:"fields,omitempty"`
	OrderBy string            `json:"orderBy,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// ChangeSet is the payload of one fetch. For FULL fetches Changed is the
// complete result set and DeletedIDs is empty.
type ChangeSet struct {
	Changed    []*entity.Record
	DeletedIDs []int64
	NextToken  string
}

type RemoteListService interface {
	// Fetch returns the records matching p. FULL ignores token; INCREMENTAL
	// returns changes since token, or ErrStaleToken when the service no
	// longer recognizes it.
	Fetch(ctx context.Context, collectionID string, p Predicate, mode FetchMode, token string) (ChangeSet, error)
}

// RemoteWriter is implemented by services that accept local edits. Saves
// return the record as acknowledged by the service.
type RemoteWriter interface {
	SaveRecord(ctx context.Context, collectionID string, rec *entity.Record) (*entity.Record, error)
	DeleteRecord(ctx context.Context, collectionID string, id, version int64) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Metrics interface {
	ObserveFetch(collectionID, query string, mode FetchMode, outcome string, duration time.Duration)
	IncCoalesced(collectionID, query string)
	IncDebounced(collectionID, query string)
	IncStaleTokenRecovered(collectionID, query string)
	AddMerged(collectionID string, changed, deleted int)
	SetCachedRecords(collectionID, query string, count int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveFetch(string, string, FetchMode, string, time.Duration) {}
func (noopMetrics) IncCoalesced(string, string)                                  {}
func (noopMetrics) IncDebounced(string, string)                                  {}
func (noopMetrics) IncStaleTokenRecovered(string, string)                        {}
func (noopMetrics) AddMerged(string, int, int)                                   {}
func (noopMetrics) SetCachedRecords(string, string, int)                         {}

const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeStale     = "stale_token"
	OutcomeDiscarded = "discarded"
)
