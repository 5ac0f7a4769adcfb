package listsync

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/listcache/internal/entity"
)

var (
	ErrInvalidEntity     = entity.ErrInvalidEntity
	ErrStaleToken        = errors.New("stale sync token")
	ErrTransport         = errors.New("transport failure")
	ErrMergeConflict     = errors.New("merge conflict")
	ErrUnknownQuery      = errors.New("unknown query")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrReadOnly          = errors.New("remote service is read-only")
	ErrOperationReplaced = errors.New("query was reset while the fetch was in flight")
)

// TransportError wraps a network, timeout or server failure raised while
// talking to the list service. Nothing is merged when one is returned.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport failure"
	}
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MergeConflictError reports deletions aimed at a collection the registry has
// never seen. It is logged, never returned to callers.
type MergeConflictError struct {
	CollectionID string
	DeletedIDs   []int64
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: %d deletions for unseen collection %s", len(e.DeletedIDs), e.CollectionID)
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}
