package listsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/listcache/internal/entity"
)

// SessionOptions are the defaults applied to every collection registered in
// the session. Per-collection options win when set.
type SessionOptions struct {
	MinInterval  time.Duration
	FetchTimeout time.Duration
	StateBackend StateBackend
	Logger       Logger
	Metrics      Metrics
	Clock        func() time.Time
}

// Session is one authenticated user's view of the remote service. All of
// its collections share a single registry, so an item appears once per
// session no matter how many queries return it.
type Session struct {
	service  RemoteListService
	registry *entity.Registry
	opts     SessionOptions

	mu          sync.RWMutex
	collections map[string]*Collection
	order       []string
}

func NewSession(service RemoteListService, opts SessionOptions) (*Session, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: remote list service is required", ErrInvalidInput)
	}
	return &Session{
		service:     service,
		registry:    entity.NewRegistry(),
		opts:        opts,
		collections: map[string]*Collection{},
	}, nil
}

func (s *Session) Registry() *entity.Registry {
	return s.registry
}

// Register returns the collection with opts.ID, creating it on first use.
func (s *Session) Register(opts CollectionOptions) (*Collection, error) {
	id := strings.TrimSpace(opts.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[id]; ok {
		return c, nil
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = s.opts.MinInterval
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = s.opts.FetchTimeout
	}
	if opts.StateBackend == nil {
		opts.StateBackend = s.opts.StateBackend
	}
	if opts.Logger == nil {
		opts.Logger = s.opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = s.opts.Metrics
	}
	if opts.Clock == nil {
		opts.Clock = s.opts.Clock
	}
	c, err := NewCollection(s.service, s.registry, opts)
	if err != nil {
		return nil, err
	}
	s.collections[c.id] = c
	s.order = append(s.order, c.id)
	return c, nil
}

func (s *Session) Collection(id string) (*Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	return c, ok
}

// Collections returns every collection in registration order.
func (s *Session) Collections() []*Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Collection, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.collections[id])
	}
	return out
}

// RefreshAll refreshes every collection and joins their errors.
func (s *Session) RefreshAll(ctx context.Context, force bool) error {
	var errs []error
	for _, c := range s.Collections() {
		if err := c.RefreshAll(ctx, force); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) PersistAll(ctx context.Context) error {
	var errs []error
	for _, c := range s.Collections() {
		if err := c.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAll restores every collection from its backend and returns how many
// had a snapshot.
func (s *Session) LoadAll(ctx context.Context) (int, error) {
	loaded := 0
	var errs []error
	for _, c := range s.Collections() {
		ok, err := c.Load(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			loaded++
		}
	}
	return loaded, errors.Join(errs...)
}

// Logout resets every collection and drops all canonical records. The
// session's collections and queries stay registered.
func (s *Session) Logout() {
	for _, c := range s.Collections() {
		c.Reset()
	}
	s.registry.Clear()
}
