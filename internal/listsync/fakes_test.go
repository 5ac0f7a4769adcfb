package listsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/listcache/internal/entity"
)

type fetchCall struct {
	collectionID string
	predicate    Predicate
	mode         FetchMode
	token        string
}

// fakeService answers fetches through respond. When gate is set every fetch
// blocks until the gate is closed or its context ends.
type fakeService struct {
	mu      sync.Mutex
	calls   []fetchCall
	respond func(call fetchCall) (ChangeSet, error)
	gate    chan struct{}
	started chan struct{}
}

func (s *fakeService) Fetch(ctx context.Context, collectionID string, p Predicate, mode FetchMode, token string) (ChangeSet, error) {
	call := fetchCall{collectionID: collectionID, predicate: p, mode: mode, token: token}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	respond := s.respond
	gate := s.gate
	started := s.started
	s.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ChangeSet{}, ctx.Err()
		}
	}
	if respond == nil {
		return ChangeSet{}, nil
	}
	return respond(call)
}

func (s *fakeService) setRespond(respond func(call fetchCall) (ChangeSet, error)) {
	s.mu.Lock()
	s.respond = respond
	s.mu.Unlock()
}

func (s *fakeService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeService) call(i int) fetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fakeWriterService struct {
	*fakeService

	wmu      sync.Mutex
	saved    []*entity.Record
	deleted  map[int64]int64
	writeErr error
}

func newFakeWriterService() *fakeWriterService {
	return &fakeWriterService{fakeService: &fakeService{}, deleted: map[int64]int64{}}
}

func (s *fakeWriterService) SaveRecord(_ context.Context, collectionID string, rec *entity.Record) (*entity.Record, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	ack := rec.Clone().SetVersion(rec.Version() + 1)
	s.saved = append(s.saved, ack)
	return ack, nil
}

func (s *fakeWriterService) DeleteRecord(_ context.Context, collectionID string, id, version int64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.deleted[id] = version
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func task(id int64, title string) *entity.Record {
	return entity.NewRecord("tasks", id).SetVersion(1).Set("Title", entity.String(title))
}

// tasks builds fresh records on every call so the registry never receives
// an instance it already owns.
func tasks(titles map[int64]string) []*entity.Record {
	out := make([]*entity.Record, 0, len(titles))
	for id, title := range titles {
		out = append(out, task(id, title))
	}
	return out
}

func newTestCollection(t interface {
	Helper()
	Fatalf(string, ...any)
}, service RemoteListService, opts CollectionOptions) *Collection {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "tasks"
	}
	c, err := NewCollection(service, entity.NewRegistry(), opts)
	if err != nil {
		t.Fatalf("new collection failed: %v", err)
	}
	return c
}
