package listsync

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/agentworkforce/listcache/internal/entity"
	"github.com/agentworkforce/listcache/internal/permission"
)

func TestRegisterQueryIsIdempotent(t *testing.T) {
	c := newTestCollection(t, &fakeService{}, CollectionOptions{})
	first, err := c.RegisterQuery("all", Predicate{Filter: "a"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	first.setToken("t1")
	again, err := c.RegisterQuery("all", Predicate{Filter: "b"})
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again != first || again.Token() != "t1" || again.Predicate().Filter != "a" {
		t.Fatalf("expected re-registration to return the untouched query")
	}
	if _, err := c.RegisterQuery("  ", Predicate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a blank name, got %v", err)
	}
	_, _ = c.RegisterQuery("mine", Predicate{})
	var names []string
	for _, q := range c.Queries() {
		names = append(names, q.Name())
	}
	if !slices.Equal(names, []string{"all", "mine"}) {
		t.Fatalf("expected registration order, got %v", names)
	}
}

func TestNewCollectionRequiresIDAndService(t *testing.T) {
	if _, err := NewCollection(&fakeService{}, nil, CollectionOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without id, got %v", err)
	}
	if _, err := NewCollection(nil, nil, CollectionOptions{ID: "tasks"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without service, got %v", err)
	}
}

func TestRefreshAllRunsEveryQuery(t *testing.T) {
	service := &fakeService{}
	service.setRespond(func(call fetchCall) (ChangeSet, error) {
		if call.predicate.Filter == "broken" {
			return ChangeSet{}, &TransportError{Op: "fetch tasks", StatusCode: 502}
		}
		return ChangeSet{Changed: tasks(map[int64]string{1: "a"}), NextToken: "t1"}, nil
	})
	c := newTestCollection(t, service, CollectionOptions{})
	_, _ = c.RegisterQuery("open", Predicate{})
	_, _ = c.RegisterQuery("mine", Predicate{Filter: "Owner eq me"})

	if err := c.RefreshAll(context.Background(), false); err != nil {
		t.Fatalf("refresh all failed: %v", err)
	}
	for _, q := range c.Queries() {
		if q.Token() != "t1" {
			t.Fatalf("expected %s refreshed, token=%q", q.Name(), q.Token())
		}
	}

	_, _ = c.RegisterQuery("bad", Predicate{Filter: "broken"})
	err := c.RefreshAll(context.Background(), true)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error from the broken query, got %v", err)
	}
}

func TestResolvePermissionsFallbackChain(t *testing.T) {
	c := newTestCollection(t, &fakeService{}, CollectionOptions{})
	item := task(1, "a").SetPermissionMask(1 << 2)
	bare := task(2, "b")

	if set := c.ResolvePermissions(bare); len(set.Granted()) != 0 {
		t.Fatalf("expected deny-all without masks, got %v", set.Granted())
	}
	c.SetListMask(1)
	if set := c.ResolvePermissions(bare); !set.Allows(permission.ViewListItems) || set.Allows(permission.EditListItems) {
		t.Fatalf("expected list mask used for a bare item, got %v", set.Granted())
	}
	if set := c.ResolvePermissions(item); set.Allows(permission.ViewListItems) || !set.Allows(permission.EditListItems) {
		t.Fatalf("expected item mask to win, got %v", set.Granted())
	}
	c.ClearListMask()
	if _, ok := c.ListMask(); ok {
		t.Fatalf("expected list mask cleared")
	}
}

func TestSaveRecordMergesAcknowledgedRecord(t *testing.T) {
	service := newFakeWriterService()
	service.setRespond(func(fetchCall) (ChangeSet, error) {
		return ChangeSet{Changed: tasks(map[int64]string{1: "a"}), NextToken: "t1"}, nil
	})
	c := newTestCollection(t, service, CollectionOptions{})
	all, _ := c.RegisterQuery("all", Predicate{})
	_, _ = c.RegisterQuery("other", Predicate{})
	runAndWait(t, c, "all", false)
	canonical, _ := all.Cache().Get(1)

	saved, err := c.SaveRecord(context.Background(), task(1, "edited"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved != canonical {
		t.Fatalf("expected save to return the canonical instance")
	}
	if title, _ := canonical.Field("Title"); title.Str != "edited" || canonical.Version() != 2 {
		t.Fatalf("expected acknowledged record merged, title=%q version=%d", title.Str, canonical.Version())
	}
	if all.Token() != "t1" {
		t.Fatalf("expected local save to leave the token alone, got %q", all.Token())
	}

	created, err := c.SaveRecord(context.Background(), task(5, "new"), "other")
	if err != nil {
		t.Fatalf("save new failed: %v", err)
	}
	other, _ := c.Query("other")
	if got, _ := other.Cache().Get(5); got != created {
		t.Fatalf("expected new record added to the named query")
	}
	if all.Cache().Has(5) {
		t.Fatalf("expected new record kept out of unnamed queries")
	}
	if _, err := c.SaveRecord(context.Background(), task(6, "x"), "missing"); !errors.Is(err, ErrUnknownQuery) {
		t.Fatalf("expected ErrUnknownQuery, got %v", err)
	}
	if _, err := c.SaveRecord(context.Background(), entity.NewRecord("issues", 1)); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity for a foreign record, got %v", err)
	}
}

func TestDeleteRecordRemovesEverywhere(t *testing.T) {
	service := newFakeWriterService()
	service.setRespond(func(fetchCall) (ChangeSet, error) {
		return ChangeSet{Changed: []*entity.Record{task(1, "a").SetVersion(4), task(2, "b")}, NextToken: "t1"}, nil
	})
	c := newTestCollection(t, service, CollectionOptions{})
	_, _ = c.RegisterQuery("open", Predicate{})
	_, _ = c.RegisterQuery("mine", Predicate{})
	if err := c.RefreshAll(context.Background(), false); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if err := c.DeleteRecord(context.Background(), 1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if service.deleted[1] != 4 {
		t.Fatalf("expected delete sent with version 4, got %d", service.deleted[1])
	}
	for _, q := range c.Queries() {
		if q.Cache().Has(1) {
			t.Fatalf("expected id 1 gone from %s", q.Name())
		}
	}
	if _, ok := c.Registry().Get("tasks", 1); ok {
		t.Fatalf("expected id 1 gone from the registry")
	}

	service.writeErr = errors.New("locked")
	if err := c.DeleteRecord(context.Background(), 2); err == nil {
		t.Fatalf("expected write error")
	}
	open, _ := c.Query("open")
	if !open.Cache().Has(2) {
		t.Fatalf("expected failed delete to keep the record")
	}
}

func TestWritesOnReadOnlyService(t *testing.T) {
	c := newTestCollection(t, &fakeService{}, CollectionOptions{})
	if _, err := c.SaveRecord(context.Background(), task(1, "a")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on save, got %v", err)
	}
	if err := c.DeleteRecord(context.Background(), 1); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on delete, got %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	backend := NewInMemoryStateBackend()
	service := &fakeService{}
	service.setRespond(func(call fetchCall) (ChangeSet, error) {
		return ChangeSet{Changed: []*entity.Record{task(1, "a").SetPermissionMask(3), task(2, "b")}, NextToken: "abc123"}, nil
	})
	mask := uint64(1)
	source := newTestCollection(t, service, CollectionOptions{StateBackend: backend, ListMask: &mask})
	_, _ = source.RegisterQuery("all", Predicate{Filter: "x"})
	runAndWait(t, source, "all", false)
	if err := source.Persist(context.Background()); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	restored := newTestCollection(t, service, CollectionOptions{StateBackend: backend})
	ok, err := restored.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected snapshot loaded, ok=%v err=%v", ok, err)
	}
	q, found := restored.Query("all")
	if !found {
		t.Fatalf("expected query registered from the snapshot")
	}
	if q.Token() != "abc123" || q.Predicate().Filter != "x" {
		t.Fatalf("unexpected restored query token=%q predicate=%+v", q.Token(), q.Predicate())
	}
	if got := q.Cache().IDs(); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("expected ids [1 2], got %v", got)
	}
	rec, _ := q.Cache().Get(1)
	if canonical, _ := restored.Registry().Get("tasks", 1); canonical != rec {
		t.Fatalf("expected cached record to be the registry's canonical instance")
	}
	if m, ok := rec.PermissionMask(); !ok || m != 3 {
		t.Fatalf("expected permission mask restored, got %d %v", m, ok)
	}
	if m, ok := restored.ListMask(); !ok || m != 1 {
		t.Fatalf("expected list mask restored, got %d %v", m, ok)
	}

	op := runAndWait(t, restored, "all", true)
	if op.Mode() != FetchIncremental {
		t.Fatalf("expected first fetch after restore to be incremental, got %q", op.Mode())
	}
	if last := service.call(service.callCount() - 1); last.token != "abc123" {
		t.Fatalf("expected restored token sent, got %q", last.token)
	}
}

func TestRestoreSkipsLiveQueries(t *testing.T) {
	c := newTestCollection(t, &fakeService{}, CollectionOptions{})
	q, _ := c.RegisterQuery("all", Predicate{})
	q.setToken("live")
	snap := &CollectionSnapshot{
		CollectionID: "tasks",
		Queries:      []QuerySnapshot{{Name: "all", Token: "old", IDs: []int64{1}}},
		Records:      []entity.RecordSnapshot{task(1, "a").Snapshot()},
	}
	if err := c.Restore(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if q.Token() != "live" || q.Cache().Count() != 0 {
		t.Fatalf("expected live query untouched, token=%q count=%d", q.Token(), q.Cache().Count())
	}
	if c.Registry().Len("tasks") != 0 {
		t.Fatalf("expected no orphaned registry entries")
	}
	if err := c.Restore(&CollectionSnapshot{CollectionID: "issues"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a foreign snapshot, got %v", err)
	}
}

func TestResetForcesFullFetch(t *testing.T) {
	service := &fakeService{}
	service.setRespond(func(fetchCall) (ChangeSet, error) {
		return ChangeSet{Changed: tasks(map[int64]string{1: "a"}), NextToken: "t1"}, nil
	})
	c := newTestCollection(t, service, CollectionOptions{})
	q, _ := c.RegisterQuery("all", Predicate{})
	runAndWait(t, c, "all", false)

	c.Reset()
	if q.HasToken() || q.Cache().Count() != 0 || !q.LastSynced().IsZero() {
		t.Fatalf("expected reset query to be empty")
	}
	if c.Registry().Len("tasks") != 0 {
		t.Fatalf("expected registry released")
	}
	op := runAndWait(t, c, "all", false)
	if op.Mode() != FetchFull {
		t.Fatalf("expected FULL after reset, got %q", op.Mode())
	}
}

func TestStatusReportsQueries(t *testing.T) {
	service := &fakeService{}
	service.setRespond(func(fetchCall) (ChangeSet, error) {
		return ChangeSet{Changed: tasks(map[int64]string{1: "a", 2: "b"}), NextToken: "t1"}, nil
	})
	mask := permission.FullMask
	c := newTestCollection(t, service, CollectionOptions{Title: "Tasks", ListMask: &mask})
	_, _ = c.RegisterQuery("all", Predicate{})
	_, _ = c.RegisterQuery("idle", Predicate{})
	runAndWait(t, c, "all", false)

	status := c.Status()
	if status.ID != "tasks" || status.Title != "Tasks" || status.Records != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.ListMask != "0x7FFFFFFFFFFFFFFF" {
		t.Fatalf("unexpected list mask %q", status.ListMask)
	}
	if len(status.Queries) != 2 || status.Queries[0].Count != 2 || !status.Queries[0].HasToken {
		t.Fatalf("unexpected query status %+v", status.Queries)
	}
	if status.Queries[1].HasToken || status.Queries[1].InFlight {
		t.Fatalf("expected idle query without token, got %+v", status.Queries[1])
	}
}
