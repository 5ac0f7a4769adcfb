package entity

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func TestRegistryUpsertMutatesInPlace(t *testing.T) {
	registry := NewRegistry()
	first := NewRecord("tasks", 7).SetVersion(1).Set("Title", String("draft")).Set("Owner", String("ana"))
	canonical, err := registry.Upsert("tasks", first)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if canonical != first {
		t.Fatalf("expected first upsert to make the incoming record canonical")
	}

	update := NewRecord("tasks", 7).SetVersion(2).Set("Title", String("final"))
	again, err := registry.Upsert("tasks", update)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if again != first {
		t.Fatalf("expected upsert to return the same canonical instance")
	}
	if title, _ := first.Field("Title"); title.Str != "final" {
		t.Fatalf("expected title overwritten in place, got %q", title.Str)
	}
	if owner, _ := first.Field("Owner"); owner.Str != "ana" {
		t.Fatalf("expected untouched field kept, got %q", owner.Str)
	}
	if first.Version() != 2 {
		t.Fatalf("expected version 2, got %d", first.Version())
	}
}

func TestRegistryIgnoresOlderVersions(t *testing.T) {
	registry := NewRegistry()
	canonical, _ := registry.Upsert("tasks", NewRecord("tasks", 1).SetVersion(5).Set("Title", String("v5")))
	_, _ = registry.Upsert("tasks", NewRecord("tasks", 1).SetVersion(3).Set("Title", String("v3")))
	if title, _ := canonical.Field("Title"); title.Str != "v5" {
		t.Fatalf("expected stale update ignored, got %q", title.Str)
	}
}

func TestRegistryRejectsMismatchedCollection(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Upsert("tasks", NewRecord("issues", 1)); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity for foreign collection, got %v", err)
	}
}

func TestRegistryGetOrCreateCallsFactoryOnce(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	factory := func() *Record {
		calls++
		return NewRecord("tasks", 3)
	}
	a, err := registry.GetOrCreate("tasks", 3, factory)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	b, err := registry.GetOrCreate("tasks", 3, factory)
	if err != nil {
		t.Fatalf("second get or create failed: %v", err)
	}
	if a != b || calls != 1 {
		t.Fatalf("expected one factory call and identical records, calls=%d", calls)
	}
	if _, err := registry.GetOrCreate("tasks", 4, func() *Record { return NewRecord("tasks", 99) }); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected mismatched factory output rejected, got %v", err)
	}
}

func TestRegistryApplyTracksHolders(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Apply("tasks", "tasks/primary", []*Record{NewRecord("tasks", 7)}, nil); err != nil {
		t.Fatalf("apply primary failed: %v", err)
	}
	if _, err := registry.Apply("tasks", "tasks/secondary", []*Record{NewRecord("tasks", 7)}, nil); err != nil {
		t.Fatalf("apply secondary failed: %v", err)
	}
	if got := registry.Holders("tasks", 7); !slices.Equal(got, []Holder{"tasks/primary", "tasks/secondary"}) {
		t.Fatalf("expected two holders, got %v", got)
	}

	result, err := registry.Apply("tasks", "tasks/primary", nil, []int64{7})
	if err != nil {
		t.Fatalf("apply delete failed: %v", err)
	}
	if len(result.Evicted) != 0 {
		t.Fatalf("expected no eviction while secondary holds id 7, got %v", result.Evicted)
	}
	if _, ok := registry.Get("tasks", 7); !ok {
		t.Fatalf("expected id 7 to stay registered")
	}

	result, err = registry.Apply("tasks", "tasks/secondary", nil, []int64{7})
	if err != nil {
		t.Fatalf("apply second delete failed: %v", err)
	}
	if !slices.Equal(result.Evicted, []int64{7}) {
		t.Fatalf("expected id 7 evicted, got %v", result.Evicted)
	}
	if _, ok := registry.Get("tasks", 7); ok {
		t.Fatalf("expected id 7 removed from registry")
	}
}

func TestRegistryApplyValidatesBeforeMutating(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Apply("tasks", "tasks/primary", []*Record{NewRecord("tasks", 1), NewRecord("tasks", 0)}, nil)
	if !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
	if registry.Len("tasks") != 0 {
		t.Fatalf("expected nothing applied, got %d entries", registry.Len("tasks"))
	}
}

func TestRegistryApplyUnknownCollectionDeletion(t *testing.T) {
	registry := NewRegistry()
	result, err := registry.Apply("ghosts", "ghosts/primary", nil, []int64{1})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.UnknownCollection {
		t.Fatalf("expected unknown collection to be reported")
	}
	if registry.Known("ghosts") {
		t.Fatalf("expected registry not to create a bucket for a pure deletion")
	}
}

func TestRegistryReleaseUnknownCollection(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Release("ghosts", 1, "ghosts/primary"); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestRegistryConcurrentUpserts(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	results := make([]*Record, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := registry.Upsert("tasks", NewRecord("tasks", 1).Set("Writer", Int(int64(i))))
			if err != nil {
				t.Errorf("upsert failed: %v", err)
				return
			}
			results[i] = rec
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("expected a single canonical record across concurrent upserts")
		}
	}
}

func TestRegistryClear(t *testing.T) {
	registry := NewRegistry()
	_, _ = registry.Upsert("tasks", NewRecord("tasks", 1))
	registry.Clear()
	if registry.Known("tasks") || registry.Len("tasks") != 0 {
		t.Fatalf("expected cleared registry to forget collections")
	}
}

func TestRegistryAdoptRetainsEveryHolderAtOnce(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Apply("tasks", "tasks/open", []*Record{NewRecord("tasks", 3).SetVersion(2)}, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	local := NewRecord("tasks", 3).SetVersion(3).Set("Title", String("saved"))
	canonical, applied, err := registry.Adopt("tasks", local, []Holder{"tasks/mine", "tasks/late"})
	if err != nil || !applied {
		t.Fatalf("adopt failed: applied=%v err=%v", applied, err)
	}
	if got := registry.Holders("tasks", 3); !slices.Equal(got, []Holder{"tasks/late", "tasks/mine", "tasks/open"}) {
		t.Fatalf("expected all holders retained, got %v", got)
	}

	// The original holder dropping the id must not evict what was adopted.
	result, _ := registry.Apply("tasks", "tasks/open", nil, []int64{3})
	if len(result.Evicted) != 0 {
		t.Fatalf("expected no eviction, got %v", result.Evicted)
	}
	if got, ok := registry.Get("tasks", 3); !ok || got != canonical {
		t.Fatalf("expected adopted record to stay canonical")
	}

	if _, applied, _ := registry.Adopt("tasks", NewRecord("tasks", 3).SetVersion(1), []Holder{"tasks/mine"}); applied {
		t.Fatalf("expected older version reported as not applied")
	}
	if _, _, err := registry.Adopt("tasks", NewRecord("tasks", 9), nil); !errors.Is(err, ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity without holders, got %v", err)
	}
	if _, ok := registry.Get("tasks", 9); ok {
		t.Fatalf("expected holderless adopt to leave the registry alone")
	}
}

func TestRegistryApplyCompleteClearsMissingMask(t *testing.T) {
	registry := NewRegistry()
	canonical, _ := registry.Upsert("tasks", NewRecord("tasks", 4).SetPermissionMask(6))

	if _, err := registry.Apply("tasks", "tasks/open", []*Record{NewRecord("tasks", 4)}, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if mask, ok := canonical.PermissionMask(); !ok || mask != 6 {
		t.Fatalf("expected partial merge to keep mask 6, got %d %v", mask, ok)
	}

	if _, err := registry.ApplyComplete("tasks", "tasks/open", []*Record{NewRecord("tasks", 4)}, nil); err != nil {
		t.Fatalf("apply complete failed: %v", err)
	}
	if _, ok := canonical.PermissionMask(); ok {
		t.Fatalf("expected complete merge without a mask to clear it")
	}
}
