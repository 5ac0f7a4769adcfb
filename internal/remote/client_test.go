package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/listcache/internal/entity"
	"github.com/agentworkforce/listcache/internal/listsync"
	"github.com/agentworkforce/listcache/internal/permission"
)

func newTestClient(t *testing.T, server *httptest.Server, schemas map[string]Schema) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:    server.URL,
		Token:      "secret",
		HTTPClient: server.Client(),
		Schemas:    schemas,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	return client
}

func TestFetchDecodesFieldsWithSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/lists/tasks/items" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "lc_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		q := r.URL.Query()
		if q.Get("mode") != "full" || q.Get("token") != "" {
			t.Errorf("unexpected mode/token %q/%q", q.Get("mode"), q.Get("token"))
		}
		if q.Get("filter") != "Status eq 'Open'" || q.Get("fields") != "Title,Due" || q.Get("limit") != "50" {
			t.Errorf("predicate not forwarded: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"changed":[{"id":7,"version":3,"permissionMask":"0x7FFFFFFFFFFFFFFF",
				"fields":{"Title":"Ship","Due":"2026-03-01 09:30:00","Done":"1","Owner":"12;#Ana","Note":null}}],
			"nextToken":"abc123"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, map[string]Schema{
		"tasks": {"Due": entity.FieldDateTime, "Done": entity.FieldBoolean, "Owner": entity.FieldUser},
	})
	changes, err := client.Fetch(context.Background(), "tasks",
		listsync.Predicate{Filter: "Status eq 'Open'", Fields: []string{"Title", "Due"}, Limit: 50},
		listsync.FetchFull, "ignored")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if changes.NextToken != "abc123" || len(changes.Changed) != 1 {
		t.Fatalf("unexpected change set %+v", changes)
	}
	rec := changes.Changed[0]
	if rec.ID() != 7 || rec.CollectionID() != "tasks" || rec.Version() != 3 {
		t.Fatalf("unexpected record identity %d/%s v%d", rec.ID(), rec.CollectionID(), rec.Version())
	}
	if mask, ok := rec.PermissionMask(); !ok || mask != permission.FullMask {
		t.Fatalf("expected full mask, got %x %v", mask, ok)
	}
	due, _ := rec.Field("Due")
	if due.Kind != entity.KindTime || !due.Time.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due %+v", due)
	}
	if done, _ := rec.Field("Done"); done.Kind != entity.KindBool || !done.Bool {
		t.Fatalf("unexpected done %+v", done)
	}
	owner, _ := rec.Field("Owner")
	if owner.Kind != entity.KindLookups || len(owner.Lookups) != 1 || owner.Lookups[0].ID != 12 {
		t.Fatalf("unexpected owner %+v", owner)
	}
	if note, ok := rec.Field("Note"); !ok || !note.IsNull() {
		t.Fatalf("expected explicit null kept, got %+v", note)
	}
}

func TestFetchFollowsPages(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		if q.Get("mode") != "incremental" || q.Get("token") != "abc123" {
			t.Errorf("expected incremental with token, got %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("page") {
		case "":
			_, _ = w.Write([]byte(`{"changed":[{"id":1,"fields":{"Title":"a"}}],"deletedIds":[4],"nextToken":"partial","nextPage":"p2"}`))
		case "p2":
			_, _ = w.Write([]byte(`{"changed":[{"id":2,"fields":{"Title":"b"}}],"deletedIds":[5],"nextToken":"def456"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server, nil)
	changes, err := client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchIncremental, "abc123")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(changes.Changed) != 2 || len(changes.DeletedIDs) != 2 || changes.NextToken != "def456" {
		t.Fatalf("expected both pages merged into one change set, got %+v", changes)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestFetchMapsStaleToken(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"gone", http.StatusGone, `{"code":"gone","message":"token expired"}`},
		{"code", http.StatusBadRequest, `{"code":"stale_token","message":"unknown token"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()
			client := newTestClient(t, server, nil)
			_, err := client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchIncremental, "old")
			if !errors.Is(err, listsync.ErrStaleToken) {
				t.Fatalf("expected ErrStaleToken, got %v", err)
			}
			if errors.Is(err, listsync.ErrTransport) {
				t.Fatalf("stale token must not be reported as a transport failure")
			}
		})
	}
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		_, _ = w.Write([]byte(`{"changed":[],"nextToken":"t1"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, nil)
	changes, err := client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchFull, "")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if changes.NextToken != "t1" {
		t.Fatalf("expected token t1, got %q", changes.NextToken)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", calls)
	}
}

func TestFetchTransportErrorAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server, nil)
	_, err := client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchFull, "")
	var transportErr *listsync.TransportError
	if !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected transport error with 502, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d", calls)
	}

	server.Close()
	_, err = client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchFull, "")
	if !errors.Is(err, listsync.ErrTransport) {
		t.Fatalf("expected unreachable server to be a transport error, got %v", err)
	}
}

func TestFetchRejectsPayloadOutsideSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"changed":[{"id":"seven","fields":{"Title":3}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, nil)
	_, err := client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchFull, "")
	if !errors.Is(err, listsync.ErrTransport) || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema violation reported as transport error, got %v", err)
	}
}

func TestFetchUndecodableFieldIsInvalidEntity(t *testing.T) {
	for _, estimate := range []string{"lots", "NaN", "Inf"} {
		body := `{"changed":[{"id":1,"fields":{"Estimate":"` + estimate + `"}}]}`
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))

		client := newTestClient(t, server, map[string]Schema{"tasks": {"Estimate": entity.FieldNumber}})
		_, err := client.Fetch(context.Background(), "tasks", listsync.Predicate{}, listsync.FetchFull, "")
		server.Close()
		if !errors.Is(err, listsync.ErrInvalidEntity) {
			t.Fatalf("expected ErrInvalidEntity for %q, got %v", estimate, err)
		}
	}
}

func TestSaveRecordUsesIfMatch(t *testing.T) {
	var gotMethod, gotPath, gotIfMatch string
	var gotBody wireItem
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotIfMatch = r.Method, r.URL.Path, r.Header.Get("If-Match")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		gotBody.Version++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gotBody)
	}))
	defer server.Close()

	client := newTestClient(t, server, map[string]Schema{"tasks": {"Done": entity.FieldBoolean}})
	rec := entity.NewRecord("tasks", 9).SetVersion(4).
		Set("Title", entity.String("Ship")).
		Set("Done", entity.Bool(true))
	saved, err := client.SaveRecord(context.Background(), "tasks", rec)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/lists/tasks/items/9" || gotIfMatch != "4" {
		t.Fatalf("unexpected request %s %s If-Match=%q", gotMethod, gotPath, gotIfMatch)
	}
	if gotBody.Fields["Done"] == nil || *gotBody.Fields["Done"] != "1" {
		t.Fatalf("expected Done encoded with the codec, got %+v", gotBody.Fields)
	}
	if saved.Version() != 5 {
		t.Fatalf("expected acknowledged version 5, got %d", saved.Version())
	}
	if done, _ := saved.Field("Done"); !done.Bool {
		t.Fatalf("expected acknowledged Done decoded, got %+v", done)
	}

	created := entity.NewRecord("tasks", 10).Set("Title", entity.String("New"))
	if _, err := client.SaveRecord(context.Background(), "tasks", created); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/lists/tasks/items" || gotIfMatch != "" {
		t.Fatalf("expected POST without If-Match for a new record, got %s %s %q", gotMethod, gotPath, gotIfMatch)
	}
}

func TestWriteConflicts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/404") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer server.Close()

	client := newTestClient(t, server, nil)
	_, err := client.SaveRecord(context.Background(), "tasks", entity.NewRecord("tasks", 3).SetVersion(1))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ItemID != 3 || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for item 3, got %v", err)
	}
	if err := client.DeleteRecord(context.Background(), "tasks", 3, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on delete, got %v", err)
	}
	if err := client.DeleteRecord(context.Background(), "tasks", 404, 1); err != nil {
		t.Fatalf("expected deleting a missing item to succeed, got %v", err)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := &Client{baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential delay, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("expected Retry-After capped at max delay, got %s", got)
	}
}
