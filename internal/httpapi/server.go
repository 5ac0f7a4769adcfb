package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/listcache/internal/entity"
	"github.com/agentworkforce/listcache/internal/listsync"
	"github.com/agentworkforce/listcache/internal/permission"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// RefreshWait bounds how long a refresh request with wait=true blocks.
	RefreshWait time.Duration
	// Metrics is served unauthenticated at /metrics when set.
	Metrics http.Handler
	Logger  Logger
}

// Server exposes a read-mostly admin view over a sync session.
type Server struct {
	session     *listsync.Session
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type itemJSON struct {
	ID             int64          `json:"id"`
	Version        int64          `json:"version"`
	PermissionMask string         `json:"permissionMask,omitempty"`
	Fields         map[string]any `json:"fields"`
}

type itemsResponse struct {
	CollectionID string     `json:"collectionId"`
	Query        string     `json:"query"`
	Total        int        `json:"total"`
	Offset       int        `json:"offset"`
	Items        []itemJSON `json:"items"`
}

type refreshResponse struct {
	OperationID string `json:"operationId"`
	Query       string `json:"query"`
	Mode        string `json:"mode,omitempty"`
	FromCache   bool   `json:"fromCache"`
	Status      string `json:"status"`
	Count       *int   `json:"count,omitempty"`
}

type permissionsResponse struct {
	CollectionID string                  `json:"collectionId"`
	ItemID       *int64                  `json:"itemId,omitempty"`
	Source       string                  `json:"source"`
	Granted      []permission.Capability `json:"granted"`
}

func NewServer(session *listsync.Session) *Server {
	return NewServerWithConfig(session, ServerConfig{})
}

func NewServerWithConfig(session *listsync.Session, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RefreshWait <= 0 {
		cfg.RefreshWait = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		session:     session,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		if s.cfg.Metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics are not enabled", correlationID)
			return
		}
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "collections" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "collections"
	case len(parts) == 4 && parts[3] == "queries" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "queries"
	case len(parts) == 6 && parts[3] == "queries" && parts[5] == "items" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "items"
	case len(parts) == 6 && parts[3] == "queries" && parts[5] == "refresh" && r.Method == http.MethodPost:
		requiredScope = ScopeRefresh
		route = "refresh"
	case len(parts) == 4 && parts[3] == "permissions" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "permissions"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	if route == "collections" {
		s.handleCollections(w, r)
		return
	}
	coll, ok := s.session.Collection(parts[2])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown collection: "+parts[2], correlationID)
		return
	}
	switch route {
	case "queries":
		writeJSON(w, http.StatusOK, coll.Status())
	case "items":
		s.handleItems(w, r, coll, parts[4], correlationID)
	case "refresh":
		s.handleRefresh(w, r, coll, parts[4], claims, correlationID)
	case "permissions":
		s.handlePermissions(w, r, coll, correlationID)
	}
}

func (s *Server) handleCollections(w http.ResponseWriter, _ *http.Request) {
	collections := s.session.Collections()
	out := make([]listsync.CollectionStatus, 0, len(collections))
	for _, c := range collections {
		out = append(out, c.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": out})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request, coll *listsync.Collection, name, correlationID string) {
	q, ok := coll.Query(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown query: "+name, correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	offset, err := parseOptionalBoundedInt(r.URL.Query().Get("offset"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid offset", correlationID)
		return
	}

	records := q.Cache().List()
	resp := itemsResponse{
		CollectionID: coll.ID(),
		Query:        name,
		Total:        len(records),
		Offset:       offset,
		Items:        []itemJSON{},
	}
	if offset < len(records) {
		end := min(offset+limit, len(records))
		for _, rec := range records[offset:end] {
			resp.Items = append(resp.Items, renderItem(rec))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, coll *listsync.Collection, name string, claims tokenClaims, correlationID string) {
	wait, err := parseOptionalBool(r.URL.Query().Get("wait"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid wait", correlationID)
		return
	}
	op, err := coll.RunQuery(r.Context(), name, listsync.RunOptions{Force: true})
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	s.logf("admin refresh %s/%s by %s (op=%s correlation=%s)", coll.ID(), name, claims.Subject, op.ID(), correlationID)

	resp := refreshResponse{
		OperationID: op.ID(),
		Query:       name,
		Mode:        string(op.Mode()),
		FromCache:   op.FromCache(),
		Status:      "running",
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RefreshWait)
	defer cancel()
	cache, err := op.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		s.writeSyncError(w, err, correlationID)
		return
	}
	count := cache.Count()
	resp.Mode = string(op.Mode())
	resp.Status = "completed"
	resp.Count = &count
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request, coll *listsync.Collection, correlationID string) {
	resp := permissionsResponse{CollectionID: coll.ID(), Source: "default"}
	var rec *entity.Record
	if raw := strings.TrimSpace(r.URL.Query().Get("itemId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid itemId", correlationID)
			return
		}
		found, ok := coll.Registry().Get(coll.ID(), id)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "item is not cached", correlationID)
			return
		}
		rec = found
		resp.ItemID = &id
	}
	switch {
	case rec != nil && hasItemMask(rec):
		resp.Source = "item"
	default:
		if _, ok := coll.ListMask(); ok {
			resp.Source = "list"
		}
	}
	resp.Granted = coll.ResolvePermissions(rec).Granted()
	writeJSON(w, http.StatusOK, resp)
}

func hasItemMask(rec *entity.Record) bool {
	_, ok := rec.PermissionMask()
	return ok
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	var transportErr *listsync.TransportError
	switch {
	case errors.Is(err, listsync.ErrUnknownQuery):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &transportErr):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	case errors.Is(err, listsync.ErrOperationReplaced):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, listsync.ErrInvalidEntity):
		writeError(w, http.StatusBadGateway, "invalid_payload", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func renderItem(rec *entity.Record) itemJSON {
	snap := rec.Snapshot()
	item := itemJSON{
		ID:      snap.ID,
		Version: snap.Version,
		Fields:  make(map[string]any, len(snap.Fields)),
	}
	if snap.PermissionMask != nil {
		item.PermissionMask = permission.FormatMask(*snap.PermissionMask)
	}
	for name, v := range snap.Fields {
		item.Fields[name] = renderValue(v)
	}
	return item
}

func renderValue(v entity.Value) any {
	switch v.Kind {
	case entity.KindString:
		return v.Str
	case entity.KindInt:
		return v.Int
	case entity.KindFloat:
		return v.Float
	case entity.KindBool:
		return v.Bool
	case entity.KindTime:
		return v.Time.UTC().Format(time.RFC3339)
	case entity.KindStrings:
		return v.Strings
	case entity.KindLookups:
		return v.Lookups
	case entity.KindJSON:
		return json.RawMessage(v.JSON)
	default:
		return nil
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "adm_" + strings.ToLower(ulid.Make().String())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if parsed < min {
		return min, nil
	}
	if parsed > max {
		return max, nil
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
