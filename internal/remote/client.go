// Package remote speaks the list service's HTTP API. Client implements
// listsync.RemoteListService and listsync.RemoteWriter.
package remote

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/listcache/internal/entity"
	"github.com/agentworkforce/listcache/internal/listsync"
	"github.com/agentworkforce/listcache/internal/permission"
)

var ErrConflict = errors.New("version conflict")

// ConflictError is returned when a write's If-Match version no longer
// matches the service.
type ConflictError struct {
	CollectionID string
	ItemID       int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s/%d", e.CollectionID, e.ItemID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Schema maps field names to their wire types for one collection. Fields not
// listed are decoded as text.
type Schema map[string]entity.FieldType

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Schemas holds the field types per collection id.
	Schemas    map[string]Schema
	Codec      entity.FieldCodec
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxPages bounds how many pages one fetch may follow.
	MaxPages int
	Logger   Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	codec      entity.FieldCodec
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxPages   int
	logger     Logger

	changeSetSchema *jsonschema.Schema
	itemSchema      *jsonschema.Schema

	mu      sync.RWMutex
	schemas map[string]Schema
}

//go:embed schema/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://listcache.local/schema/"

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	codec := opts.Codec
	if codec == nil {
		codec = entity.DefaultCodec{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 1000
	}
	changeSetSchema, itemSchema, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:         baseURL,
		token:           strings.TrimSpace(opts.Token),
		httpClient:      httpClient,
		codec:           codec,
		maxRetries:      maxRetries,
		baseDelay:       opts.BaseDelay,
		maxDelay:        opts.MaxDelay,
		maxPages:        maxPages,
		logger:          opts.Logger,
		changeSetSchema: changeSetSchema,
		itemSchema:      itemSchema,
		schemas:         map[string]Schema{},
	}
	for id, schema := range opts.Schemas {
		c.SetSchema(id, schema)
	}
	return c, nil
}

func compileSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for _, name := range []string{"changeset.json", "item.json"} {
		raw, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return nil, nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	changeSet, err := compiler.Compile(schemaBaseURL + "changeset.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compile changeset schema: %w", err)
	}
	item, err := compiler.Compile(schemaBaseURL + "item.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compile item schema: %w", err)
	}
	return changeSet, item, nil
}

// SetSchema replaces the field types used for collectionID.
func (c *Client) SetSchema(collectionID string, schema Schema) {
	clone := make(Schema, len(schema))
	for name, t := range schema {
		clone[name] = t
	}
	c.mu.Lock()
	c.schemas[collectionID] = clone
	c.mu.Unlock()
}

func (c *Client) fieldType(collectionID, field string) entity.FieldType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemas[collectionID][field]
}

type wireItem struct {
	ID             int64              `json:"id"`
	Version        int64              `json:"version,omitempty"`
	PermissionMask string             `json:"permissionMask,omitempty"`
	Fields         map[string]*string `json:"fields,omitempty"`
}

type wireChangeSet struct {
	Changed    []wireItem `json:"changed"`
	DeletedIDs []int64    `json:"deletedIds"`
	NextToken  string     `json:"nextToken"`
	NextPage   string     `json:"nextPage"`
}

// Fetch follows nextPage until the result is complete so the caller always
// merges one whole change set.
func (c *Client) Fetch(ctx context.Context, collectionID string, p listsync.Predicate, mode listsync.FetchMode, token string) (listsync.ChangeSet, error) {
	var out listsync.ChangeSet
	page := ""
	for i := 0; ; i++ {
		if i >= c.maxPages {
			return listsync.ChangeSet{}, &listsync.TransportError{
				Op:  "fetch " + collectionID,
				Err: fmt.Errorf("more than %d pages", c.maxPages),
			}
		}
		q := fetchQuery(p, mode, token, page)
		payload, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/lists/%s/items?%s", url.PathEscape(collectionID), q.Encode()), nil, nil)
		if err != nil {
			return listsync.ChangeSet{}, c.mapError("fetch "+collectionID, collectionID, 0, err)
		}
		wire, err := c.decodeChangeSet(payload)
		if err != nil {
			return listsync.ChangeSet{}, &listsync.TransportError{Op: "fetch " + collectionID, Err: err}
		}
		for _, item := range wire.Changed {
			rec, err := c.decodeItem(collectionID, item)
			if err != nil {
				return listsync.ChangeSet{}, err
			}
			out.Changed = append(out.Changed, rec)
		}
		out.DeletedIDs = append(out.DeletedIDs, wire.DeletedIDs...)
		out.NextToken = wire.NextToken
		if wire.NextPage == "" {
			return out, nil
		}
		page = wire.NextPage
	}
}

func fetchQuery(p listsync.Predicate, mode listsync.FetchMode, token, page string) url.Values {
	q := url.Values{}
	q.Set("mode", string(mode))
	if mode == listsync.FetchIncremental && token != "" {
		q.Set("token", token)
	}
	if p.Filter != "" {
		q.Set("filter", p.Filter)
	}
	if len(p.Fields) > 0 {
		q.Set("fields", strings.Join(p.Fields, ","))
	}
	if p.OrderBy != "" {
		q.Set("orderBy", p.OrderBy)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	for key, value := range p.Params {
		q.Set(key, value)
	}
	if page != "" {
		q.Set("page", page)
	}
	return q
}

// SaveRecord creates the item when it has no version yet, otherwise updates
// it guarded by If-Match.
func (c *Client) SaveRecord(ctx context.Context, collectionID string, rec *entity.Record) (*entity.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	body, err := c.encodeItem(collectionID, rec)
	if err != nil {
		return nil, err
	}
	method := http.MethodPost
	requestPath := fmt.Sprintf("/v1/lists/%s/items", url.PathEscape(collectionID))
	headers := map[string]string{}
	if rec.Version() > 0 {
		method = http.MethodPut
		requestPath = fmt.Sprintf("/v1/lists/%s/items/%d", url.PathEscape(collectionID), rec.ID())
		headers["If-Match"] = strconv.FormatInt(rec.Version(), 10)
	}
	payload, err := c.do(ctx, method, requestPath, headers, body)
	if err != nil {
		return nil, c.mapError("save "+collectionID, collectionID, rec.ID(), err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return rec, nil
	}
	item, err := c.decodeWireItem(payload)
	if err != nil {
		return nil, &listsync.TransportError{Op: "save " + collectionID, Err: err}
	}
	return c.decodeItem(collectionID, item)
}

func (c *Client) DeleteRecord(ctx context.Context, collectionID string, id, version int64) error {
	headers := map[string]string{}
	if version > 0 {
		headers["If-Match"] = strconv.FormatInt(version, 10)
	}
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/lists/%s/items/%d", url.PathEscape(collectionID), id), headers, nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return c.mapError("delete "+collectionID, collectionID, id, err)
	}
	return nil
}

func (c *Client) decodeChangeSet(payload []byte) (wireChangeSet, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return wireChangeSet{}, fmt.Errorf("malformed change set: %w", err)
	}
	if err := c.changeSetSchema.Validate(inst); err != nil {
		return wireChangeSet{}, fmt.Errorf("change set does not match schema: %w", err)
	}
	var out wireChangeSet
	if err := json.Unmarshal(payload, &out); err != nil {
		return wireChangeSet{}, err
	}
	return out, nil
}

func (c *Client) decodeWireItem(payload []byte) (wireItem, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return wireItem{}, fmt.Errorf("malformed item: %w", err)
	}
	if err := c.itemSchema.Validate(inst); err != nil {
		return wireItem{}, fmt.Errorf("item does not match schema: %w", err)
	}
	var out wireItem
	if err := json.Unmarshal(payload, &out); err != nil {
		return wireItem{}, err
	}
	return out, nil
}

// decodeItem builds a record from the wire form. Ids are not checked here;
// the merge rejects invalid ones.
func (c *Client) decodeItem(collectionID string, item wireItem) (*entity.Record, error) {
	rec := entity.NewRecord(collectionID, item.ID).SetVersion(item.Version)
	if item.PermissionMask != "" {
		mask, err := permission.ParseMask(item.PermissionMask)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d permission mask: %v", listsync.ErrInvalidEntity, item.ID, err)
		}
		rec.SetPermissionMask(mask)
	}
	for name, raw := range item.Fields {
		if raw == nil {
			rec.Set(name, entity.Null())
			continue
		}
		value, err := c.codec.Decode(*raw, c.fieldType(collectionID, name))
		if err != nil {
			return nil, fmt.Errorf("%w: item %d field %s: %v", listsync.ErrInvalidEntity, item.ID, name, err)
		}
		rec.Set(name, value)
	}
	return rec, nil
}

func (c *Client) encodeItem(collectionID string, rec *entity.Record) (wireItem, error) {
	item := wireItem{ID: rec.ID(), Version: rec.Version(), Fields: map[string]*string{}}
	for name, value := range rec.Fields() {
		if value.IsNull() {
			item.Fields[name] = nil
			continue
		}
		raw, err := c.codec.Encode(value, c.fieldType(collectionID, name))
		if err != nil {
			return wireItem{}, fmt.Errorf("%w: field %s: %v", listsync.ErrInvalidEntity, name, err)
		}
		item.Fields[name] = &raw
	}
	return item, nil
}

type staleTokenError struct {
	message string
}

func (e *staleTokenError) Error() string {
	if e.message == "" {
		return listsync.ErrStaleToken.Error()
	}
	return listsync.ErrStaleToken.Error() + ": " + e.message
}

func (e *staleTokenError) Is(target error) bool {
	return target == listsync.ErrStaleToken
}

type retryExhaustedError struct {
	statusCode int
	err        error
}

func (e *retryExhaustedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("http %d", e.statusCode)
}

func (e *retryExhaustedError) Unwrap() error {
	return e.err
}

// mapError turns transport-level failures into *listsync.TransportError;
// stale tokens, conflicts and other HTTP errors pass through.
func (c *Client) mapError(op, collectionID string, itemID int64, err error) error {
	var exhausted *retryExhaustedError
	switch {
	case errors.Is(err, listsync.ErrStaleToken):
		return err
	case errors.Is(err, ErrConflict):
		return &ConflictError{CollectionID: collectionID, ItemID: itemID}
	case errors.As(err, &exhausted):
		return &listsync.TransportError{Op: op, StatusCode: exhausted.statusCode, Err: exhausted.err}
	case errors.Is(err, context.Canceled):
		return err
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return err
	}
	return &listsync.TransportError{Op: op, Err: err}
}

func (c *Client) do(ctx context.Context, method, requestPath string, headers map[string]string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if attempt < c.maxRetries {
				c.logf("%s %s failed, retrying: %v", method, requestPath, err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &retryExhaustedError{err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &retryExhaustedError{statusCode: resp.StatusCode, err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if resp.StatusCode == http.StatusGone || errPayload.Code == "stale_token" {
			return nil, &staleTokenError{message: errPayload.Message}
		}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &retryExhaustedError{statusCode: resp.StatusCode, err: &HTTPError{
				StatusCode: resp.StatusCode,
				Code:       errPayload.Code,
				Message:    errPayload.Message,
			}}
		}
		if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed {
			return nil, ErrConflict
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "lc_" + strings.ToLower(ulid.Make().String())
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
