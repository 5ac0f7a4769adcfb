package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/agentworkforce/listcache/internal/entity"
	"github.com/agentworkforce/listcache/internal/listsync"
	"github.com/agentworkforce/listcache/internal/notify"
	"github.com/agentworkforce/listcache/internal/permission"
	"github.com/agentworkforce/listcache/internal/remote"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultBaseURL        = "http://127.0.0.1:8080"
	DefaultInterval       = 30 * time.Second
	DefaultIntervalJitter = 0.2
	DefaultTimeout        = 15 * time.Second
	DefaultDebounce       = 100 * time.Millisecond
)

type Logger interface {
	Printf(format string, args ...any)
}

// Duration reads "1m30s" style strings. Bare numbers are seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v * float64(time.Second))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration must be a string or number, got %T", raw)
	}
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	BaseURL        string       `json:"baseURL,omitempty"`
	Token          string       `json:"token,omitempty"`
	StateDSN       string       `json:"stateDSN,omitempty"`
	Interval       Duration     `json:"interval,omitempty"`
	IntervalJitter float64      `json:"intervalJitter,omitempty"`
	Timeout        Duration     `json:"timeout,omitempty"`
	Debounce       Duration     `json:"debounce,omitempty"`
	AdminAddr      string       `json:"adminAddr,omitempty"`
	AdminJWTSecret string       `json:"adminJWTSecret,omitempty"`
	NotifyURL      string       `json:"notifyURL,omitempty"`
	Collections    []Collection `json:"collections,omitempty"`
}

type Collection struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// ListMask is the hex list-level permission mask, e.g. "0x000000000000003F".
	ListMask string `json:"listMask,omitempty"`
	// Fields maps internal field names to their wire type names.
	Fields  map[string]string `json:"fields,omitempty"`
	Queries []Query           `json:"queries,omitempty"`
}

type Query struct {
	Name    string            `json:"name"`
	Filter  string            `json:"filter,omitempty"`
	Fields  []string          `json:"fields,omitempty"`
	OrderBy string            `json:"orderBy,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

func (q Query) Predicate() listsync.Predicate {
	return listsync.Predicate{
		Filter:  q.Filter,
		Fields:  append([]string(nil), q.Fields...),
		OrderBy: q.OrderBy,
		Limit:   q.Limit,
		Params:  q.Params,
	}
}

// ParsedListMask returns nil when the collection has no list mask.
func (c Collection) ParsedListMask() (*uint64, error) {
	if strings.TrimSpace(c.ListMask) == "" {
		return nil, nil
	}
	mask, err := permission.ParseMask(c.ListMask)
	if err != nil {
		return nil, err
	}
	return &mask, nil
}

func (c Collection) Schema() remote.Schema {
	schema := make(remote.Schema, len(c.Fields))
	for name, typ := range c.Fields {
		schema[name] = entity.FieldType(typ)
	}
	return schema
}

func Default() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Interval:       Duration(DefaultInterval),
		IntervalJitter: DefaultIntervalJitter,
		Timeout:        Duration(DefaultTimeout),
		Debounce:       Duration(DefaultDebounce),
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values from LISTCACHE_* variables. Values that do
// not parse are logged and skipped.
func (c *Config) ApplyEnv(lookup func(string) (string, bool), logger Logger) {
	str := func(name string, dst *string) {
		if raw, ok := lookup(name); ok && strings.TrimSpace(raw) != "" {
			*dst = strings.TrimSpace(raw)
		}
	}
	dur := func(name string, dst *Duration) {
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		value, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			logf(logger, "invalid %s=%q, keeping %s", name, raw, time.Duration(*dst))
			return
		}
		*dst = Duration(value)
	}

	str("LISTCACHE_BASE_URL", &c.BaseURL)
	str("LISTCACHE_TOKEN", &c.Token)
	str("LISTCACHE_STATE_DSN", &c.StateDSN)
	str("LISTCACHE_ADMIN_ADDR", &c.AdminAddr)
	str("LISTCACHE_ADMIN_JWT_SECRET", &c.AdminJWTSecret)
	str("LISTCACHE_NOTIFY_URL", &c.NotifyURL)
	dur("LISTCACHE_INTERVAL", &c.Interval)
	dur("LISTCACHE_TIMEOUT", &c.Timeout)
	dur("LISTCACHE_DEBOUNCE", &c.Debounce)
	if raw, ok := lookup("LISTCACHE_INTERVAL_JITTER"); ok && strings.TrimSpace(raw) != "" {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			logf(logger, "invalid LISTCACHE_INTERVAL_JITTER=%q, keeping %f", raw, c.IntervalJitter)
		} else {
			c.IntervalJitter = value
		}
	}
}

// Validate fills zero durations with defaults and reports every problem it
// finds at once.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = Duration(DefaultInterval)
	}
	if c.Timeout <= 0 {
		c.Timeout = Duration(DefaultTimeout)
	}
	if c.IntervalJitter < 0 {
		c.IntervalJitter = 0
	} else if c.IntervalJitter > 1 {
		c.IntervalJitter = 1
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}

	var problems []error
	if strings.TrimSpace(c.AdminAddr) != "" && c.AdminJWTSecret == "" {
		problems = append(problems, errors.New("adminAddr requires adminJWTSecret"))
	}
	seen := map[string]bool{}
	for i, coll := range c.Collections {
		id := strings.TrimSpace(coll.ID)
		if id == "" {
			problems = append(problems, fmt.Errorf("collections[%d]: id is required", i))
			continue
		}
		if seen[id] {
			problems = append(problems, fmt.Errorf("collection %s: duplicate id", id))
		}
		seen[id] = true
		if _, err := coll.ParsedListMask(); err != nil {
			problems = append(problems, fmt.Errorf("collection %s: listMask: %v", id, err))
		}
		for name, typ := range coll.Fields {
			if !entity.FieldType(typ).Valid() {
				problems = append(problems, fmt.Errorf("collection %s: field %s: unsupported type %q", id, name, typ))
			}
		}
		names := map[string]bool{}
		for j, q := range coll.Queries {
			name := strings.TrimSpace(q.Name)
			switch {
			case name == "":
				problems = append(problems, fmt.Errorf("collection %s: queries[%d]: name is required", id, j))
			case names[name]:
				problems = append(problems, fmt.Errorf("collection %s: duplicate query %s", id, name))
			}
			if q.Limit < 0 {
				problems = append(problems, fmt.Errorf("collection %s: query %s: limit must not be negative", id, name))
			}
			names[name] = true
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

func (c Config) Schemas() map[string]remote.Schema {
	out := make(map[string]remote.Schema, len(c.Collections))
	for _, coll := range c.Collections {
		if len(coll.Fields) > 0 {
			out[coll.ID] = coll.Schema()
		}
	}
	return out
}

// Watch reloads path whenever it changes and hands each valid config to
// onChange. Environment overrides from lookup are applied to every reload the
// same way startup applies them; a nil lookup skips them. Files that fail to
// load or validate are logged and ignored.
func Watch(ctx context.Context, path string, lookup func(string) (string, bool), logger Logger, onChange func(Config)) error {
	watcher, err := notify.NewFileWatcher(path, 0, func() {
		cfg, err := Load(path)
		if err == nil {
			if lookup != nil {
				cfg.ApplyEnv(lookup, logger)
			}
			err = cfg.Validate()
		}
		if err != nil {
			logf(logger, "config reload of %s rejected: %v", path, err)
			return
		}
		onChange(cfg)
	}, logger)
	if err != nil {
		return err
	}
	return watcher.Run(ctx)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
