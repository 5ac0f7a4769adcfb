package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/listcache/internal/config"
	"github.com/agentworkforce/listcache/internal/httpapi"
	"github.com/agentworkforce/listcache/internal/listsync"
	"github.com/agentworkforce/listcache/internal/metrics"
	"github.com/agentworkforce/listcache/internal/notify"
	"github.com/agentworkforce/listcache/internal/remote"
)

type glogLogger struct{}

func (glogLogger) Printf(format string, args ...any) {
	glog.InfoDepth(1, fmt.Sprintf(format, args...))
}

type flagValues struct {
	baseURL        string
	token          string
	stateDSN       string
	interval       time.Duration
	intervalJitter float64
	timeout        time.Duration
	debounce       time.Duration
	adminAddr      string
	adminJWTSecret string
	notifyURL      string
}

func main() {
	var fv flagValues
	configPath := flag.String("config", envOrDefault("LISTCACHE_CONFIG", ""), "YAML config file")
	flag.StringVar(&fv.baseURL, "base-url", "", "list service base URL")
	flag.StringVar(&fv.token, "token", "", "list service bearer token")
	flag.StringVar(&fv.stateDSN, "state-dsn", "", "snapshot backend DSN (file path, memory://, postgres://, sqlite://, s3://)")
	flag.DurationVar(&fv.interval, "interval", 0, "refresh interval")
	flag.Float64Var(&fv.intervalJitter, "interval-jitter", 0, "refresh interval jitter ratio (0.0-1.0)")
	flag.DurationVar(&fv.timeout, "timeout", 0, "per-fetch timeout")
	flag.DurationVar(&fv.debounce, "debounce", 0, "minimum time between unforced runs of one query")
	flag.StringVar(&fv.adminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
	flag.StringVar(&fv.adminJWTSecret, "admin-jwt-secret", "", "HS256 secret for admin bearer tokens (required with --admin-addr)")
	flag.StringVar(&fv.notifyURL, "notify-url", "", "websocket change feed URL (empty disables)")
	once := flag.Bool("once", false, "run one refresh cycle and exit")
	flag.Parse()
	defer glog.Flush()

	logger := glogLogger{}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		glog.Exitf("failed to load config: %v", err)
	}
	cfg.ApplyEnv(os.LookupEnv, logger)
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyFlags(&cfg, fv, set)
	if err := cfg.Validate(); err != nil {
		glog.Exitf("%v", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		glog.Exitf("token is required (--token, LISTCACHE_TOKEN or config token)")
	}

	recorder := metrics.NewRecorder()
	client, err := remote.NewClient(remote.Options{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: &http.Client{Timeout: cfg.Timeout.Std()},
		Schemas:    cfg.Schemas(),
		Logger:     logger,
	})
	if err != nil {
		glog.Exitf("failed to initialize list client: %v", err)
	}
	backend, err := listsync.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		glog.Exitf("failed to initialize state backend: %v", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}
	session, err := listsync.NewSession(client, listsync.SessionOptions{
		MinInterval:  cfg.Debounce.Std(),
		FetchTimeout: cfg.Timeout.Std(),
		StateBackend: backend,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		glog.Exitf("failed to initialize session: %v", err)
	}
	if err := applyCollections(session, client, cfg); err != nil {
		glog.Exitf("failed to register collections: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := session.LoadAll(rootCtx)
	if err != nil {
		glog.Warningf("restoring snapshots: %v", err)
	}
	glog.Infof("listcache restored %d of %d collections", loaded, len(session.Collections()))

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, 2*cfg.Timeout.Std())
		defer cancel()
		if err := session.RefreshAll(ctx, false); err != nil {
			glog.Warningf("refresh cycle failed: %v", err)
		} else {
			glog.V(1).Infof("refresh cycle completed")
		}
		if err := session.PersistAll(ctx); err != nil {
			glog.Warningf("persisting snapshots failed: %v", err)
		}
	}

	run()
	if *once {
		return
	}

	g, gctx := errgroup.WithContext(rootCtx)
	if cfg.AdminAddr != "" {
		admin := &http.Server{
			Addr: cfg.AdminAddr,
			Handler: httpapi.NewServerWithConfig(session, httpapi.ServerConfig{
				JWTSecret:       cfg.AdminJWTSecret,
				RateLimitMax:    intEnv("LISTCACHE_ADMIN_RATE_LIMIT_MAX", 0),
				RateLimitWindow: durationEnv("LISTCACHE_ADMIN_RATE_LIMIT_WINDOW", time.Minute),
				Metrics:         recorder.Handler(),
				Logger:          logger,
			}),
		}
		g.Go(func() error {
			glog.Infof("listcache admin listening on %s", cfg.AdminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}
	if cfg.NotifyURL != "" {
		sub, err := notify.NewSubscriber(notify.SubscriberOptions{
			URL:         cfg.NotifyURL,
			Token:       cfg.Token,
			Collections: collectionIDs(session),
			Handler:     refreshOnEvent(session, cfg.Timeout.Std()),
			Logger:      logger,
		})
		if err != nil {
			glog.Exitf("failed to initialize notify subscriber: %v", err)
		}
		g.Go(func() error { return sub.Run(gctx) })
	}
	if *configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, *configPath, os.LookupEnv, logger, func(next config.Config) {
				applyFlags(&next, fv, set)
				if err := applyCollections(session, client, next); err != nil {
					glog.Warningf("config reload: %v", err)
					return
				}
				glog.Infof("config reloaded from %s", *configPath)
			})
		})
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval.Std(), cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(cfg.Interval.Std(), cfg.IntervalJitter, rng.Float64()))
		}
	}
	stop()
	if err := g.Wait(); err != nil {
		glog.Errorf("listcache stopped with error: %v", err)
	}
	persistCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Std())
	defer cancel()
	if err := session.PersistAll(persistCtx); err != nil {
		glog.Warningf("final persist failed: %v", err)
	}
	glog.Infof("listcache stopping: %v", rootCtx.Err())
}

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyFlags copies explicitly set flags over cfg. Flags win over env and
// file values.
func applyFlags(cfg *config.Config, fv flagValues, set map[string]bool) {
	if set["base-url"] {
		cfg.BaseURL = strings.TrimSpace(fv.baseURL)
	}
	if set["token"] {
		cfg.Token = strings.TrimSpace(fv.token)
	}
	if set["state-dsn"] {
		cfg.StateDSN = strings.TrimSpace(fv.stateDSN)
	}
	if set["interval"] {
		cfg.Interval = config.Duration(fv.interval)
	}
	if set["interval-jitter"] {
		cfg.IntervalJitter = clampJitterRatio(fv.intervalJitter)
	}
	if set["timeout"] {
		cfg.Timeout = config.Duration(fv.timeout)
	}
	if set["debounce"] {
		cfg.Debounce = config.Duration(fv.debounce)
	}
	if set["admin-addr"] {
		cfg.AdminAddr = strings.TrimSpace(fv.adminAddr)
	}
	if set["admin-jwt-secret"] {
		cfg.AdminJWTSecret = fv.adminJWTSecret
	}
	if set["notify-url"] {
		cfg.NotifyURL = strings.TrimSpace(fv.notifyURL)
	}
}

type schemaSetter interface {
	SetSchema(collectionID string, schema remote.Schema)
}

// applyCollections registers every configured collection and query. It is
// safe to call again after a reload: existing queries keep their state and
// only new ones are added.
func applyCollections(session *listsync.Session, schemas schemaSetter, cfg config.Config) error {
	var errs []error
	for _, c := range cfg.Collections {
		mask, err := c.ParsedListMask()
		if err != nil {
			errs = append(errs, fmt.Errorf("collection %s: %w", c.ID, err))
			continue
		}
		coll, err := session.Register(listsync.CollectionOptions{ID: c.ID, Title: c.Title, ListMask: mask})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if mask != nil {
			coll.SetListMask(*mask)
		} else {
			coll.ClearListMask()
		}
		if len(c.Fields) > 0 {
			schemas.SetSchema(c.ID, c.Schema())
		}
		for _, q := range c.Queries {
			if _, err := coll.RegisterQuery(q.Name, q.Predicate()); err != nil {
				errs = append(errs, fmt.Errorf("collection %s: %w", c.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func collectionIDs(session *listsync.Session) []string {
	collections := session.Collections()
	ids := make([]string, 0, len(collections))
	for _, c := range collections {
		ids = append(ids, c.ID())
	}
	return ids
}

// refreshOnEvent force-refreshes the notified collection without blocking the
// websocket read loop.
func refreshOnEvent(session *listsync.Session, timeout time.Duration) notify.Handler {
	return func(ctx context.Context, ev notify.Event) {
		coll, ok := session.Collection(ev.CollectionID)
		if !ok {
			glog.V(1).Infof("notify event for unknown collection %s ignored", ev.CollectionID)
			return
		}
		go func() {
			runCtx, cancel := context.WithTimeout(ctx, 2*timeout)
			defer cancel()
			if err := coll.RefreshAll(runCtx, true); err != nil {
				glog.Warningf("notify refresh of %s failed: %v", ev.CollectionID, err)
			}
		}()
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		glog.Warningf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
