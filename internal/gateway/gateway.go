package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/restgate/restgate/internal/cache"
	"github.com/restgate/restgate/internal/config"
	"github.com/restgate/restgate/internal/errors"
	"github.com/restgate/restgate/internal/logging"
	"github.com/restgate/restgate/internal/metrics"
	"github.com/restgate/restgate/internal/middleware"
	"github.com/restgate/restgate/internal/proxy"
	"github.com/restgate/restgate/internal/router"
)

// Gateway resolves incoming requests against the route table and serves them
// through per-route handlers. All routing state lives in one immutable
// snapshot swapped atomically on reload, so a request runs start to finish on
// the snapshot it began with.
type Gateway struct {
	executor *proxy.Executor
	snap     atomic.Pointer[snapshot]
}

// snapshot is the compiled form of one configuration: resolver, per-route
// handler chains, and the cache stores backing cached routes.
type snapshot struct {
	cfg      *config.Config
	resolver *router.Resolver
	handlers map[string]http.Handler
	stores   map[string]*cache.Store
}

// New creates a gateway from a configuration snapshot.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		executor: proxy.New(proxy.Config{
			FlushInterval: 100 * time.Millisecond,
		}),
	}

	snap, err := g.buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	g.snap.Store(snap)

	return g, nil
}

// buildSnapshot compiles a configuration into routing state. Nothing from a
// previous snapshot is reused: a reload starts from fresh stores.
func (g *Gateway) buildSnapshot(cfg *config.Config) (*snapshot, error) {
	resolver, err := router.Build(cfg.Routes)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		cfg:      cfg,
		resolver: resolver,
		handlers: make(map[string]http.Handler, len(cfg.Routes)),
		stores:   make(map[string]*cache.Store),
	}

	for _, route := range resolver.Routes() {
		mc := route.Config.Cache.Memory

		var core http.Handler
		if mc.Enabled() {
			store := cache.NewStore(cache.Options{
				RouteID:        route.ID,
				TTL:            mc.TTL(),
				MaxPerValue:    mc.MaxPerValue(),
				SweepInterval:  mc.Sweep(),
				CacheNilValues: mc.CacheNullValues,
			})
			snap.stores[route.ID] = store
			keys := cache.NewKeyBuilder(route.ID, mc.InvalidatorNames())
			core = g.cacheHandler(route, store, keys)
			logging.Info("route configured with response cache",
				zap.String("route", route.ID),
				zap.Duration("ttl", mc.TTL()),
				zap.Strings("invalidators", mc.InvalidatorNames()))
		} else {
			core = g.streamHandler(route)
		}

		snap.handlers[route.ID] = middleware.NewChain(
			accessLogMW(route.ID),
		).Then(core)
	}

	return snap, nil
}

// Reload builds a fresh snapshot from cfg and swaps it in. On build failure
// the previous snapshot stays active. The old snapshot's sweepers are stopped;
// in-flight requests keep serving from it until they finish.
func (g *Gateway) Reload(cfg *config.Config) error {
	snap, err := g.buildSnapshot(cfg)
	if err != nil {
		return err
	}

	old := g.snap.Swap(snap)
	for _, store := range old.stores {
		store.Close()
	}

	logging.Info("configuration reloaded", zap.Int("routes", len(cfg.Routes)))
	return nil
}

// Config returns the active configuration snapshot.
func (g *Gateway) Config() *config.Config {
	return g.snap.Load().cfg
}

// Routes returns the active compiled routes.
func (g *Gateway) Routes() []*router.Route {
	return g.snap.Load().resolver.Routes()
}

// CacheStats returns per-route cache statistics for the active snapshot.
func (g *Gateway) CacheStats() map[string]cache.Stats {
	snap := g.snap.Load()
	stats := make(map[string]cache.Stats, len(snap.stores))
	for id, store := range snap.stores {
		stats[id] = store.Stats()
	}
	return stats
}

// Close releases snapshot resources and idle upstream connections.
func (g *Gateway) Close() {
	snap := g.snap.Load()
	for _, store := range snap.stores {
		store.Close()
	}
	g.executor.TransportPool().CloseIdleConnections()
}

// ServeHTTP dispatches a request to its route handler, or 404s.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := g.snap.Load()
	start := time.Now()

	match := snap.resolver.Resolve(r.URL.Path)
	if match == nil {
		errors.ErrNotFound.WriteJSON(w)
		metrics.RecordRequest("unmatched", r.Method, http.StatusNotFound, time.Since(start))
		return
	}

	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	ctx := context.WithValue(r.Context(), matchContextKey{}, match)
	snap.handlers[match.Route.ID].ServeHTTP(rec, r.WithContext(ctx))

	metrics.RecordRequest(match.Route.ID, r.Method, rec.statusCode, time.Since(start))
}

type matchContextKey struct{}

// matchFromContext returns the Match placed on the context by ServeHTTP.
func matchFromContext(ctx context.Context) *router.Match {
	m, _ := ctx.Value(matchContextKey{}).(*router.Match)
	return m
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
