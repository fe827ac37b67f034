package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/restgate/restgate/internal/cache"
	"github.com/restgate/restgate/internal/errors"
	"github.com/restgate/restgate/internal/logging"
	"github.com/restgate/restgate/internal/middleware"
	"github.com/restgate/restgate/internal/proxy"
	"github.com/restgate/restgate/internal/router"
)

// streamHandler proxies a route without cache interaction: bytes flow
// upstream to client as they arrive.
func (g *Gateway) streamHandler(route *router.Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match := matchFromContext(r.Context())
		g.executor.Stream(w, r, route, match.ResolvedPath)
	})
}

// cacheHandler serves a cached route: lookup, coalesced fetch on miss, status
// exclusion before store. Responses for excluded status codes and oversize
// bodies still reach the client, they are just never persisted.
func (g *Gateway) cacheHandler(route *router.Route, store *cache.Store, keys *cache.KeyBuilder) http.Handler {
	mc := route.Config.Cache.Memory
	ttl := mc.TTL()
	maxBody := mc.MaxBodySize()

	excluded, ok := mc.ExcludedStatusCodeSet()
	if !ok {
		logging.Warn("malformed exclude_status_codes_from_cache, exclusions disabled",
			zap.String("route", route.ID),
			zap.String("value", mc.ExcludeStatusCodes))
		excluded = nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match := matchFromContext(r.Context())
		key, values := keys.Build(r.Method, match.ResolvedPath, r.URL.Query(), r.Header)

		// An oversize result reaches only the goroutine that ran the fetch;
		// waiters coalesced onto that flight see a nil container instead.
		handoff := &overflowHandoff{}
		defer handoff.abandon()

		c, hit, err := store.Get(r.Context(), key, ttl, values, func(ctx context.Context) (*cache.Container, bool, error) {
			res, ferr := g.executor.Fetch(ctx, r, route, match.ResolvedPath, maxBody)
			if ferr != nil {
				return nil, false, ferr
			}
			if res.Overflow != nil {
				handoff.offer(res)
				return nil, false, nil
			}
			_, skip := excluded[res.Container.StatusCode]
			return res.Container, !skip, nil
		})

		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				// client went away before the flight finished
				return
			}
			if ge, isGE := errors.IsGatewayError(err); isGE {
				ge.WriteJSON(w)
				return
			}
			errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
			return
		}

		if res := handoff.take(); res != nil {
			w.Header().Set("X-Cache", "MISS")
			writeOversize(w, res)
			return
		}

		if c != nil {
			if hit {
				w.Header().Set("X-Cache", "HIT")
			} else {
				w.Header().Set("X-Cache", "MISS")
			}
			c.WriteTo(w)
			return
		}

		// Coalesced onto a flight whose result could not be shared
		// (oversize body). Fall back to a direct streaming exchange.
		g.executor.Stream(w, r, route, match.ResolvedPath)
	})
}

// overflowHandoff passes an oversize fetch result from the flight goroutine to
// the requesting handler. The flight can outlive a cancelled requester, so
// whichever side arrives after the other has given up closes the overflow.
type overflowHandoff struct {
	mu        sync.Mutex
	res       *proxy.Result
	abandoned bool
}

// offer hands the result to the requester, or closes it when the requester is
// already gone. Called from the flight goroutine.
func (h *overflowHandoff) offer(res *proxy.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned {
		res.Overflow.Close()
		return
	}
	h.res = res
}

// take claims the offered result for delivery, transferring the obligation to
// close it.
func (h *overflowHandoff) take() *proxy.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	res := h.res
	h.res = nil
	return res
}

// abandon marks the requester as gone and closes any untaken result, now or
// when it is eventually offered.
func (h *overflowHandoff) abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abandoned = true
	if h.res != nil {
		h.res.Overflow.Close()
		h.res = nil
	}
}

// writeOversize delivers a response whose body outgrew the buffer limit: the
// buffered prefix first, then the remainder streamed from the upstream
// connection. Such responses are never stored.
func writeOversize(w http.ResponseWriter, res *proxy.Result) {
	defer res.Overflow.Close()

	for name, vals := range res.Container.Headers {
		w.Header()[name] = vals
	}
	for name, vals := range res.Container.ContentHeaders {
		w.Header()[name] = vals
	}
	w.WriteHeader(res.Container.StatusCode)
	w.Write(res.Container.Body)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		_, err := io.CopyN(w, res.Overflow, 32*1024)
		if flusher != nil {
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

// accessLogMW logs completed requests at debug level.
func accessLogMW(routeID string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			logging.Debug("request completed",
				zap.String("route", routeID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.statusCode),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// recoveryMW converts handler panics into 500 responses.
func recoveryMW() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error("panic recovered",
						zap.String("path", r.URL.Path), zap.Any("panic", rec))
					errors.ErrInternalServer.WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
