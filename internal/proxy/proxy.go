package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/restgate/restgate/internal/cache"
	"github.com/restgate/restgate/internal/errors"
	"github.com/restgate/restgate/internal/metrics"
	"github.com/restgate/restgate/internal/router"
)

// Executor sends requests upstream on behalf of matched routes. It never
// retries: a failed exchange surfaces to the client as a gateway error.
type Executor struct {
	transportPool  *TransportPool
	defaultTimeout time.Duration
	flushInterval  time.Duration
}

// Config holds executor configuration
type Config struct {
	TransportPool  *TransportPool
	DefaultTimeout time.Duration
	FlushInterval  time.Duration
}

// New creates a new executor
func New(cfg Config) *Executor {
	pool := cfg.TransportPool
	if pool == nil {
		pool = NewTransportPool()
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	flushInterval := cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = -1 // Don't flush
	}

	return &Executor{
		transportPool:  pool,
		defaultTimeout: timeout,
		flushInterval:  flushInterval,
	}
}

// TransportPool returns the transport pool.
func (e *Executor) TransportPool() *TransportPool {
	return e.transportPool
}

// Result is a materialized upstream exchange. Overflow is non-nil when the
// body exceeded the buffering limit: Container then holds the buffered prefix
// and Overflow the unread remainder, still attached to the upstream
// connection. The caller must drain and close Overflow.
type Result struct {
	Container *cache.Container
	Overflow  io.ReadCloser
}

// Fetch performs the exchange in buffering mode: the response body is read
// into memory up to maxBody bytes and returned as a container. Oversize
// responses come back with Overflow set so the caller can still deliver them.
func (e *Executor) Fetch(ctx context.Context, r *http.Request, route *router.Route, resolvedPath string, maxBody int64) (*Result, error) {
	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, e.defaultTimeout)
	}

	proxyReq := e.buildRequest(ctx, r, route, resolvedPath)

	resp, err := e.transportPool.Get(route.Config.IgnoreCertificateErrors).RoundTrip(proxyReq)
	if err != nil {
		cancel()
		return nil, e.classifyError(route.ID, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, e.classifyError(route.ID, err)
	}

	// Probe one byte past the limit to distinguish an exactly-full body
	// from an oversize one.
	probe := make([]byte, 1)
	n, probeErr := io.ReadFull(resp.Body, probe)
	if n > 0 {
		body = append(body, probe[:n]...)
		container := cache.NewContainer(resp.StatusCode, resp.Header, body)
		// The remainder stays attached to the upstream connection, so the
		// request timeout must outlive this call: closing Overflow releases it.
		return &Result{Container: container, Overflow: &overflowBody{body: resp.Body, cancel: cancel}}, nil
	}
	resp.Body.Close()
	cancel()
	if probeErr != nil && probeErr != io.EOF && probeErr != io.ErrUnexpectedEOF {
		return nil, e.classifyError(route.ID, probeErr)
	}

	return &Result{Container: cache.NewContainer(resp.StatusCode, resp.Header, body)}, nil
}

// overflowBody is the unread remainder of an oversize response. Close releases
// both the connection and the request timeout that keeps it alive.
type overflowBody struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (b *overflowBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *overflowBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}

// Stream performs the exchange in streaming mode: response bytes are copied
// to the client as they arrive, flushing periodically. Nothing is buffered,
// so a client disconnect cancels the upstream request through the request
// context.
func (e *Executor) Stream(w http.ResponseWriter, r *http.Request, route *router.Route, resolvedPath string) {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.defaultTimeout)
		defer cancel()
	}

	proxyReq := e.buildRequest(ctx, r, route, resolvedPath)

	resp, err := e.transportPool.Get(route.Config.IgnoreCertificateErrors).RoundTrip(proxyReq)
	if err != nil {
		e.classifyError(route.ID, err).WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	e.copyBody(w, resp.Body)
}

// buildRequest creates the request to send upstream. Exact routes hit the
// configured target URL as-is; wildcard routes append the path remainder
// beyond the literal prefix. The query string always passes through.
func (e *Executor) buildRequest(ctx context.Context, r *http.Request, route *router.Route, resolvedPath string) *http.Request {
	targetURL := *route.Target

	if route.Wildcard {
		suffix := stripPrefix(route.Pattern, resolvedPath)
		targetURL.Path = singleJoiningSlash(route.Target.Path, suffix)
	}
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          route.Target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		if _, excluded := route.ExcludedHeaders[k]; excluded {
			continue
		}
		proxyReq.Header[k] = vv
	}

	// Set X-Forwarded headers
	if clientIP := extractClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}

	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	// Remove hop-by-hop headers
	removeHopHeaders(proxyReq.Header)

	return proxyReq
}

// classifyError maps an upstream failure to a gateway error and records it.
func (e *Executor) classifyError(routeID string, err error) *errors.GatewayError {
	if isTimeout(err) {
		metrics.UpstreamErrors.WithLabelValues(routeID, "timeout").Inc()
		return errors.ErrGatewayTimeout
	}
	metrics.UpstreamErrors.WithLabelValues(routeID, "transport").Inc()
	return errors.ErrBadGateway.WithDetails(err.Error())
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// copyBody copies the response body
func (e *Executor) copyBody(w http.ResponseWriter, body io.Reader) {
	if e.flushInterval > 0 {
		// Streaming copy with flush
		if flusher, ok := w.(http.Flusher); ok {
			for {
				_, err := io.CopyN(w, body, 32*1024)
				flusher.Flush()
				if err != nil {
					break
				}
			}
			return
		}
	}

	io.Copy(w, body)
}

func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// stripPrefix removes the wildcard pattern's literal prefix from the
// resolved path, returning the remainder rooted at "/".
func stripPrefix(pattern, path string) string {
	pattern = strings.Trim(strings.TrimSuffix(strings.Trim(pattern, "/"), "*"), "/")
	path = strings.Trim(path, "/")

	if pattern == "" {
		return "/" + path
	}

	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(pathParts) <= len(patternParts) {
		return "/"
	}

	suffix := strings.Join(pathParts[len(patternParts):], "/")
	if suffix == "" {
		return "/"
	}
	return "/" + suffix
}
