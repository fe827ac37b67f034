package cache

import (
	"net/http"
	"strings"
)

// Container is the cacheable representation of an upstream response: status
// code, raw body bytes, and the response headers split into content headers
// and general headers. Transfer-Encoding and Content-Length are transport
// concerns regenerated by whichever server delivers the response, so they are
// always excluded at construction time.
type Container struct {
	StatusCode     int
	Body           []byte
	ContentHeaders http.Header
	Headers        http.Header
}

// Headers never admitted into a container.
var transportHeaders = map[string]struct{}{
	"Transfer-Encoding": {},
	"Content-Length":    {},
}

// NewContainer builds a container from a materialized upstream response.
// Content-* headers land in ContentHeaders, everything else in Headers.
func NewContainer(statusCode int, header http.Header, body []byte) *Container {
	c := &Container{
		StatusCode:     statusCode,
		Body:           body,
		ContentHeaders: make(http.Header),
		Headers:        make(http.Header),
	}

	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, stripped := transportHeaders[canonical]; stripped {
			continue
		}
		dst := c.Headers
		if strings.HasPrefix(canonical, "Content-") {
			dst = c.ContentHeaders
		}
		dst[canonical] = append([]string(nil), values...)
	}

	return c
}

// WriteTo replays the container to a response writer. The server regenerates
// Content-Length from the body it writes.
func (c *Container) WriteTo(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range c.Headers {
		dst[name] = append(dst[name][:0:0], values...)
	}
	for name, values := range c.ContentHeaders {
		dst[name] = append(dst[name][:0:0], values...)
	}
	w.WriteHeader(c.StatusCode)
	w.Write(c.Body)
}

// Clone returns a copy safe to hand outside the store. Header maps are
// duplicated; the body slice is shared and treated as immutable by all
// serving paths.
func (c *Container) Clone() *Container {
	if c == nil {
		return nil
	}
	return &Container{
		StatusCode:     c.StatusCode,
		Body:           c.Body,
		ContentHeaders: c.ContentHeaders.Clone(),
		Headers:        c.Headers.Clone(),
	}
}
