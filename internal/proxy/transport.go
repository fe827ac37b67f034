package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// TLS settings
	InsecureSkipVerify bool

	// Keep-alive
	DisableKeepAlives bool

	// HTTP/2
	ForceHTTP2 bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 0, // no timeout
	ExpectContinueTimeout: 1 * time.Second,
	InsecureSkipVerify:    false,
	DisableKeepAlives:     false,
	ForceHTTP2:            true,
}

// NewTransport creates a new HTTP transport with the given configuration
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

// DefaultTransport creates a transport with default settings
func DefaultTransport() *http.Transport {
	return NewTransport(DefaultTransportConfig)
}

// TransportPool holds the two transports a route can proxy through: the
// verifying default and an InsecureSkipVerify variant for routes that opt
// out of upstream certificate validation. Both share the same connection
// settings, so routes with the same TLS policy share connection pools.
type TransportPool struct {
	verifying *http.Transport
	insecure  *http.Transport
}

// NewTransportPool creates a transport pool from the default settings.
func NewTransportPool() *TransportPool {
	return NewTransportPoolWithConfig(DefaultTransportConfig)
}

// NewTransportPoolWithConfig creates a transport pool with custom base settings.
// The InsecureSkipVerify field of cfg is ignored; the pool always builds both
// variants from the remaining settings.
func NewTransportPoolWithConfig(cfg TransportConfig) *TransportPool {
	verifying := cfg
	verifying.InsecureSkipVerify = false

	insecure := cfg
	insecure.InsecureSkipVerify = true

	return &TransportPool{
		verifying: NewTransport(verifying),
		insecure:  NewTransport(insecure),
	}
}

// Get returns the transport matching the route's certificate policy.
func (tp *TransportPool) Get(ignoreCertificateErrors bool) *http.Transport {
	if ignoreCertificateErrors {
		return tp.insecure
	}
	return tp.verifying
}

// CloseIdleConnections closes idle connections on both transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.verifying.CloseIdleConnections()
	tp.insecure.CloseIdleConnections()
}
