// Package transport builds proxy-aware HTTP clients for upstream dispatch.
// Each account may carry its own egress proxy (http, https or socks5); the
// factory caches one client per proxy URL so connection pools are reused.
package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Options carries the transport timeouts. The overall client timeout is left
// unset: streaming requests are bounded by their request context instead.
type Options struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	DefaultProxyURL       string
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.TLSHandshakeTimeout <= 0 {
		o.TLSHandshakeTimeout = 10 * time.Second
	}
	if o.ResponseHeaderTimeout <= 0 {
		o.ResponseHeaderTimeout = 120 * time.Second
	}
}

// Factory hands out HTTP clients keyed by proxy URL.
type Factory struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewFactory builds the client factory.
func NewFactory(opts Options) *Factory {
	opts.applyDefaults()
	return &Factory{opts: opts, clients: map[string]*http.Client{}}
}

// Client returns a client routed through proxyURL. An empty proxyURL falls
// back to the configured default proxy, then to a direct connection.
func (f *Factory) Client(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		proxyURL = f.opts.DefaultProxyURL
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[proxyURL]; ok {
		return c, nil
	}

	tr, err := f.buildTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Transport: tr}
	f.clients[proxyURL] = c
	return c, nil
}

func (f *Factory) buildTransport(proxyURL string) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: f.opts.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   f.opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: f.opts.ResponseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if proxyURL == "" {
		return tr, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			auth = &proxy.Auth{User: u.User.Username()}
			auth.Password, _ = u.User.Password()
		}
		socks, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer: %w", err)
		}
		ctxDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer lacks context support")
		}
		tr.DialContext = ctxDialer.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return tr, nil
}
