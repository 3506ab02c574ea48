// Package xhttp builds the transport xget uses to talk to origins: a
// net/http.Client tuned for many concurrent long-lived range requests,
// with optional proxy, user-agent rotation, and high-thread-mode socket
// buffers.
package xhttp

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// KeepAliveTimeout bounds idle-connection lifetime. Default: 90s.
	KeepAliveTimeout time.Duration
	// ProxyURL, if set, routes all requests through this proxy.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	// UserAgent overrides the default "xget/1.0" UA. "randomize" picks a
	// random UA per request from a fixed pool (desktop browsers plus curl
	// and Wget).
	UserAgent string
	// Headers are added to every request.
	Headers map[string]string
	// HighThreadMode enables larger socket buffers; the caller should set
	// this once segment concurrency exceeds a handful of connections.
	HighThreadMode bool
}

// Client wraps net/http.Client with the fixed per-request header policy
// xget needs (User-Agent, custom headers) without exposing a default
// timeout — per-request cancellation is handled by the caller's context
// (see Source's inactivity timer), not by http.Client.Timeout.
type Client struct {
	HTTP   *http.Client
	config ClientConfig
}

// New builds a Client from cfg.
func New(cfg ClientConfig) *Client {
	if cfg.KeepAliveTimeout == 0 {
		cfg.KeepAliveTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KeepAliveTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true, // ranged fetches want raw bytes, not a recompressed stream
	}
	if cfg.HighThreadMode {
		transport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   controlHighThreadSocket,
		}).DialContext
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &Client{
		HTTP:   &http.Client{Transport: transport},
		config: cfg,
	}
}

// Prepare stamps req with the configured User-Agent and headers.
func (c *Client) Prepare(req *http.Request) {
	switch c.config.UserAgent {
	case "":
		req.Header.Set("User-Agent", "xget/1.0")
	case "randomize":
		req.Header.Set("User-Agent", randomUserAgent())
	default:
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
}

// Do prepares and issues req.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.Prepare(req)
	return c.HTTP.Do(req)
}
