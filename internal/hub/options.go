package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures a Conn
type Option func(*Conn)

// WithName sets the label used in logs and metrics
func WithName(name string) Option {
	return func(c *Conn) {
		c.name = name
	}
}

// WithRetryPolicy sets the reconnect policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Conn) {
		c.retryPolicy = policy
	}
}

// WithoutReconnect disables automatic reconnection
func WithoutReconnect() Option {
	return func(c *Conn) {
		c.retryPolicy = nil
	}
}

// WithSkipNegotiation connects the websocket directly
func WithSkipNegotiation() Option {
	return func(c *Conn) {
		c.skipNegotiation = true
	}
}

// WithAccessToken sets a bearer token provider consulted on every connect
func WithAccessToken(provider func() (string, error)) Option {
	return func(c *Conn) {
		c.accessToken = provider
	}
}

// WithHeader adds a header to negotiate and websocket requests
func WithHeader(key, value string) Option {
	return func(c *Conn) {
		c.header.Set(key, value)
	}
}

// WithKeepAliveInterval sets the ping interval
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Conn) {
		c.keepAliveInterval = d
	}
}

// WithServerTimeout sets how long the connection may stay silent
func WithServerTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.serverTimeout = d
	}
}

// WithHandshakeTimeout bounds the protocol handshake
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.handshakeTimeout = d
	}
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) {
		c.dialer = d
	}
}

// WithHTTPClient replaces the client used for negotiation
func WithHTTPClient(client *http.Client) Option {
	return func(c *Conn) {
		c.httpClient = client
	}
}
