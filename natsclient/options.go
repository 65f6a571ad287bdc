package natsclient

import (
	"log/slog"
	"time"

	"github.com/c360/iris/errors"
)

// ClientOption configures a Client in NewClient.
type ClientOption func(*Client) error

func invalidOption(name string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Client", "NewClient", name)
}

// WithName sets the connection name shown by the server's monitoring
// endpoints.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger replaces the default logger. Nil is ignored.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithTimeout bounds a single dial.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return invalidOption("connect timeout")
		}
		c.timeout = d
		return nil
	}
}

// WithMaxReconnects limits how often the underlying connection redials
// after it was lost. -1 never gives up; 0 disables reconnecting.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return invalidOption("max reconnects")
		}
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between redials of a lost connection.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return invalidOption("reconnect wait")
		}
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the server is pinged to detect a dead
// link.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return invalidOption("ping interval")
		}
		c.pingInterval = d
		return nil
	}
}

// WithDrainTimeout caps how long Close waits for in-flight publishes.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return invalidOption("drain timeout")
		}
		c.drainTimeout = d
		return nil
	}
}

// WithCircuitBreaker sets how many consecutive dial failures open the
// circuit and the longest the circuit stays open.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 || maxBackoff < time.Second {
			return invalidOption("circuit breaker")
		}
		c.circuitThreshold = threshold
		c.maxBackoff = maxBackoff
		return nil
	}
}

// WithCredentials authenticates with a user and password. Empty values
// leave authentication off.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken authenticates with a server token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithHealthChangeCallback registers fn to run, on its own goroutine,
// whenever the link comes up or goes down.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}
