package session

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tunzyshop/tunzymd/internal/gateway"
)

// reconnectDelay is the fixed pause before redialing after a transient
// drop. Retries continue indefinitely with no backoff growth.
const reconnectDelay = 3 * time.Second

// Connection is the long-lived loop for one identity: dial the gateway,
// consume events, and redial on transient failure. A close with the
// logged-out status code is terminal — the loop removes the session from
// the registry and exits.
type Connection struct {
	identity string
	authDir  string
	dial     Dialer
	registry *Registry
	handler  Handler
	logger   *slog.Logger

	// retryDelay is overridable in tests; zero means reconnectDelay.
	retryDelay time.Duration

	// onTerminal, when set, runs after a logged-out close. The caller
	// uses it to discard stale credential material.
	onTerminal func(identity string)
}

// NewConnection builds the connection loop for one identity.
func NewConnection(identity, authDir string, dial Dialer, registry *Registry, handler Handler, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		identity: identity,
		authDir:  authDir,
		dial:     dial,
		registry: registry,
		handler:  handler,
		logger:   logger.With("identity", identity),
	}
}

// OnTerminal registers a cleanup hook invoked once after a terminal
// logout, before the session is removed from the registry.
func (c *Connection) OnTerminal(fn func(identity string)) {
	c.onTerminal = fn
}

// Start claims the identity in the registry and launches the loop in a
// goroutine. Returns ErrAlreadyRunning if a loop is already active.
func (c *Connection) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := c.registry.BeginStart(c.identity, cancel); err != nil {
		cancel()
		return err
	}
	go c.Run(runCtx)
	return nil
}

// Run drives the connect/consume/reconnect cycle until the context is
// cancelled or the session is terminally logged out.
func (c *Connection) Run(ctx context.Context) {
	delay := c.retryDelay
	if delay == 0 {
		delay = reconnectDelay
	}

	for {
		c.registry.MarkStatus(c.identity, StatusConnecting)

		t, err := c.dial(ctx, c.identity, c.authDir)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("gateway dial failed, will retry", "error", err, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		terminal := c.consume(ctx, t)
		t.Close()

		if terminal {
			c.logger.Info("session logged out, removing")
			c.registry.MarkStatus(c.identity, StatusLoggedOut)
			if c.onTerminal != nil {
				c.onTerminal(c.identity)
			}
			c.registry.Remove(c.identity)
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("connection dropped, reconnecting", "delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// consume drains the event stream until the connection ends. Returns
// true when the platform revoked the session's credentials.
func (c *Connection) consume(ctx context.Context, t Transport) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-t.Events():
			if !ok {
				// Stream closed without a connection.update: transient.
				return false
			}
			switch ev.Kind {
			case gateway.EventConnection:
				if ev.Connection == nil {
					continue
				}
				switch ev.Connection.State {
				case gateway.ConnectionOpen:
					c.registry.MarkStatus(c.identity, StatusRunning)
					c.logger.Info("session connected")
				case gateway.ConnectionClosed:
					if ev.Connection.StatusCode == gateway.StatusLoggedOut {
						return true
					}
					return false
				}
			case gateway.EventMessage:
				if ev.Message != nil {
					c.dispatch(func() { c.handler.HandleMessage(ctx, t, ev.Message) })
				}
			case gateway.EventParticipants:
				if ev.Participants != nil {
					c.dispatch(func() { c.handler.HandleParticipants(ctx, t, ev.Participants) })
				}
			}
		}
	}
}

// dispatch runs one handler call, containing panics so a bad message
// cannot take down the session loop.
func (c *Connection) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
