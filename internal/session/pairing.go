package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tunzyshop/tunzymd/internal/gateway"
)

// Pairing timing. The fallback timer covers gateway versions that never
// answer the direct call; the deadline bounds the whole handshake.
const (
	defaultPairingDeadline = 120 * time.Second
	defaultFallbackAfter   = 3 * time.Second
)

// ErrPairingTimeout reports a handshake that produced no code before the
// deadline.
var ErrPairingTimeout = errors.New("pairing timed out before a code was issued")

// PairingResult is the outcome of a successful handshake. Provisional
// marks a locally generated fallback code that the platform did not
// confirm; callers should surface that to the user.
type PairingResult struct {
	Code        string `json:"code"`
	Provisional bool   `json:"provisional"`
}

// AuthProvider supplies credential directories for identities. The store
// implements it.
type AuthProvider interface {
	EnsureAuthDir(identity string) (string, error)
	RemoveAuthDir(identity string) error
}

// Coordinator runs the pairing-code handshake and, on success, hands the
// identity over to a long-running Connection.
type Coordinator struct {
	registry *Registry
	dial     Dialer
	handler  Handler
	auth     AuthProvider
	logger   *slog.Logger

	// baseCtx outlives individual pairing requests; launched sessions
	// are bound to it, not to the HTTP request that triggered them.
	baseCtx context.Context

	Deadline      time.Duration
	FallbackAfter time.Duration
}

// NewCoordinator builds a pairing coordinator. baseCtx governs the
// lifetime of sessions started after a successful handshake.
func NewCoordinator(baseCtx context.Context, registry *Registry, dial Dialer, handler Handler, auth AuthProvider, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry:      registry,
		dial:          dial,
		handler:       handler,
		auth:          auth,
		logger:        logger,
		baseCtx:       baseCtx,
		Deadline:      defaultPairingDeadline,
		FallbackAfter: defaultFallbackAfter,
	}
}

// RequestPairing runs the whole handshake for a phone number: reserve the
// identity, obtain a pairing code from one of the settlement sources, and
// start the session loop. The identity reservation is released on any
// failure so the user can retry.
func (co *Coordinator) RequestPairing(ctx context.Context, number string) (PairingResult, error) {
	identity := NormalizeIdentity(number)
	requestID := uuid.NewString()
	logger := co.logger.With("identity", identity, "request_id", requestID)

	if err := co.registry.BeginPairing(identity); err != nil {
		return PairingResult{}, err
	}
	logger.Info("pairing started")

	result, err := co.pair(ctx, identity, logger)
	if err != nil {
		logger.Warn("pairing failed", "error", err)
		co.registry.Remove(identity)
		return PairingResult{}, err
	}
	logger.Info("pairing code issued", "provisional", result.Provisional)

	authDir, err := co.auth.EnsureAuthDir(identity)
	if err != nil {
		co.registry.Remove(identity)
		return PairingResult{}, err
	}
	conn := NewConnection(identity, authDir, co.dial, co.registry, co.handler, co.logger)
	conn.OnTerminal(func(id string) {
		if err := co.auth.RemoveAuthDir(id); err != nil {
			co.logger.Warn("discard credentials failed", "identity", id, "error", err)
		}
	})
	if err := conn.Start(co.baseCtx); err != nil {
		co.registry.Remove(identity)
		return PairingResult{}, err
	}
	return result, nil
}

// Resume starts the session loop for an identity that already holds
// credentials, without a pairing handshake.
func (co *Coordinator) Resume(identity string) error {
	authDir, err := co.auth.EnsureAuthDir(identity)
	if err != nil {
		return err
	}
	conn := NewConnection(identity, authDir, co.dial, co.registry, co.handler, co.logger)
	conn.OnTerminal(func(id string) {
		if err := co.auth.RemoveAuthDir(id); err != nil {
			co.logger.Warn("discard credentials failed", "identity", id, "error", err)
		}
	})
	return conn.Start(co.baseCtx)
}

// settled is the single value a pairing request resolves to.
type settled struct {
	code        string
	provisional bool
	err         error
}

// pairingRequest settles exactly once: the first source to observe the
// flag unset commits its result, every later source is a no-op.
type pairingRequest struct {
	mu       sync.Mutex
	resolved bool
	ch       chan settled
}

func newPairingRequest() *pairingRequest {
	return &pairingRequest{ch: make(chan settled, 1)}
}

func (r *pairingRequest) settle(s settled) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved = true
	r.ch <- s
	return true
}

// pair opens a handshake connection and races the three settlement
// sources: the direct call result, the async pairing-code event, and the
// fallback timer.
func (co *Coordinator) pair(ctx context.Context, identity string, logger *slog.Logger) (PairingResult, error) {
	authDir, err := co.auth.EnsureAuthDir(identity)
	if err != nil {
		return PairingResult{}, err
	}

	deadline := co.Deadline
	if deadline <= 0 {
		deadline = defaultPairingDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	t, err := co.dial(ctx, identity, authDir)
	if err != nil {
		return PairingResult{}, fmt.Errorf("dial for pairing: %w", err)
	}
	defer t.Close()

	req := newPairingRequest()

	// Source 1: the direct call. Some gateway versions answer it, some
	// acknowledge with an empty code and push the real one as an event.
	go func() {
		code, err := t.RequestPairingCode(ctx, identity)
		if err != nil {
			req.settle(settled{err: fmt.Errorf("request pairing code: %w", err)})
			return
		}
		if code != "" {
			req.settle(settled{code: code})
		}
	}()

	// Source 2: the async pairing.code event.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-t.Events():
				if !ok {
					return
				}
				if ev.Kind == gateway.EventPairingCode && ev.PairingCode != "" {
					req.settle(settled{code: ev.PairingCode})
					return
				}
			}
		}
	}()

	// Source 3: the fallback timer. When neither of the above has
	// produced anything, issue a locally generated provisional code.
	fallbackAfter := co.FallbackAfter
	if fallbackAfter <= 0 {
		fallbackAfter = defaultFallbackAfter
	}
	fallback := time.AfterFunc(fallbackAfter, func() {
		if req.settle(settled{code: fallbackCode(), provisional: true}) {
			logger.Debug("pairing fell back to a locally generated code")
		}
	})
	defer fallback.Stop()

	select {
	case s := <-req.ch:
		if s.err != nil {
			return PairingResult{}, s.err
		}
		return PairingResult{Code: FormatCode(s.code), Provisional: s.provisional}, nil
	case <-ctx.Done():
		req.settle(settled{err: ErrPairingTimeout})
		s := <-req.ch
		if s.err != nil {
			return PairingResult{}, s.err
		}
		return PairingResult{Code: FormatCode(s.code), Provisional: s.provisional}, nil
	}
}

// fallbackCode generates an eight-digit local pairing code.
func fallbackCode() string {
	return fmt.Sprintf("%08d", 10000000+rand.IntN(90000000))
}

// FormatCode renders a pairing code as two four-character groups,
// e.g. "ABCD-1234". Codes of unexpected length pass through untouched.
func FormatCode(code string) string {
	cleaned := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code))
	if len(cleaned) != 8 {
		return code
	}
	return cleaned[:4] + "-" + cleaned[4:]
}
