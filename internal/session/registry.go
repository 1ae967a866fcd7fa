// Package session manages the lifecycle of platform sessions: the
// process-wide registry, the pairing-code handshake, and the
// connect/reconnect loop that feeds inbound events to the bot.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tunzyshop/tunzymd/internal/bot"
	"github.com/tunzyshop/tunzymd/internal/gateway"
)

// Status is the lifecycle state of one session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPairing    Status = "pairing"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusLoggedOut  Status = "logged_out"
)

// Registry errors for the single-flight start guarantee.
var (
	ErrAlreadyPairing = errors.New("pairing already in progress for this identity")
	ErrAlreadyRunning = errors.New("session already active for this identity")
)

// Transport is the live gateway handle a session owns while connected.
// It carries both the event stream the connection loop consumes and the
// outbound operations command handlers use.
type Transport interface {
	bot.Transport
	Events() <-chan gateway.Event
	RequestPairingCode(ctx context.Context, number string) (string, error)
	Close() error
}

// Dialer opens a transport handle for an identity using the credential
// material in authDir.
type Dialer func(ctx context.Context, identity, authDir string) (Transport, error)

// Handler consumes inbound events for a running session.
type Handler interface {
	HandleMessage(ctx context.Context, t bot.Transport, msg *gateway.Message)
	HandleParticipants(ctx context.Context, t bot.Transport, ev *gateway.ParticipantsUpdate)
}

// Session is the registry's record for one identity. Fields are guarded
// by the registry mutex; callers outside this package only see snapshots.
type Session struct {
	identity string
	status   Status
	pairing  bool // an unresolved pairing request exists
	cancel   context.CancelFunc
}

// Registry is the process-wide identity → session table. It is the only
// holder of session state and enforces that at most one active session
// exists per identity.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// NormalizeIdentity reduces a phone-number-like string to digits only.
func NormalizeIdentity(number string) string {
	var sb strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// GetOrCreate returns the session for identity, creating an Idle one if
// none exists. Idempotent.
func (r *Registry) GetOrCreate(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(identity)
}

func (r *Registry) getOrCreateLocked(identity string) *Session {
	s, ok := r.sessions[identity]
	if !ok {
		s = &Session{identity: identity, status: StatusIdle}
		r.sessions[identity] = s
	}
	return s
}

// BeginPairing reserves the identity for a pairing handshake. A second
// concurrent pairing attempt is rejected with ErrAlreadyPairing; pairing
// an identity whose session is already active is rejected with
// ErrAlreadyRunning.
func (r *Registry) BeginPairing(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(identity)
	if s.pairing {
		return ErrAlreadyPairing
	}
	if s.status == StatusRunning || s.status == StatusConnecting {
		return ErrAlreadyRunning
	}
	s.pairing = true
	s.status = StatusPairing
	return nil
}

// BeginStart claims the identity for a connection loop. Rejected with
// ErrAlreadyRunning if a loop is already active — this is the invariant
// that keeps concurrent start attempts from racing. It also releases the
// pairing reservation in the same critical section, so there is no
// window between a settled handshake and the loop claiming the identity.
func (r *Registry) BeginStart(identity string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreateLocked(identity)
	if s.status == StatusRunning || s.status == StatusConnecting {
		return ErrAlreadyRunning
	}
	s.pairing = false
	s.status = StatusConnecting
	s.cancel = cancel
	return nil
}

// MarkStatus records a status transition for an existing session.
func (r *Registry) MarkStatus(identity string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[identity]; ok {
		s.status = status
	}
}

// Status returns the current status for an identity.
func (r *Registry) Status(identity string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if !ok {
		return "", false
	}
	return s.status, true
}

// Remove deletes the session, cancelling its connection loop if one is
// active. A later pairing request re-creates the entry from scratch.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	if ok && s.cancel != nil {
		s.cancel()
	}
}

// Running returns the identities of all sessions currently in the
// Running state, sorted for stable output.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, s := range r.sessions {
		if s.status == StatusRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the status of every known session.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.status
	}
	return out
}

// StopAll cancels every active connection loop. Used at shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.cancel != nil {
			cancels = append(cancels, s.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
