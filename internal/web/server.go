// Package web serves the pairing front end: the HTML form, the
// code-generation endpoint and the session status view.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tunzyshop/tunzymd/internal/buildinfo"
	"github.com/tunzyshop/tunzymd/internal/session"
)

//go:embed static
var staticFS embed.FS

// generateCooldown is the minimum spacing between pairing attempts from
// the same remote address.
const generateCooldown = 8 * time.Second

// Phone number length bounds after normalization to digits.
const (
	minNumberLen = 8
	maxNumberLen = 15
)

// PairingStarter runs the pairing handshake. The session coordinator
// implements it.
type PairingStarter interface {
	RequestPairing(ctx context.Context, number string) (session.PairingResult, error)
}

// StatusSource reports the state of every known session. The session
// registry implements it.
type StatusSource interface {
	Snapshot() map[string]session.Status
}

// Server is the HTTP front end.
type Server struct {
	pairing PairingStarter
	status  StatusSource
	logger  *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewServer builds the front end around a pairing coordinator and a
// status source.
func NewServer(pairing PairingStarter, status StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pairing:  pairing,
		status:   status,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("GET /status", s.handleStatus)

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err) // embedded tree is fixed at build time
	}
	mux.Handle("GET /", http.FileServerFS(static))
	return mux
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	number := session.NormalizeIdentity(requestNumber(r))
	if len(number) < minNumberLen || len(number) > maxNumberLen {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid phone number",
		})
		return
	}

	if wait, ok := s.throttle(r.RemoteAddr); !ok {
		w.Header().Set("Retry-After", wait)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "too many attempts, wait a few seconds",
		})
		return
	}

	result, err := s.pairing.RequestPairing(r.Context(), number)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, session.ErrAlreadyPairing), errors.Is(err, session.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("pairing request failed", "number", number, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "pairing failed, try again",
		})
	}
}

// requestNumber pulls the phone number out of the request, accepting
// either a JSON body {"number": "..."} or a form/query value.
func requestNumber(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Number string `json:"number"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err == nil {
			return body.Number
		}
		return ""
	}
	return r.FormValue("number")
}

// throttle enforces the per-address cooldown. The attempt itself counts,
// successful or not.
func (s *Server) throttle(remoteAddr string) (retryAfter string, ok bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, seen := s.lastSeen[host]; seen {
		if elapsed := now.Sub(last); elapsed < generateCooldown {
			wait := generateCooldown - elapsed
			return wait.Round(time.Second).String(), false
		}
	}

	// Drop entries past the cooldown so the map tracks only addresses
	// that can still be throttled.
	for h, last := range s.lastSeen {
		if now.Sub(last) >= generateCooldown {
			delete(s.lastSeen, h)
		}
	}

	s.lastSeen[host] = now
	return "", true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.status.Snapshot()
	if snapshot == nil {
		snapshot = map[string]session.Status{}
	}
	identities := make([]string, 0, len(snapshot))
	for id := range snapshot {
		identities = append(identities, id)
	}
	sort.Strings(identities)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  buildinfo.Version,
		"uptime":   buildinfo.Uptime().Round(time.Second).String(),
		"sessions": identities,
		"states":   snapshot,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", "error", err)
	}
}
