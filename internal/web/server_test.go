package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tunzyshop/tunzymd/internal/session"
)

type fakePairing struct {
	result session.PairingResult
	err    error
	calls  int
	last   string
}

func (f *fakePairing) RequestPairing(ctx context.Context, number string) (session.PairingResult, error) {
	f.calls++
	f.last = number
	return f.result, f.err
}

type fakeStatus map[string]session.Status

func (f fakeStatus) Snapshot() map[string]session.Status { return f }

func newTestServer(t *testing.T, pairing *fakePairing) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(pairing, fakeStatus{"2349067345425": session.StatusRunning}, nil)
	return srv, srv.Handler()
}

func postGenerate(h http.Handler, number, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate?number="+number, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGenerateSuccess(t *testing.T) {
	pairing := &fakePairing{result: session.PairingResult{Code: "TUNZ-1234"}}
	_, h := newTestServer(t, pairing)

	rec := postGenerate(h, "2349067345425", "1.2.3.4:5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var body session.PairingResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Code != "TUNZ-1234" || body.Provisional {
		t.Errorf("body = %+v", body)
	}
	if pairing.last != "2349067345425" {
		t.Errorf("pairing called with %q", pairing.last)
	}
}

func TestGenerateNormalizesNumber(t *testing.T) {
	pairing := &fakePairing{result: session.PairingResult{Code: "AAAA-BBBB"}}
	_, h := newTestServer(t, pairing)

	rec := postGenerate(h, url("+234 906 734 5425"), "1.2.3.4:5000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if pairing.last != "2349067345425" {
		t.Errorf("pairing called with %q, want digits only", pairing.last)
	}
}

func TestGenerateAcceptsJSONBody(t *testing.T) {
	pairing := &fakePairing{result: session.PairingResult{Code: "AAAA-BBBB"}}
	_, h := newTestServer(t, pairing)

	req := httptest.NewRequest(http.MethodPost, "/generate",
		strings.NewReader(`{"number": "+234 906 734 5425"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "1.2.3.4:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if pairing.last != "2349067345425" {
		t.Errorf("pairing called with %q, want digits only", pairing.last)
	}
}

func url(number string) string {
	r := strings.NewReplacer("+", "%2B", " ", "%20")
	return r.Replace(number)
}

func TestGenerateRejectsBadNumbers(t *testing.T) {
	pairing := &fakePairing{}
	_, h := newTestServer(t, pairing)

	for _, bad := range []string{"", "12345", "not-a-number", "12345678901234567890"} {
		rec := postGenerate(h, url(bad), "1.2.3.4:5000")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("number %q: status = %d, want 400", bad, rec.Code)
		}
	}
	if pairing.calls != 0 {
		t.Errorf("pairing called %d times for invalid input", pairing.calls)
	}
}

func TestGenerateCooldown(t *testing.T) {
	pairing := &fakePairing{result: session.PairingResult{Code: "AAAA-BBBB"}}
	srv, h := newTestServer(t, pairing)

	now := time.Now()
	srv.now = func() time.Time { return now }

	if rec := postGenerate(h, "2349067345425", "1.2.3.4:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first: status = %d", rec.Code)
	}
	if rec := postGenerate(h, "2349067345425", "1.2.3.4:6000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second from same host: status = %d, want 429", rec.Code)
	}

	// A different address is not throttled.
	if rec := postGenerate(h, "2348001112222", "5.6.7.8:5000"); rec.Code != http.StatusOK {
		t.Fatalf("other host: status = %d", rec.Code)
	}

	// After the cooldown the same host may retry.
	now = now.Add(9 * time.Second)
	if rec := postGenerate(h, "2349067345425", "1.2.3.4:5000"); rec.Code != http.StatusOK {
		t.Fatalf("after cooldown: status = %d", rec.Code)
	}
}

func TestGenerateConflict(t *testing.T) {
	pairing := &fakePairing{err: session.ErrAlreadyPairing}
	_, h := newTestServer(t, pairing)

	rec := postGenerate(h, "2349067345425", "1.2.3.4:5000")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGenerateFailure(t *testing.T) {
	pairing := &fakePairing{err: session.ErrPairingTimeout}
	_, h := newTestServer(t, pairing)

	rec := postGenerate(h, "2349067345425", "1.2.3.4:5000")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestGenerateMethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t, &fakePairing{})

	req := httptest.NewRequest(http.MethodGet, "/generate?number=2349067345425", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	_, h := newTestServer(t, &fakePairing{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		OK       bool                      `json:"ok"`
		Version  string                    `json:"version"`
		Sessions []string                  `json:"sessions"`
		States   map[string]session.Status `json:"states"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.OK {
		t.Error("ok = false")
	}
	if len(body.Sessions) != 1 || body.Sessions[0] != "2349067345425" {
		t.Errorf("sessions = %v", body.Sessions)
	}
	if body.States["2349067345425"] != session.StatusRunning {
		t.Errorf("states = %v", body.States)
	}
}

func TestIndexPage(t *testing.T) {
	_, h := newTestServer(t, &fakePairing{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "TUNZY MD") {
		t.Error("index page missing expected markup")
	}
}
