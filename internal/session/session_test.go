package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tunzyshop/tunzymd/internal/bot"
	"github.com/tunzyshop/tunzymd/internal/gateway"
)

// fakeTransport is a scriptable session transport: a pre-filled event
// stream plus a canned pairing-code answer.
type fakeTransport struct {
	events   chan gateway.Event
	pairCode string
	pairErr  error

	closeOnce sync.Once
}

func newFakeTransport(events ...gateway.Event) *fakeTransport {
	ch := make(chan gateway.Event, len(events)+8)
	for _, ev := range events {
		ch <- ev
	}
	return &fakeTransport{events: ch}
}

func (f *fakeTransport) Events() <-chan gateway.Event { return f.events }

func (f *fakeTransport) RequestPairingCode(ctx context.Context, number string) (string, error) {
	return f.pairCode, f.pairErr
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) SendText(context.Context, string, string) error { return nil }
func (f *fakeTransport) SendMention(context.Context, string, string, []string) error {
	return nil
}
func (f *fakeTransport) SendImage(context.Context, string, []byte, string) error   { return nil }
func (f *fakeTransport) SendSticker(context.Context, string, []byte) error         { return nil }
func (f *fakeTransport) SendVideo(context.Context, string, []byte, string) error   { return nil }
func (f *fakeTransport) SendAudio(context.Context, string, []byte, bool) error     { return nil }
func (f *fakeTransport) DeleteMessage(context.Context, string, string, string) error {
	return nil
}
func (f *fakeTransport) GroupMetadata(context.Context, string) (*gateway.GroupMetadata, error) {
	return &gateway.GroupMetadata{}, nil
}
func (f *fakeTransport) RemoveParticipants(context.Context, string, []string) error { return nil }
func (f *fakeTransport) ApproveJoinRequests(context.Context, string) (int, error)   { return 0, nil }
func (f *fakeTransport) DownloadMedia(context.Context, string) ([]byte, error)      { return nil, nil }

// fakeHandler records handled messages and can be told to panic.
type fakeHandler struct {
	mu       sync.Mutex
	messages []string
	panicOn  string
}

func (h *fakeHandler) HandleMessage(ctx context.Context, t bot.Transport, msg *gateway.Message) {
	if msg.Text == h.panicOn && h.panicOn != "" {
		panic("handler blew up")
	}
	h.mu.Lock()
	h.messages = append(h.messages, msg.Text)
	h.mu.Unlock()
}

func (h *fakeHandler) HandleParticipants(ctx context.Context, t bot.Transport, ev *gateway.ParticipantsUpdate) {
}

func (h *fakeHandler) handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

// fakeAuth satisfies AuthProvider without touching the filesystem.
type fakeAuth struct {
	mu      sync.Mutex
	removed []string
}

func (a *fakeAuth) EnsureAuthDir(identity string) (string, error) {
	return "auth/" + identity, nil
}

func (a *fakeAuth) RemoveAuthDir(identity string) error {
	a.mu.Lock()
	a.removed = append(a.removed, identity)
	a.mu.Unlock()
	return nil
}

func openEvent() gateway.Event {
	return gateway.Event{Kind: gateway.EventConnection, Connection: &gateway.ConnectionUpdate{State: gateway.ConnectionOpen}}
}

func closeEvent(code int) gateway.Event {
	return gateway.Event{Kind: gateway.EventConnection, Connection: &gateway.ConnectionUpdate{State: gateway.ConnectionClosed, StatusCode: code}}
}

func messageEvent(text string) gateway.Event {
	return gateway.Event{Kind: gateway.EventMessage, Message: &gateway.Message{ID: "m", Chat: "c@s.whatsapp.net", Sender: "u@s.whatsapp.net", Text: text}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNormalizeIdentity(t *testing.T) {
	if got := NormalizeIdentity("+234 906 734-5425"); got != "2349067345425" {
		t.Errorf("NormalizeIdentity = %q", got)
	}
}

func TestFormatCode(t *testing.T) {
	cases := map[string]string{
		"abcd1234":  "ABCD-1234",
		"ABCD-1234": "ABCD-1234",
		"12 34 56":  "12 34 56", // wrong length, passed through
	}
	for in, want := range cases {
		if got := FormatCode(in); got != want {
			t.Errorf("FormatCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestCoordinator(t *testing.T, dial Dialer) (*Coordinator, *Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := NewRegistry(nil)
	co := NewCoordinator(ctx, registry, dial, &fakeHandler{}, &fakeAuth{}, nil)
	return co, registry
}

func TestPairingDirectCall(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		ft := newFakeTransport()
		ft.pairCode = "tunz1234"
		return ft, nil
	}
	co, registry := newTestCoordinator(t, dial)
	co.FallbackAfter = time.Hour

	result, err := co.RequestPairing(context.Background(), "+2349067345425")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if result.Code != "TUNZ-1234" || result.Provisional {
		t.Errorf("result = %+v, want confirmed TUNZ-1234", result)
	}

	// The handshake hands the identity to a connection loop.
	waitFor(t, func() bool {
		st, ok := registry.Status("2349067345425")
		return ok && (st == StatusConnecting || st == StatusRunning)
	})
}

func TestPairingEventWins(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		ft := newFakeTransport(gateway.Event{Kind: gateway.EventPairingCode, PairingCode: "12345678"})
		return ft, nil // direct call acks with an empty code
	}
	co, _ := newTestCoordinator(t, dial)
	co.FallbackAfter = time.Hour

	result, err := co.RequestPairing(context.Background(), "111")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if result.Code != "1234-5678" || result.Provisional {
		t.Errorf("result = %+v, want confirmed 1234-5678", result)
	}
}

func TestPairingFallback(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		return newFakeTransport(), nil // no direct code, no event
	}
	co, _ := newTestCoordinator(t, dial)
	co.FallbackAfter = 10 * time.Millisecond

	result, err := co.RequestPairing(context.Background(), "222")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	if !result.Provisional {
		t.Error("fallback code must be marked provisional")
	}
	if ok, _ := regexp.MatchString(`^\d{4}-\d{4}$`, result.Code); !ok {
		t.Errorf("fallback code = %q, want dddd-dddd", result.Code)
	}
}

func TestPairingTimeout(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		return newFakeTransport(), nil
	}
	co, registry := newTestCoordinator(t, dial)
	co.FallbackAfter = time.Hour
	co.Deadline = 30 * time.Millisecond

	_, err := co.RequestPairing(context.Background(), "333")
	if !errors.Is(err, ErrPairingTimeout) {
		t.Fatalf("err = %v, want ErrPairingTimeout", err)
	}
	// The reservation is released so the user can retry.
	if _, ok := registry.Status("333"); ok {
		t.Error("failed pairing must remove the session record")
	}
}

func TestPairingSettlesOnceWithAllSourcesRacing(t *testing.T) {
	// Every settlement source is live at once: the direct call answers
	// with a code, the event stream carries one, and the fallback timer
	// fires immediately. Whichever wins, the handshake must settle
	// exactly once with a well-formed result.
	for i := 0; i < 20; i++ {
		dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
			ft := newFakeTransport(gateway.Event{Kind: gateway.EventPairingCode, PairingCode: "evnt1234"})
			ft.pairCode = "call1234"
			return ft, nil
		}
		co, registry := newTestCoordinator(t, dial)
		co.FallbackAfter = time.Nanosecond

		result, err := co.RequestPairing(context.Background(), "888")
		if err != nil {
			t.Fatalf("iteration %d: RequestPairing: %v", i, err)
		}
		switch result.Code {
		case "EVNT-1234", "CALL-1234":
			if result.Provisional {
				t.Fatalf("iteration %d: confirmed code %q marked provisional", i, result.Code)
			}
		default:
			if ok, _ := regexp.MatchString(`^\d{4}-\d{4}$`, result.Code); !ok || !result.Provisional {
				t.Fatalf("iteration %d: result = %+v, want a confirmed or provisional code", i, result)
			}
		}

		registry.Remove("888")
	}
}

func TestSettleDeliversExactlyOnce(t *testing.T) {
	req := newPairingRequest()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req.settle(settled{code: "X"})
		}(i)
	}
	wg.Wait()

	<-req.ch
	select {
	case extra := <-req.ch:
		t.Fatalf("second settlement delivered: %+v", extra)
	default:
	}
}

func TestConcurrentPairingSingleFlight(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		ft := newFakeTransport()
		ft.pairCode = "abcd1234"
		return ft, nil
	}
	co, _ := newTestCoordinator(t, dial)
	co.FallbackAfter = time.Hour

	// The same phone number in different user-typed shapes.
	numbers := []string{"+234 906 7345425", "2349067345425", "234-906-7345425", "(234)9067345425"}

	var succeeded atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup
	for _, n := range numbers {
		wg.Add(1)
		go func(number string) {
			defer wg.Done()
			_, err := co.RequestPairing(context.Background(), number)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyPairing) || errors.Is(err, ErrAlreadyRunning):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(n)
	}
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Errorf("succeeded = %d, want exactly 1", succeeded.Load())
	}
	if rejected.Load() != int32(len(numbers)-1) {
		t.Errorf("rejected = %d, want %d", rejected.Load(), len(numbers)-1)
	}
}

func TestReconnectAfterTransientClose(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		n := dials.Add(1)
		if n == 1 {
			// First connection opens, then drops with a non-terminal code.
			ft := newFakeTransport(openEvent(), closeEvent(500))
			return ft, nil
		}
		return newFakeTransport(openEvent()), nil
	}

	registry := NewRegistry(nil)
	conn := NewConnection("444", "auth/444", dial, registry, &fakeHandler{}, nil)
	conn.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return dials.Load() >= 2 })
	waitFor(t, func() bool {
		st, ok := registry.Status("444")
		return ok && st == StatusRunning
	})
}

func TestTerminalLogoutRemovesSession(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		return newFakeTransport(openEvent(), closeEvent(gateway.StatusLoggedOut)), nil
	}

	registry := NewRegistry(nil)
	conn := NewConnection("555", "auth/555", dial, registry, &fakeHandler{}, nil)
	conn.retryDelay = time.Millisecond

	var cleaned atomic.Bool
	conn.OnTerminal(func(identity string) {
		if identity == "555" {
			cleaned.Store(true)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool {
		_, ok := registry.Status("555")
		return !ok
	})
	if !cleaned.Load() {
		t.Error("terminal logout must run the credential cleanup hook")
	}
}

func TestStartRejectsSecondLoop(t *testing.T) {
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		return newFakeTransport(openEvent()), nil
	}
	registry := NewRegistry(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := NewConnection("666", "auth/666", dial, registry, &fakeHandler{}, nil)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	second := NewConnection("666", "auth/666", dial, registry, &fakeHandler{}, nil)
	if err := second.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	handler := &fakeHandler{panicOn: ".boom"}
	dial := func(ctx context.Context, identity, authDir string) (Transport, error) {
		return newFakeTransport(openEvent(), messageEvent(".boom"), messageEvent(".ping")), nil
	}

	registry := NewRegistry(nil)
	conn := NewConnection("777", "auth/777", dial, registry, handler, nil)
	conn.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The message after the panic still gets handled.
	waitFor(t, func() bool {
		for _, m := range handler.handled() {
			if m == ".ping" {
				return true
			}
		}
		return false
	})
}
