package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestToSticker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sticker" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "video/mp4" {
			t.Errorf("content type = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "raw-video" {
			t.Errorf("body = %q", body)
		}
		w.Write([]byte("webp-bytes"))
	}))
	defer srv.Close()

	tc := NewHTTPTranscoder(srv.URL)
	out, err := tc.ToSticker(context.Background(), []byte("raw-video"), "video/mp4")
	if err != nil {
		t.Fatalf("ToSticker: %v", err)
	}
	if string(out) != "webp-bytes" {
		t.Errorf("out = %q", out)
	}
}

func TestEnhanceErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported input", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	tc := NewHTTPTranscoder(srv.URL)
	if _, err := tc.Enhance(context.Background(), []byte("x")); err == nil {
		t.Fatal("Enhance should surface the service error")
	}
}
