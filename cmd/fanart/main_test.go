package main

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/fanart/acquire"
)

func TestRouter_HealthThroughShield(t *testing.T) {
	// WHAT: the production router answers /health with security headers and
	// a request id.
	// WHY: without the shield stack no nosniff, no frame denial, no request id.
	svc, err := acquire.New(&acquire.Config{
		DBPath:  filepath.Join(t.TempDir(), "fanart.db"),
		Browser: acquire.BrowserConfig{Disabled: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	w := httptest.NewRecorder()
	newRouter(svc, nil).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	checks := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Content-Type":           "application/json",
	}
	for header, expected := range checks {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s: got %q, want %q", header, got, expected)
		}
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("FANART_TEST_PORT", "")
	if got := env("FANART_TEST_PORT", "8090"); got != "8090" {
		t.Errorf("default = %q", got)
	}
	t.Setenv("FANART_TEST_PORT", "9000")
	if got := env("FANART_TEST_PORT", "8090"); got != "9000" {
		t.Errorf("set = %q", got)
	}
}
