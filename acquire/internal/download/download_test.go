package download

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/fanart/acquire/internal/netguard"
	"github.com/hazyhaar/fanart/preview"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func newTestDownloader() *Downloader {
	return New(Config{Guard: netguard.Guard{AllowPrivate: true}})
}

func TestFetch_DataURI(t *testing.T) {
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	img, err := newTestDownloader().Fetch(context.Background(), Ref{DataURI: uri, URL: "https://src.test/a.png"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if img.ContentType != "image/png" || len(img.Data) != len(pngBytes) || img.SourceURL != "https://src.test/a.png" {
		t.Errorf("img = %+v", img)
	}
}

func TestFetch_DataURINotImage(t *testing.T) {
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello world"))
	if _, err := newTestDownloader().Fetch(context.Background(), Ref{DataURI: uri}); !errors.Is(err, preview.ErrMalformedInput) {
		t.Errorf("err = %v", err)
	}
}

func TestFetch_URLWithReferer(t *testing.T) {
	// WHAT: pixiv image hosts get the pixiv referer; bytes and type are returned.
	var referer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	img, err := newTestDownloader().Fetch(context.Background(), Ref{URL: srv.URL + "/p.png", Platform: preview.PlatformPixiv})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if referer != "https://www.pixiv.net/" {
		t.Errorf("Referer = %q", referer)
	}
	if img.ContentType != "image/png" {
		t.Errorf("ContentType = %q", img.ContentType)
	}
}

func TestFetch_SniffsMislabelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(pngBytes)
	}))
	defer srv.Close()

	img, err := newTestDownloader().Fetch(context.Background(), Ref{URL: srv.URL})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if img.ContentType != "image/png" {
		t.Errorf("ContentType = %q", img.ContentType)
	}
}

func TestFetch_RefusesHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login required</html>"))
	}))
	defer srv.Close()

	if _, err := newTestDownloader().Fetch(context.Background(), Ref{URL: srv.URL}); err == nil {
		t.Fatal("html accepted as image")
	}
}

func TestFetch_StatusAndSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	d := New(Config{Guard: netguard.Guard{AllowPrivate: true}, MaxBytes: 1024})
	_, err := d.Fetch(context.Background(), Ref{URL: srv.URL + "/missing"})
	var se *preview.StatusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Errorf("err = %v, want 404 StatusError", err)
	}
	if _, err := d.Fetch(context.Background(), Ref{URL: srv.URL + "/big"}); !errors.Is(err, netguard.ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestFetch_EmptyRef(t *testing.T) {
	if _, err := newTestDownloader().Fetch(context.Background(), Ref{}); !errors.Is(err, preview.ErrMalformedInput) {
		t.Errorf("err = %v", err)
	}
}
