// CLAUDE:SUMMARY Image byte retrieval for hydration and saves: data: URI decode or guarded GET with platform referer and image/* check.
// Package download materializes preview images: it turns a candidate URL or
// an inline data: URI into bytes plus a content type.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/fanart/acquire/internal/netguard"
	"github.com/hazyhaar/fanart/preview"
)

// Config configures the downloader.
type Config struct {
	Timeout   time.Duration // per download. Default: 30s.
	MaxBytes  int64         // Default: 25MB.
	UserAgent string
	Guard     netguard.Guard
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 25 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"
	}
}

// Ref points at an image: inline bytes as a data: URI take precedence over URL.
type Ref struct {
	URL     string
	DataURI string
	// Platform selects the Referer image hosts expect.
	Platform preview.Platform
}

// Image is a downloaded image.
type Image struct {
	Data        []byte
	ContentType string
	SourceURL   string
}

// Downloader fetches image bytes.
type Downloader struct {
	client *http.Client
	config Config
}

// New creates a Downloader.
func New(cfg Config) *Downloader {
	cfg.defaults()
	return &Downloader{client: cfg.Guard.Client(cfg.Timeout, 5), config: cfg}
}

// Fetch materializes ref. Non-image answers are refused.
func (d *Downloader) Fetch(ctx context.Context, ref Ref) (*Image, error) {
	if ref.DataURI != "" {
		ct, data, err := preview.ParseDataURI(ref.DataURI)
		if err != nil {
			return nil, fmt.Errorf("download: %w", err)
		}
		if int64(len(data)) > d.config.MaxBytes {
			return nil, fmt.Errorf("download: %w: inline image exceeds %d bytes", preview.ErrMalformedInput, d.config.MaxBytes)
		}
		ct = imageType(ct, data)
		if ct == "" {
			return nil, fmt.Errorf("download: %w: data URI is not an image", preview.ErrMalformedInput)
		}
		return &Image{Data: data, ContentType: ct, SourceURL: ref.URL}, nil
	}

	if strings.TrimSpace(ref.URL) == "" {
		return nil, fmt.Errorf("download: %w: empty image reference", preview.ErrMalformedInput)
	}
	if err := d.config.Guard.Check(ctx, ref.URL); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("download: %w: %v", preview.ErrMalformedInput, err)
	}
	req.Header.Set("User-Agent", d.config.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	if referer := ref.Platform.Referer(); referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("download: %w", ctxErr)
		}
		if errors.Is(err, preview.ErrMalformedInput) {
			return nil, fmt.Errorf("download: %w", err)
		}
		return nil, fmt.Errorf("download: %w: %v", preview.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download: %s: %w", ref.URL,
			&preview.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}

	data, err := netguard.ReadAll(resp.Body, d.config.MaxBytes)
	if err != nil {
		if errors.Is(err, netguard.ErrTooLarge) {
			return nil, fmt.Errorf("download: %s: %w", ref.URL, err)
		}
		return nil, fmt.Errorf("download: read: %w: %v", preview.ErrNetwork, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("download: %s: %w: empty body", ref.URL, preview.ErrNoCandidates)
	}

	ct := imageType(resp.Header.Get("Content-Type"), data)
	if ct == "" {
		return nil, fmt.Errorf("download: %s: %w: not an image (%s)", ref.URL,
			preview.ErrNoCandidates, resp.Header.Get("Content-Type"))
	}
	return &Image{Data: data, ContentType: ct, SourceURL: resp.Request.URL.String()}, nil
}

// imageType returns the image media type of data, trusting the declared
// type when it says image/* and sniffing otherwise. "" means not an image.
func imageType(declared string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return ""
}
