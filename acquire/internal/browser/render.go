// CLAUDE:SUMMARY Headless render strategy: isolated incognito stealth page, bounded navigation, lazy-load scrolls, image harvest, optional in-page fetch.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/fanart/acquire/internal/netguard"
	"github.com/hazyhaar/fanart/preview"
)

// RenderConfig configures a Renderer.
type RenderConfig struct {
	// RenderTimeout bounds one whole render session. Default: 45s.
	RenderTimeout time.Duration
	// Settle is how long the network must stay idle after load. Default: 1.5s.
	Settle time.Duration
	// ScrollSteps are the offsets scrolled to for lazy loading.
	ScrollSteps []int
	// ScrollPause between scrolls. Default: 400ms.
	ScrollPause time.Duration
	// MinSide drops images smaller than this on both axes. Default: 200px.
	MinSide int
	// Block lists resource types to block: fonts, media, stylesheets.
	Block []string
	// InlineTop downloads the first N candidates through the page. 0 disables.
	InlineTop int
	// InlineMinBytes skips inline bodies below this size (icons, spacers).
	InlineMinBytes int
	Guard          netguard.Guard
	Logger         *slog.Logger
}

func (c *RenderConfig) defaults() {
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 45 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 1500 * time.Millisecond
	}
	if len(c.ScrollSteps) == 0 {
		c.ScrollSteps = []int{200, 600, 1000, 1400}
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 400 * time.Millisecond
	}
	if c.MinSide <= 0 {
		c.MinSide = 200
	}
	if c.Block == nil {
		c.Block = []string{"fonts", "media"}
	}
	if c.InlineMinBytes <= 0 {
		c.InlineMinBytes = 10240
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const disposeTimeout = 5 * time.Second

// Renderer is the headless render strategy.
type Renderer struct {
	mgr *Manager
	cfg RenderConfig
}

// NewRenderer binds a Renderer to a Manager.
func NewRenderer(mgr *Manager, cfg RenderConfig) *Renderer {
	cfg.defaults()
	return &Renderer{mgr: mgr, cfg: cfg}
}

// Method implements the strategy contract.
func (r *Renderer) Method() preview.Method { return preview.MethodBrowser }

// Acquire renders t in a fresh incognito context and harvests its images.
// A deadline fails with preview.ErrRenderTimeout, anything else the browser
// does wrong with preview.ErrRenderCrash.
func (r *Renderer) Acquire(ctx context.Context, t preview.Target) (cands []preview.Candidate, err error) {
	if err := r.cfg.Guard.Check(ctx, t.URL); err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RenderTimeout)
	defer cancel()

	b, release, err := r.mgr.acquire(ctx)
	if err != nil {
		return nil, r.classify(parent, ctx, fmt.Errorf("browser: acquire: %w", err))
	}
	defer func() { release(errors.Is(err, preview.ErrRenderCrash)) }()

	inc, err := b.Context(ctx).Incognito()
	if err != nil {
		return nil, r.classify(parent, ctx, fmt.Errorf("browser: incognito: %w", err))
	}
	// Disposal outlives the render deadline but not a hung browser.
	defer func() {
		if err := inc.Context(context.Background()).Timeout(disposeTimeout).Close(); err != nil {
			r.cfg.Logger.Debug("browser: dispose incognito", "error", err)
		}
	}()

	page, err := stealth.Page(inc)
	if err != nil {
		return nil, r.classify(parent, ctx, fmt.Errorf("browser: create page: %w", err))
	}
	defer page.Close()
	page = page.Context(ctx)

	if len(r.cfg.Block) > 0 {
		router, err := blockResources(page, r.cfg.Block)
		if err != nil {
			r.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		} else {
			defer router.Stop()
		}
	}
	if ref := t.Platform.Referer(); ref != "" {
		if restore, err := page.SetExtraHeaders([]string{"Referer", ref}); err == nil {
			defer restore()
		}
	}

	start := time.Now()
	if err := page.Navigate(t.URL); err != nil {
		return nil, r.classify(parent, ctx, fmt.Errorf("browser: navigate %s: %w", t.URL, err))
	}
	if err := page.WaitLoad(); err != nil {
		return nil, r.classify(parent, ctx, fmt.Errorf("browser: wait load: %w", err))
	}
	page.Timeout(4*r.cfg.Settle).WaitRequestIdle(r.cfg.Settle, nil, nil, nil)()

	for _, y := range r.cfg.ScrollSteps {
		if _, err := page.Eval(scrollJS, y); err != nil {
			return nil, r.classify(parent, ctx, fmt.Errorf("browser: scroll: %w", err))
		}
		if err := sleep(ctx, r.cfg.ScrollPause); err != nil {
			return nil, r.classify(parent, ctx, err)
		}
	}

	res, err := page.Eval(harvestJS)
	if err != nil {
		return nil, r.classify(parent, ctx, fmt.Errorf("browser: harvest: %w", err))
	}
	var h harvest
	if err := json.Unmarshal([]byte(res.Value.Str()), &h); err != nil {
		return nil, fmt.Errorf("browser: decode harvest: %w: %v", preview.ErrRenderCrash, err)
	}
	if h.URL == "" {
		h.URL = t.URL
	}

	cands = toCandidates(selectImages(h, r.cfg.MinSide), h.URL, t.Platform)

	for i := 0; i < len(cands) && i < r.cfg.InlineTop; i++ {
		data, ct, err := r.inline(page, cands[i].URL)
		if err != nil {
			r.cfg.Logger.Debug("browser: inline fetch", "url", cands[i].URL, "error", err)
			continue
		}
		cands[i].InlineData = data
		cands[i].ContentType = ct
		cands[i].ByteSize = int64(len(data))
	}

	r.cfg.Logger.Debug("browser: rendered",
		"url", t.URL, "final_url", h.URL, "harvested", len(h.Images), "candidates", len(cands),
		"elapsed", time.Since(start))
	if len(cands) == 0 {
		return nil, fmt.Errorf("browser: %w", preview.ErrNoCandidates)
	}
	return cands, nil
}

// inline downloads u through the page so cookies and referrer match what
// the site expects from a visitor.
func (r *Renderer) inline(page *rod.Page, u string) ([]byte, string, error) {
	res, err := page.Eval(inlineFetchJS, u)
	if err != nil {
		return nil, "", err
	}
	var ir inlineResult
	if err := json.Unmarshal([]byte(res.Value.Str()), &ir); err != nil {
		return nil, "", err
	}
	if ir.Status < 200 || ir.Status >= 300 {
		return nil, "", fmt.Errorf("status %d %s", ir.Status, ir.Error)
	}
	ct := strings.ToLower(strings.TrimSpace(strings.Split(ir.Type, ";")[0]))
	if !strings.HasPrefix(ct, "image/") {
		return nil, "", fmt.Errorf("not an image: %q", ir.Type)
	}
	data, err := base64.StdEncoding.DecodeString(ir.Data)
	if err != nil {
		return nil, "", err
	}
	if len(data) < r.cfg.InlineMinBytes {
		return nil, "", fmt.Errorf("too small: %d bytes", len(data))
	}
	return data, ct, nil
}

// classify maps a render failure. The parent context ending is reported
// as is so the dispatcher can tell its own deadline apart.
func (r *Renderer) classify(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", parent.Err(), err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", preview.ErrRenderTimeout, err)
	}
	return fmt.Errorf("%w: %v", preview.ErrRenderCrash, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
