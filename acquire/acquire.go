// CLAUDE:SUMMARY Acquisition service: strategy dispatch (forced or lightweight→api→browser), hydration, auto-save and the preview slot operations.
// CLAUDE:EXPORTS Service, New, Option, WithStrategy, Strategy, Capabilities, Request, Result, Image, Saved, SaveRequest, ImageRef
// Package acquire turns a source URL into preview images for a catalog item.
//
// A dispatch runs the strategies in priority order (lightweight fetch,
// platform API, headless render) and stops at the first one that yields
// candidates, or runs a single forced strategy whose outcome is final.
// Candidates are normalized and either returned for review (preview mode)
// or the best one is saved as the item's thumbnail. A strategy none of whose
// candidates can be downloaded counts as having found nothing.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/fanart/acquire/internal/apifetch"
	"github.com/hazyhaar/fanart/acquire/internal/browser"
	"github.com/hazyhaar/fanart/acquire/internal/download"
	"github.com/hazyhaar/fanart/acquire/internal/lightweight"
	"github.com/hazyhaar/fanart/acquire/internal/netguard"
	"github.com/hazyhaar/fanart/acquire/internal/store"
	"github.com/hazyhaar/fanart/extract"
	"github.com/hazyhaar/fanart/idgen"
	"github.com/hazyhaar/fanart/kit"
	"github.com/hazyhaar/fanart/preview"
)

// Strategy acquires candidates for a target. Implementations return
// preview.ErrDeclined when they do not apply and preview.ErrNoCandidates
// when they ran but found nothing.
type Strategy interface {
	Method() preview.Method
	Acquire(ctx context.Context, t preview.Target) ([]preview.Candidate, error)
}

// imageFetcher materializes candidate bytes.
type imageFetcher interface {
	Fetch(ctx context.Context, ref download.Ref) (*download.Image, error)
}

// Service is the acquisition facade used by HTTP, MCP and the CLI.
type Service struct {
	config     *Config
	logger     *slog.Logger
	store      *store.Store
	fetcher    *lightweight.Fetcher
	strategies map[preview.Method]Strategy
	images     imageFetcher
	browser    *browser.Manager
	newID      idgen.Generator
}

// Option configures a Service during creation.
type Option func(*Service)

// WithStrategy replaces the strategy registered for s.Method().
func WithStrategy(s Strategy) Option {
	return func(svc *Service) { svc.strategies[s.Method()] = s }
}

// New opens the store and builds the strategies.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}

	guard := netguard.Guard{AllowPrivate: cfg.AllowPrivate}
	fetcher := lightweight.New(lightweight.Config{
		Timeout:        cfg.Lightweight.Timeout,
		MaxPageBytes:   cfg.Lightweight.MaxPageBytes,
		MaxRedirects:   cfg.Lightweight.MaxRedirects,
		UserAgent:      cfg.UserAgent,
		AcceptLanguage: cfg.Lightweight.AcceptLanguage,
		Guard:          guard,
		Logger:         logger,
	})
	api, err := apifetch.New(apifetch.Config{
		Integrations: cfg.API.Integrations,
		Timeout:      cfg.API.Timeout,
		UserAgent:    cfg.UserAgent,
		Guard:        guard,
		Logger:       logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("acquire: %w", err)
	}

	svc := &Service{
		config:  cfg,
		logger:  logger,
		store:   st,
		fetcher: fetcher,
		strategies: map[preview.Method]Strategy{
			preview.MethodLightweight: fetcher,
			preview.MethodAPI:         api,
		},
		images: download.New(download.Config{
			Timeout:   cfg.Download.Timeout,
			MaxBytes:  cfg.Download.MaxBytes,
			UserAgent: cfg.UserAgent,
			Guard:     guard,
		}),
		newID: idgen.Default,
	}

	if !cfg.Browser.Disabled {
		svc.browser = browser.NewManager(browser.Config{
			RemoteURL:     cfg.Browser.RemoteURL,
			Bin:           cfg.Browser.Bin,
			NoSandbox:     cfg.Browser.NoSandbox,
			MaxLifetime:   cfg.Browser.MaxLifetime,
			MaxConcurrent: cfg.Browser.MaxConcurrent,
			Logger:        logger,
		})
		svc.strategies[preview.MethodBrowser] = browser.NewRenderer(svc.browser, browser.RenderConfig{
			RenderTimeout: cfg.Browser.RenderTimeout,
			Settle:        cfg.Browser.Settle,
			MinSide:       cfg.Browser.MinSide,
			Block:         cfg.Browser.Block,
			InlineTop:     cfg.Browser.InlineTop,
			Guard:         guard,
			Logger:        logger,
		})
	}

	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Close stops the browser and closes the store.
func (svc *Service) Close() error {
	if svc.browser != nil {
		svc.browser.Close()
	}
	return svc.store.Close()
}

// Capabilities lists the strategies a dispatch can run, in order, the
// platforms whose API credentials are configured and the extraction rule
// versions in use.
type Capabilities struct {
	Strategies   []preview.Method   `json:"strategies"`
	APIPlatforms []preview.Platform `json:"api_platforms"`
	Rules        []string           `json:"rules"`
}

// Capabilities reports what the service can currently do. Credentials are
// read at call time, so a rotated token shows up without a restart.
func (svc *Service) Capabilities() Capabilities {
	c := Capabilities{Strategies: []preview.Method{}, APIPlatforms: []preview.Platform{}}
	for _, m := range preview.DispatchOrder {
		if _, ok := svc.strategies[m]; ok {
			c.Strategies = append(c.Strategies, m)
		}
	}
	if api, ok := svc.strategies[preview.MethodAPI].(interface{ Supports(preview.Platform) bool }); ok {
		for _, p := range []preview.Platform{preview.PlatformTwitter, preview.PlatformPixiv} {
			if api.Supports(p) {
				c.APIPlatforms = append(c.APIPlatforms, p)
			}
		}
	}
	for _, rs := range extract.Registered() {
		c.Rules = append(c.Rules, rs.Version)
	}
	return c
}

// Request is one acquisition.
type Request struct {
	// URL is the source page. Empty means the item's registered link.
	URL    string `json:"url,omitempty"`
	ItemID string `json:"item_id,omitempty"`
	// PreviewOnly returns hydrated candidates without writing anything.
	PreviewOnly bool `json:"preview_only"`
	// Force runs only this strategy; its outcome is final.
	Force preview.Method `json:"force_method,omitempty"`
}

// Result is a successful acquisition. Failures are returned as errors,
// usually a *preview.DispatchError carrying the attempts.
type Result struct {
	Status     string              `json:"status"` // "saved" or "candidates"
	RequestID  string              `json:"request_id"`
	Strategy   preview.Method      `json:"strategy"`
	Candidates []preview.Candidate `json:"-"`
	Images     []Image             `json:"images,omitempty"`
	Attempts   []preview.Attempt   `json:"attempts"`
	Saved      *Saved              `json:"saved,omitempty"`
}

// Image is a candidate as shown to the reviewer.
type Image struct {
	URL         string         `json:"url"`
	ContentType string         `json:"content_type,omitempty"`
	Size        int64          `json:"size"`
	DataURI     string         `json:"data_uri,omitempty"`
	Strategy    preview.Method `json:"strategy"`
	Rank        int            `json:"rank"`
	Rule        string         `json:"rule,omitempty"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
}

// Saved describes the slot written by an automatic save.
type Saved struct {
	Count       int            `json:"count"`
	URL         string         `json:"url"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type"`
	Strategy    preview.Method `json:"strategy"`
}

// Acquire runs one dispatch. See the package documentation.
func (svc *Service) Acquire(ctx context.Context, req Request) (*Result, error) {
	force, err := preview.ParseMethod(string(req.Force))
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if !req.PreviewOnly && strings.TrimSpace(req.ItemID) == "" {
		return nil, fmt.Errorf("acquire: %w: saving requires an item id", preview.ErrMalformedInput)
	}

	raw := req.URL
	if strings.TrimSpace(raw) == "" && req.ItemID != "" {
		it, err := svc.store.GetItem(ctx, req.ItemID)
		if err != nil && !errors.Is(err, preview.ErrNotFound) {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		if it != nil {
			raw = it.Link
		}
	}
	target, err := preview.NewTarget(raw)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}

	id := kit.GetRequestID(ctx)
	if id == "" {
		id = svc.newID()
		ctx = kit.WithRequestID(ctx, id)
	}
	log := svc.logger.With("request_id", id, "url", target.URL, "platform", target.Platform)

	res := &Result{RequestID: id}
	settle := func(ctx context.Context, cands []preview.Candidate) error {
		cands = preview.Normalize(cands)
		if req.PreviewOnly {
			cands = preview.Normalize(svc.hydrate(ctx, cands, target.Platform, log))
			if len(cands) == 0 {
				return fmt.Errorf("acquire: %w: no candidate could be downloaded", preview.ErrNoCandidates)
			}
			res.Status = "candidates"
			res.Candidates = cands
			res.Images = toImages(cands)
			return nil
		}
		saved, err := svc.savePrimary(ctx, req.ItemID, cands, target.Platform, log)
		if err != nil {
			return err
		}
		res.Status = "saved"
		res.Saved = saved
		return nil
	}

	start := time.Now()
	method, attempts, err := svc.dispatch(ctx, target, force, settle, log)
	if err != nil {
		log.Info("acquire: dispatch failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	log.Info("acquire: dispatched", "method", method, "status", res.Status, "elapsed", time.Since(start))
	res.Strategy = method
	res.Attempts = attempts
	return res, nil
}

// settleFunc turns one strategy's candidates into the final result. An error
// wrapping preview.ErrNoCandidates counts against that strategy; any other
// error ends the dispatch.
type settleFunc func(ctx context.Context, cands []preview.Candidate) error

// dispatch runs the strategies and settles the first yield. A forced
// strategy's outcome is final; otherwise every failure passes control to the
// next strategy. DispatchTimeout bounds the strategies and the settle step.
func (svc *Service) dispatch(ctx context.Context, t preview.Target, force preview.Method, settle settleFunc, log *slog.Logger) (preview.Method, []preview.Attempt, error) {
	order := preview.DispatchOrder
	if force != preview.MethodNone {
		order = []preview.Method{force}
	}

	dctx, cancel := context.WithTimeout(ctx, svc.config.DispatchTimeout)
	defer cancel()

	var attempts []preview.Attempt
	var last error
	for _, m := range order {
		s, ok := svc.strategies[m]
		if !ok {
			last = fmt.Errorf("acquire: %s strategy disabled: %w", m, preview.ErrDeclined)
			attempts = append(attempts, preview.Attempt{Method: m, Outcome: "declined", Error: last.Error()})
			if force != preview.MethodNone {
				break
			}
			continue
		}

		start := time.Now()
		cands, err := s.Acquire(dctx, t)
		if err == nil && len(cands) == 0 {
			err = fmt.Errorf("acquire: %s: %w", m, preview.ErrNoCandidates)
		}
		settled := false
		if err == nil {
			err = settle(dctx, cands)
			settled = true
		}
		a := preview.Attempt{Method: m, ElapsedMs: time.Since(start).Milliseconds(), Candidates: len(cands)}
		switch {
		case err == nil:
			a.Outcome = "ok"
			attempts = append(attempts, a)
			return m, attempts, nil
		case errors.Is(err, preview.ErrDeclined):
			a.Outcome = "declined"
		case errors.Is(err, preview.ErrNoCandidates):
			a.Outcome = "no_candidates"
		default:
			a.Outcome = "error"
		}
		a.Error = err.Error()
		attempts = append(attempts, a)
		log.Debug("acquire: strategy failed", "method", m, "outcome", a.Outcome, "error", err)
		last = err

		if ctx.Err() != nil {
			return "", attempts, &preview.DispatchError{Attempts: attempts, Err: fmt.Errorf("acquire: %w", ctx.Err())}
		}
		if dctx.Err() != nil {
			return "", attempts, &preview.DispatchError{Attempts: attempts,
				Err: fmt.Errorf("acquire: after %s: %w", svc.config.DispatchTimeout, preview.ErrTimeout)}
		}
		if settled && !errors.Is(err, preview.ErrNoCandidates) {
			return "", attempts, err
		}
		if force != preview.MethodNone {
			break
		}
	}

	if force != preview.MethodNone {
		return "", attempts, &preview.DispatchError{Attempts: attempts, Err: last}
	}
	return "", attempts, &preview.DispatchError{Attempts: attempts, Err: preview.ErrNoCandidates}
}

func toImages(cands []preview.Candidate) []Image {
	out := make([]Image, 0, len(cands))
	for i := range cands {
		c := &cands[i]
		out = append(out, Image{
			URL:         c.URL,
			ContentType: c.ContentType,
			Size:        c.ByteSize,
			DataURI:     c.DataURI(),
			Strategy:    c.Strategy,
			Rank:        c.Rank,
			Rule:        c.Rule,
			Width:       c.Width,
			Height:      c.Height,
		})
	}
	return out
}
