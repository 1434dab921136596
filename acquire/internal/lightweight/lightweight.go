// CLAUDE:SUMMARY Lightweight fetch strategy: one browser-like GET, direct-image shortcut, image_url rule chain over the markup.
// Package lightweight implements the cheapest acquisition strategy: a plain
// HTTP GET of the source URL followed by rule-based extraction of image URLs
// from the returned markup. No script runs.
package lightweight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/fanart/acquire/internal/netguard"
	"github.com/hazyhaar/fanart/extract"
	"github.com/hazyhaar/fanart/preview"
)

// DefaultUserAgent is a current desktop Chrome. Several platforms serve a
// stripped page (no social-card metadata) to unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

// Config configures the fetcher.
type Config struct {
	Timeout        time.Duration // per request. Default: 20s.
	MaxPageBytes   int64         // markup read cap, excess is dropped. Default: 8MB.
	MaxImageBytes  int64         // direct image cap. Default: 25MB.
	MaxRedirects   int           // Default: 5.
	UserAgent      string
	AcceptLanguage string // Default: "ja,en-US;q=0.8,en;q=0.6".
	// StatusBodyBytes is how much of a non-2xx body is kept for diagnostics.
	StatusBodyBytes int
	Guard           netguard.Guard
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxPageBytes <= 0 {
		c.MaxPageBytes = 8 << 20
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = 25 << 20
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = "ja,en-US;q=0.8,en;q=0.6"
	}
	if c.StatusBodyBytes <= 0 {
		c.StatusBodyBytes = 2048
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Page is a fetched document.
type Page struct {
	URL         string // after redirects
	StatusCode  int
	ContentType string // media type, parameters dropped
	Body        []byte
	Truncated   bool // image body exceeded MaxImageBytes and was dropped
}

// IsImage reports whether the response itself is an image.
func (p *Page) IsImage() bool { return strings.HasPrefix(p.ContentType, "image/") }

// Fetcher is the lightweight strategy.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher whose client re-checks every redirect hop.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	return &Fetcher{
		client: cfg.Guard.Client(cfg.Timeout, cfg.MaxRedirects),
		config: cfg,
	}
}

// Method implements the strategy contract.
func (f *Fetcher) Method() preview.Method { return preview.MethodLightweight }

// FetchPage performs the GET. Non-2xx answers fail with *preview.StatusError,
// transport failures with preview.ErrNetwork.
func (f *Fetcher) FetchPage(ctx context.Context, t preview.Target) (*Page, error) {
	if err := f.config.Guard.Check(ctx, t.URL); err != nil {
		return nil, fmt.Errorf("lightweight: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("lightweight: new request: %w: %v", preview.ErrMalformedInput, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.config.AcceptLanguage)
	if ref := t.Platform.Referer(); ref != "" {
		req.Header.Set("Referer", ref)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, int64(f.config.StatusBodyBytes)))
		return nil, fmt.Errorf("lightweight: %w", &preview.StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(snippet)),
		})
	}

	page := &Page{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
	}

	if page.IsImage() {
		body, err := netguard.ReadAll(resp.Body, f.config.MaxImageBytes)
		switch {
		case errors.Is(err, netguard.ErrTooLarge):
			page.Truncated = true
		case err != nil:
			return nil, transportError(ctx, err)
		default:
			page.Body = body
		}
		return page, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxPageBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	page.Body = body
	return page, nil
}

// Acquire fetches the page and returns every image_url rule match as a
// candidate. A URL that is itself an image yields exactly one candidate.
func (f *Fetcher) Acquire(ctx context.Context, t preview.Target) ([]preview.Candidate, error) {
	page, err := f.FetchPage(ctx, t)
	if err != nil {
		return nil, err
	}

	if page.IsImage() {
		if page.Truncated {
			return nil, fmt.Errorf("lightweight: direct image over %d bytes: %w", f.config.MaxImageBytes, netguard.ErrTooLarge)
		}
		c := preview.Candidate{
			Strategy:    preview.MethodLightweight,
			URL:         page.URL,
			PageURL:     page.URL,
			ContentType: page.ContentType,
			ByteSize:    int64(len(page.Body)),
			InlineData:  page.Body,
			Rank:        preview.BandRank(preview.MethodLightweight, preview.BandWidth-1),
			Rule:        "direct_image",
		}
		return []preview.Candidate{c}, nil
	}

	rs, err := extract.Lookup(t.Platform, extract.KindImageURL)
	if err != nil {
		return nil, fmt.Errorf("lightweight: %w", err)
	}
	cands := Candidates(rs, extract.Parse(page.Body), page.URL)
	if t.Platform == preview.PlatformPixiv {
		cands = withPixivPages(cands, preview.MethodLightweight)
	}
	f.config.Logger.Debug("lightweight: extracted",
		"url", t.URL, "platform", t.Platform, "rules", rs.Version, "candidates", len(cands))
	if len(cands) == 0 {
		return nil, fmt.Errorf("lightweight: %s: %w", rs.Version, preview.ErrNoCandidates)
	}
	return cands, nil
}

// Candidates turns every hit of rs on doc into a ranked candidate. Earlier
// rules rank higher. data: URIs and unresolvable references are skipped.
func Candidates(rs *extract.RuleSet, doc *extract.Document, pageURL string) []preview.Candidate {
	var out []preview.Candidate
	seen := make(map[string]bool)
	for _, h := range rs.Collect(doc) {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value)), "data:") {
			continue
		}
		abs, err := preview.NormalizeURL(h.Value, pageURL)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, preview.Candidate{
			Strategy: preview.MethodLightweight,
			URL:      abs,
			PageURL:  pageURL,
			Rank:     preview.BandRank(preview.MethodLightweight, len(rs.Rules)-h.RuleIndex),
			Rule:     h.Rule,
			Seq:      len(out),
		})
	}
	return out
}

// withPixivPages appends the sibling pages of every multi-page image in
// cands, ranked at the bottom of m's band in page order.
func withPixivPages(cands []preview.Candidate, m preview.Method) []preview.Candidate {
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		seen[c.URL] = true
	}
	out := cands
	for _, c := range cands {
		for _, u := range extract.PixivPages(c.URL, extract.MaxPixivPages) {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, preview.Candidate{
				Strategy: m,
				URL:      u,
				PageURL:  c.PageURL,
				Rank:     preview.BandRank(m, 0),
				Rule:     "pixiv_page",
				Seq:      len(out),
			})
		}
	}
	return out
}

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return mt
}

// transportError keeps caller cancellation visible and classifies the rest
// as network failures. Guard refusals stay malformed input.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("lightweight: %w", ctxErr)
	}
	if errors.Is(err, preview.ErrMalformedInput) {
		return fmt.Errorf("lightweight: %w", err)
	}
	return fmt.Errorf("lightweight: %w: %v", preview.ErrNetwork, err)
}
