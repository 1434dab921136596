// CLAUDE:SUMMARY Platform API strategy: per-platform JSON integrations with ${ENV} credentials, dot-path media walker, auth/rate-limit mapping.
// Package apifetch implements the platform API acquisition strategy.
//
// Each integration describes one official media API: how to pull the post id
// out of the source URL, the endpoint template, headers (with ${ENV_VAR}
// expansion), the dot-notation path to the media array and the ordered
// fields that hold image URLs. A platform without an integration, or whose
// credential expands to nothing, declines.
package apifetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/fanart/acquire/internal/netguard"
	"github.com/hazyhaar/fanart/preview"
)

// Integration describes how to call and parse one platform's media API.
type Integration struct {
	Platform    preview.Platform  `yaml:"platform" json:"platform"`
	IDPattern   string            `yaml:"id_pattern" json:"id_pattern"` // first non-empty group is the id
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`     // "{id}" is substituted
	Method      string            `yaml:"method" json:"method"`         // default GET
	Headers     map[string]string `yaml:"headers" json:"headers"`       // ${ENV_VAR} expanded
	Credential  string            `yaml:"credential" json:"credential"` // declines when it expands to ""
	ResultPath  string            `yaml:"result_path" json:"result_path"`
	URLFields   []string          `yaml:"url_fields" json:"url_fields"` // first non-empty wins per item
	TypeField   string            `yaml:"type_field" json:"type_field"`
	TypeValue   string            `yaml:"type_value" json:"type_value"`
	WidthField  string            `yaml:"width_field" json:"width_field"`
	HeightField string            `yaml:"height_field" json:"height_field"`
	RateLimitMs int64             `yaml:"rate_limit_ms" json:"rate_limit_ms"` // minimum ms between calls
}

// DefaultIntegrations are the twitter_x v2 tweet lookup with media expansion
// and the pixiv illust pages endpoint.
func DefaultIntegrations() []Integration {
	return []Integration{
		{
			Platform:    preview.PlatformTwitter,
			IDPattern:   `/status(?:es)?/(\d+)`,
			Endpoint:    "https://api.twitter.com/2/tweets/{id}?expansions=attachments.media_keys&media.fields=media_key,type,url,preview_image_url,variants,alt_text,width,height",
			Headers:     map[string]string{"Authorization": "Bearer ${TW_BEARER}"},
			Credential:  "${TW_BEARER}",
			ResultPath:  "includes.media",
			URLFields:   []string{"url", "preview_image_url"},
			TypeField:   "type",
			TypeValue:   "photo",
			WidthField:  "width",
			HeightField: "height",
			RateLimitMs: 1000,
		},
		{
			Platform:  preview.PlatformPixiv,
			IDPattern: `/artworks/(\d+)|illust_id=(\d+)`,
			Endpoint:  "https://www.pixiv.net/ajax/illust/{id}/pages",
			Headers: map[string]string{
				"Cookie":  "PHPSESSID=${PIXIV_SESSION}",
				"Referer": "https://www.pixiv.net/",
			},
			Credential:  "${PIXIV_SESSION}",
			ResultPath:  "body",
			URLFields:   []string{"urls.original", "urls.regular"},
			WidthField:  "width",
			HeightField: "height",
			RateLimitMs: 1000,
		},
	}
}

// Config configures the API strategy.
type Config struct {
	Integrations []Integration
	Timeout      time.Duration // per call. Default: 15s.
	MaxBytes     int64         // response cap. Default: 4MB.
	UserAgent    string
	Guard        netguard.Guard
	Logger       *slog.Logger
	// Getenv resolves ${VAR} in headers and credentials. Default: os.Getenv.
	Getenv func(string) string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 4 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "fanart-preview/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Getenv == nil {
		c.Getenv = os.Getenv
	}
}

type integration struct {
	Integration
	id      *regexp.Regexp
	limiter *rate.Limiter
}

// Client is the API strategy.
type Client struct {
	http   *http.Client
	config Config
	byPlat map[preview.Platform]*integration
}

// New compiles the integrations. A later integration for the same platform
// replaces an earlier one.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	c := &Client{
		http:   cfg.Guard.Client(cfg.Timeout, 3),
		config: cfg,
		byPlat: make(map[preview.Platform]*integration),
	}
	for _, in := range cfg.Integrations {
		if in.Endpoint == "" || in.IDPattern == "" {
			return nil, fmt.Errorf("apifetch: %s: endpoint and id_pattern are required", in.Platform)
		}
		re, err := regexp.Compile(in.IDPattern)
		if err != nil {
			return nil, fmt.Errorf("apifetch: %s: id_pattern: %w", in.Platform, err)
		}
		it := &integration{Integration: in, id: re}
		if in.RateLimitMs > 0 {
			it.limiter = rate.NewLimiter(rate.Every(time.Duration(in.RateLimitMs)*time.Millisecond), 1)
		}
		c.byPlat[in.Platform] = it
	}
	return c, nil
}

// Method implements the strategy contract.
func (c *Client) Method() preview.Method { return preview.MethodAPI }

// Supports reports whether an integration with a non-empty credential exists
// for the platform.
func (c *Client) Supports(p preview.Platform) bool {
	it, ok := c.byPlat[p]
	return ok && c.credentialOK(it)
}

func (c *Client) credentialOK(it *integration) bool {
	return it.Credential == "" || strings.TrimSpace(c.expand(it.Credential)) != ""
}

// Acquire calls the platform API for the post behind t.
func (c *Client) Acquire(ctx context.Context, t preview.Target) ([]preview.Candidate, error) {
	it, ok := c.byPlat[t.Platform]
	if !ok {
		return nil, fmt.Errorf("apifetch: no integration for %s: %w", t.Platform, preview.ErrDeclined)
	}
	if !c.credentialOK(it) {
		return nil, fmt.Errorf("apifetch: %s: no credential configured: %w", t.Platform, preview.ErrDeclined)
	}

	id := postID(it.id, t.URL)
	if id == "" {
		return nil, fmt.Errorf("apifetch: %s: no post id in %q: %w", t.Platform, t.URL, preview.ErrMalformedInput)
	}

	if it.limiter != nil && !it.limiter.Allow() {
		return nil, fmt.Errorf("apifetch: %s: local spacing: %w", t.Platform,
			&preview.RateLimitError{RetryAfter: time.Duration(it.RateLimitMs) * time.Millisecond})
	}

	endpoint := strings.ReplaceAll(it.Endpoint, "{id}", id)
	items, err := c.call(ctx, it, endpoint)
	if err != nil {
		return nil, err
	}

	var out []preview.Candidate
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if it.TypeField != "" && asString(lookup(obj, it.TypeField)) != it.TypeValue {
			continue
		}
		u := firstField(obj, it.URLFields)
		if u == "" {
			continue
		}
		out = append(out, preview.Candidate{
			Strategy: preview.MethodAPI,
			URL:      u,
			PageURL:  t.URL,
			Width:    asInt(lookup(obj, it.WidthField)),
			Height:   asInt(lookup(obj, it.HeightField)),
			Rule:     string(it.Platform) + "_api",
			Seq:      len(out),
		})
	}
	for i := range out {
		out[i].Rank = preview.BandRank(preview.MethodAPI, len(out)-i)
	}

	c.config.Logger.Debug("apifetch: media", "url", t.URL, "platform", t.Platform, "items", len(items), "candidates", len(out))
	if len(out) == 0 {
		return nil, fmt.Errorf("apifetch: %s: %w", t.Platform, preview.ErrNoCandidates)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, it *integration, endpoint string) ([]any, error) {
	method := it.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("apifetch: new request: %w", err)
	}
	for k, v := range it.Headers {
		req.Header.Set(k, c.expand(v))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("apifetch: %w", ctxErr)
		}
		return nil, fmt.Errorf("apifetch: %w: %v", preview.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("apifetch: %s: http %d: %w", it.Platform, resp.StatusCode, preview.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("apifetch: %s: %w", it.Platform,
			&preview.RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now())})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("apifetch: %s: %w", it.Platform,
			&preview.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}

	body, err := netguard.ReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("apifetch: read body: %w: %v", preview.ErrNetwork, err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("apifetch: json decode: %w: %v", preview.ErrNetwork, err)
	}

	items, err := walkPath(raw, it.ResultPath)
	if err != nil {
		// Deleted or media-less posts answer 200 without the media array.
		return nil, fmt.Errorf("apifetch: walk path %q: %v: %w", it.ResultPath, err, preview.ErrNoCandidates)
	}
	return items, nil
}

func (c *Client) expand(s string) string {
	return os.Expand(s, c.config.Getenv)
}

func postID(re *regexp.Regexp, raw string) string {
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// walkPath walks a dot-notation path into a JSON value, returning the array
// found there. If the path is empty, the root must be an array.
func walkPath(v any, path string) ([]any, error) {
	current := v
	if path != "" {
		current = lookup(v, path)
		if current == nil {
			return nil, fmt.Errorf("key path %q not found", path)
		}
	}
	arr, ok := current.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

// lookup resolves a dot-notation path, nil when any step is missing.
func lookup(v any, path string) any {
	if path == "" {
		return nil
	}
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return current
}

func firstField(obj map[string]any, fields []string) string {
	for _, f := range fields {
		if s := strings.TrimSpace(asString(lookup(obj, f))); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

// retryAfter parses a Retry-After header (delta seconds or HTTP date).
func retryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
