// CLAUDE:SUMMARY Source URL classification into platforms (pixiv, twitter_x, generic, unknown) and acquisition method enum.
// Package preview holds the domain vocabulary shared by every stage of the
// preview acquisition pipeline: platforms, methods, candidates, the error
// taxonomy and the candidate normalizer.
package preview

import (
	"fmt"
	"net/url"
	"strings"
)

// Platform is the classification of a source URL. It selects the extraction
// rule sets and the API integration that apply.
type Platform string

const (
	PlatformPixiv   Platform = "pixiv"
	PlatformTwitter Platform = "twitter_x"
	PlatformGeneric Platform = "generic"
	PlatformUnknown Platform = "unknown"
)

// Method names an acquisition strategy.
type Method string

const (
	MethodNone        Method = ""
	MethodLightweight Method = "lightweight"
	MethodAPI         Method = "api"
	MethodBrowser     Method = "browser"
)

// DispatchOrder is the unforced strategy order: cheapest first.
var DispatchOrder = []Method{MethodLightweight, MethodAPI, MethodBrowser}

// ParseMethod accepts the wire names of force_method. "none" and "" mean
// unforced.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "auto":
		return MethodNone, nil
	case "lightweight", "scrape", "fetch":
		return MethodLightweight, nil
	case "api":
		return MethodAPI, nil
	case "browser", "headless", "render":
		return MethodBrowser, nil
	}
	return MethodNone, fmt.Errorf("%w: unknown force_method %q", ErrMalformedInput, s)
}

// priority orders strategies for tie-breaking: lower is preferred.
func (m Method) priority() int {
	switch m {
	case MethodAPI:
		return 0
	case MethodLightweight:
		return 1
	case MethodBrowser:
		return 2
	}
	return 3
}

var pixivHosts = []string{"pixiv.net", "pximg.net"}

var twitterHosts = map[string]bool{
	"twitter.com":        true,
	"www.twitter.com":    true,
	"mobile.twitter.com": true,
	"x.com":              true,
	"www.x.com":          true,
	"mobile.x.com":       true,
}

// Classify parses raw and returns its platform. Empty, unparseable, relative
// or non-HTTP inputs fail with ErrMalformedInput and PlatformUnknown.
func Classify(raw string) (Platform, *url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PlatformUnknown, nil, fmt.Errorf("%w: empty link", ErrMalformedInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return PlatformUnknown, nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return PlatformUnknown, u, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedInput, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return PlatformUnknown, u, fmt.Errorf("%w: missing host", ErrMalformedInput)
	}

	if twitterHosts[host] {
		return PlatformTwitter, u, nil
	}
	for _, h := range pixivHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return PlatformPixiv, u, nil
		}
	}
	return PlatformGeneric, u, nil
}

// Target is a classified source URL handed to strategies.
type Target struct {
	URL      string
	Parsed   *url.URL
	Platform Platform
}

// NewTarget classifies raw. See Classify.
func NewTarget(raw string) (Target, error) {
	p, u, err := Classify(raw)
	if err != nil {
		return Target{Platform: PlatformUnknown}, err
	}
	return Target{URL: u.String(), Parsed: u, Platform: p}, nil
}

// Referer returns the Referer header a platform's image hosts expect, or "".
// i.pximg.net answers 403 without a pixiv referer.
func (p Platform) Referer() string {
	if p == PlatformPixiv {
		return "https://www.pixiv.net/"
	}
	return ""
}
