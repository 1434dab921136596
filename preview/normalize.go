// CLAUDE:SUMMARY Candidate URL normalization (resolve, lowercase, strip tracking params, sort query) and rank-ordered dedup.
// CLAUDE:EXPORTS NormalizeURL, Normalize
package preview

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are dropped from candidate URLs before comparison.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"dclid":   true,
	"msclkid": true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref_src": true,
	"ref_url": true,
	"_ga":     true,
	"yclid":   true,
}

func isTrackingParam(k string) bool {
	k = strings.ToLower(k)
	return trackingParams[k] || strings.HasPrefix(k, "utm_")
}

// NormalizeURL resolves raw against base (when raw is relative), lowercases
// scheme and host, removes the fragment, strips tracking parameters and sorts
// the remaining query parameters. The result is a fixed point: normalizing it
// again returns it unchanged.
func NormalizeURL(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrMalformedInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if !u.IsAbs() || u.Host == "" {
		if base == "" {
			return "", fmt.Errorf("%w: relative URL without base", ErrMalformedInput)
		}
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("%w: base: %v", ErrMalformedInput, err)
		}
		u = b.ResolveReference(u)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedInput, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrMalformedInput)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			if isTrackingParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for _, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for _, v := range vals {
				if buf.Len() > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = buf.String()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// better reports whether a should be kept over b: higher rank, then strategy
// priority (api > lightweight > browser), then earlier discovery.
func better(a, b *Candidate) bool {
	if a.Rank != b.Rank {
		return a.Rank > b.Rank
	}
	if pa, pb := a.Strategy.priority(), b.Strategy.priority(); pa != pb {
		return pa < pb
	}
	return a.Seq < b.Seq
}

// Normalize returns a duplicate-free, rank-ordered copy of cands. It performs
// no I/O. Candidates whose URL cannot be normalized are dropped unless they
// carry inline bytes. Two candidates are duplicates when their normalized
// URLs match or their inline bytes are identical; the better one survives.
func Normalize(cands []Candidate) []Candidate {
	work := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		norm, err := NormalizeURL(c.URL, c.PageURL)
		if err != nil {
			if len(c.InlineData) == 0 {
				continue
			}
			norm = ""
		}
		c.URL = norm
		if c.ByteSize == 0 && len(c.InlineData) > 0 {
			c.ByteSize = int64(len(c.InlineData))
		}
		work = append(work, c)
	}

	sort.SliceStable(work, func(i, j int) bool { return better(&work[i], &work[j]) })

	seenURL := make(map[string]bool, len(work))
	seenHash := make(map[string]bool, len(work))
	out := make([]Candidate, 0, len(work))
	for _, c := range work {
		if c.URL != "" && seenURL[c.URL] {
			continue
		}
		var h string
		if len(c.InlineData) > 0 {
			h = ContentHash(c.InlineData)
			if seenHash[h] {
				continue
			}
		}
		if c.URL != "" {
			seenURL[c.URL] = true
		}
		if h != "" {
			seenHash[h] = true
		}
		out = append(out, c)
	}
	return out
}
