// CLAUDE:SUMMARY Rule building blocks: Sources (title, meta, link, img, JSON-LD, scripts, anchors, raw) and Post transforms.
package extract

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Raw is the unparsed body.
func Raw(d *Document) []string { return []string{d.Raw} }

// Title is the first <title> text.
func Title(d *Document) []string {
	if d.Title == "" {
		return nil
	}
	return []string{d.Title}
}

// Meta selects meta content by name, property or itemprop, keys in order.
func Meta(keys ...string) Source {
	return func(d *Document) []string {
		var out []string
		for _, k := range keys {
			out = append(out, d.Meta(k)...)
		}
		return out
	}
}

// Link selects <link rel=...> hrefs.
func Link(rel string) Source {
	return func(d *Document) []string { return d.Link(rel) }
}

// ImgURLs selects every URL an <img> references: src, srcset entries, then
// lazy-load attributes.
func ImgURLs(d *Document) []string {
	var out []string
	for _, img := range d.Images {
		if img.Src != "" {
			out = append(out, img.Src)
		}
		out = append(out, SplitSrcset(img.Srcset)...)
		if img.DataSrc != "" {
			out = append(out, img.DataSrc)
		}
	}
	return out
}

// ImgAlt selects <img alt> texts.
func ImgAlt(d *Document) []string {
	var out []string
	for _, img := range d.Images {
		if img.Alt != "" {
			out = append(out, img.Alt)
		}
	}
	return out
}

// JSONLD selects the bodies of application/ld+json scripts.
func JSONLD(d *Document) []string { return d.JSONLD }

// Scripts selects the bodies of executable scripts (embedded state blobs).
func Scripts(d *Document) []string { return d.Scripts }

// Anchors selects <a href> values.
func Anchors(d *Document) []string { return d.Anchors }

// Concat reads several sources in order.
func Concat(srcs ...Source) Source {
	return func(d *Document) []string {
		var out []string
		for _, s := range srcs {
			out = append(out, s(d)...)
		}
		return out
	}
}

// UnescapeHTML decodes entities left in raw-body captures.
func UnescapeHTML(s string) string { return html.UnescapeString(s) }

// UnescapeJSON decodes a JSON string body (without quotes). Escaped slashes
// are common in embedded state and are not valid Go escapes.
func UnescapeJSON(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\/`, `/`)
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

// UnescapeURL decodes a percent-encoded capture.
func UnescapeURL(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

var strictPolicy = bluemonday.StrictPolicy()

// PlainText strips any markup from a human-readable value.
func PlainText(s string) string {
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

// DropHosts discards URLs pointing at one of hosts (or a subdomain).
func DropHosts(hosts ...string) Post {
	return func(s string) string {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil {
			return ""
		}
		h := strings.ToLower(u.Hostname())
		for _, d := range hosts {
			if h == d || strings.HasSuffix(h, "."+d) {
				return ""
			}
		}
		return s
	}
}
