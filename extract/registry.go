// CLAUDE:SUMMARY Static registry of versioned rule chains per platform and attribute kind (author_name, embedded_url, image_url).
// CLAUDE:EXPORTS Kind, ParseKind, Lookup, Registered, KindAuthorName, KindEmbeddedURL, KindImageURL
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/fanart/preview"
)

// Kind is an attribute kind.
type Kind string

const (
	KindAuthorName  Kind = "author_name"
	KindEmbeddedURL Kind = "embedded_url"
	KindImageURL    Kind = "image_url"
)

// ParseKind validates a wire attribute kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAuthorName, KindEmbeddedURL, KindImageURL:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown attribute kind %q", preview.ErrMalformedInput, s)
}

// Lookup returns the chain for platform and kind. Platforms without a
// dedicated chain use the generic one.
func Lookup(platform preview.Platform, kind Kind) (*RuleSet, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if rs, ok := registry[platform][kind]; ok {
		return rs, nil
	}
	return registry[preview.PlatformGeneric][kind], nil
}

// Registered lists every chain. The service reports their versions on /health.
func Registered() []*RuleSet {
	var out []*RuleSet
	for _, p := range []preview.Platform{preview.PlatformPixiv, preview.PlatformTwitter, preview.PlatformGeneric} {
		for _, k := range []Kind{KindAuthorName, KindEmbeddedURL, KindImageURL} {
			out = append(out, registry[p][k])
		}
	}
	return out
}

const workSuffix = `(?:イラスト|マンガ|うごイラ|小説)`

// jsonStr matches the body of a JSON string literal.
const jsonStr = `((?:[^"\\]|\\.)+)`

var registry = map[preview.Platform]map[Kind]*RuleSet{
	preview.PlatformPixiv: {
		KindAuthorName: {
			Platform: preview.PlatformPixiv, Kind: KindAuthorName, Version: "pixiv-author/6",
			Rules: []Rule{
				{Name: "title", Source: Title,
					Pattern: regexp.MustCompile(`^.* - (.+?)\s*の` + workSuffix),
					Post:    []Post{PlainText}},
				{Name: "meta_description", Source: Meta("description", "og:description"),
					Pattern: regexp.MustCompile(`「([^」]+)」さんの` + workSuffix),
					Post:    []Post{PlainText}},
				{Name: "preload_user_name", Source: Concat(Meta("preload-data"), Scripts),
					Pattern: regexp.MustCompile(`"userName"\s*:\s*"` + jsonStr + `"`),
					Post:    []Post{UnescapeJSON, PlainText}},
				{Name: "og_title", Source: Meta("og:title", "twitter:title"),
					Pattern: regexp.MustCompile(`^.* - (.+?)\s*の` + workSuffix + `\s*-\s*pixiv`),
					Post:    []Post{PlainText}},
				{Name: "og_title_legacy", Source: Meta("og:title", "twitter:title"),
					Pattern: regexp.MustCompile(`^「[^」]*」/「([^」]+)」の` + workSuffix),
					Post:    []Post{PlainText}},
				{Name: "img_alt", Source: ImgAlt,
					Pattern: regexp.MustCompile(`^.+? - (.+?)\s*の(?:イラスト|マンガ)`),
					Post:    []Post{PlainText}},
			},
		},
		KindEmbeddedURL: {
			Platform: preview.PlatformPixiv, Kind: KindEmbeddedURL, Version: "pixiv-embedded/2",
			Rules: []Rule{
				{Name: "jump_link", Source: Anchors,
					Pattern: regexp.MustCompile(`jump\.php\?(?:url=)?([^&\s"'<>]+)`),
					Post:    []Post{UnescapeURL}},
				{Name: "jump_link_raw", Source: Raw,
					Pattern: regexp.MustCompile(`jump\.php\?(?:url=)?([^&\s"'<>\\]+)`),
					Post:    []Post{UnescapeHTML, UnescapeURL}},
				{Name: "external_anchor", Source: Anchors,
					Pattern: regexp.MustCompile(`^(https?://\S+)$`),
					Post:    []Post{DropHosts("pixiv.net", "pximg.net", "pixiv.me")}},
			},
		},
		KindImageURL: {
			Platform: preview.PlatformPixiv, Kind: KindImageURL, Version: "pixiv-image/3",
			Rules: []Rule{
				{Name: "preload_original", Source: Concat(Meta("preload-data"), Scripts),
					Pattern: regexp.MustCompile(`"original"\s*:\s*"(https?:[^"]+)"`),
					Post:    []Post{UnescapeJSON}},
				{Name: "preload_regular", Source: Concat(Meta("preload-data"), Scripts),
					Pattern: regexp.MustCompile(`"regular"\s*:\s*"(https?:[^"]+)"`),
					Post:    []Post{UnescapeJSON}},
				{Name: "og_image", Source: Meta("og:image")},
				{Name: "twitter_image", Source: Meta("twitter:image", "twitter:image:src")},
				{Name: "pximg_raw", Source: Raw,
					Pattern: regexp.MustCompile(`https?://i\.pximg\.net/[^"'\s<>\\)]+`),
					Post:    []Post{UnescapeHTML}},
			},
		},
	},

	preview.PlatformTwitter: {
		KindAuthorName: {
			Platform: preview.PlatformTwitter, Kind: KindAuthorName, Version: "twitter-author/4",
			Rules: []Rule{
				{Name: "title", Source: Title,
					Pattern: regexp.MustCompile(`^(.+?)(?: \(@\w{1,15}\))? on X:`),
					Post:    []Post{PlainText}},
				{Name: "title_legacy", Source: Title,
					Pattern: regexp.MustCompile(`^(.+?)(?: \(@\w{1,15}\))? on Twitter:`),
					Post:    []Post{PlainText}},
				{Name: "og_title", Source: Meta("og:title", "twitter:title"),
					Pattern: regexp.MustCompile(`^(.+?)(?: \(@\w{1,15}\))? on (?:X|Twitter)\b`),
					Post:    []Post{PlainText}},
				{Name: "og_title_handle", Source: Meta("og:title", "twitter:title"),
					Pattern: regexp.MustCompile(`^(.+?) \(@\w{1,15}\)`),
					Post:    []Post{PlainText}},
				{Name: "twitter_creator", Source: Meta("twitter:creator"),
					Pattern: regexp.MustCompile(`^\s*@?(\w{1,15})\s*$`)},
				{Name: "canonical_handle", Source: Concat(Link("canonical"), Meta("og:url")),
					Pattern: regexp.MustCompile(`^https?://(?:(?:www|mobile)\.)?(?:twitter|x)\.com/(\w{1,15})/status`)},
			},
		},
		KindEmbeddedURL: {
			Platform: preview.PlatformTwitter, Kind: KindEmbeddedURL, Version: "twitter-embedded/2",
			Rules: []Rule{
				{Name: "expanded_url_attr", Source: Raw,
					Pattern: regexp.MustCompile(`data-expanded-url="([^"]+)"`),
					Post:    []Post{UnescapeHTML}},
				{Name: "expanded_url_json", Source: Concat(Scripts, JSONLD),
					Pattern: regexp.MustCompile(`"expanded_url"\s*:\s*"` + jsonStr + `"`),
					Post:    []Post{UnescapeJSON}},
				{Name: "tco_link", Source: Anchors,
					Pattern: regexp.MustCompile(`^(https?://t\.co/\w+)$`)},
			},
		},
		KindImageURL: {
			Platform: preview.PlatformTwitter, Kind: KindImageURL, Version: "twitter-image/3",
			Rules: []Rule{
				{Name: "og_image", Source: Meta("og:image")},
				{Name: "twitter_image", Source: Meta("twitter:image", "twitter:image:src")},
				{Name: "media_url_json", Source: Scripts,
					Pattern: regexp.MustCompile(`"(?:media_url_https|media_url|preview_image_url)"\s*:\s*"(https?:(?:\\?/){2}pbs\.twimg\.com[^"]+)"`),
					Post:    []Post{UnescapeJSON}},
				{Name: "pbs_media_raw", Source: Raw,
					Pattern: regexp.MustCompile(`https?://pbs\.twimg\.com/media/[^"'\s<>\\)]+`),
					Post:    []Post{UnescapeHTML}},
				{Name: "img_twimg", Source: ImgURLs,
					Pattern: regexp.MustCompile(`^(https?://[^\s/]*twimg\.com/\S+)$`)},
			},
		},
	},

	preview.PlatformGeneric: {
		KindAuthorName: {
			Platform: preview.PlatformGeneric, Kind: KindAuthorName, Version: "generic-author/2",
			Rules: []Rule{
				{Name: "meta_author", Source: Meta("author"), Post: []Post{PlainText}},
				{Name: "article_author", Source: Meta("article:author"), Post: []Post{PlainText}},
				{Name: "jsonld_author", Source: JSONLD,
					Pattern: regexp.MustCompile(`"author"\s*:\s*(?:\[\s*)?(?:\{[^{}]*?"name"\s*:\s*"` + jsonStr + `"|"` + jsonStr + `")`),
					Post:    []Post{UnescapeJSON, PlainText}},
				{Name: "twitter_creator", Source: Meta("twitter:creator"), Post: []Post{PlainText}},
			},
		},
		KindEmbeddedURL: {
			Platform: preview.PlatformGeneric, Kind: KindEmbeddedURL, Version: "generic-embedded/1",
			Rules: []Rule{
				{Name: "canonical", Source: Link("canonical")},
				{Name: "og_url", Source: Meta("og:url")},
				{Name: "anchors", Source: Anchors,
					Pattern: regexp.MustCompile(`^(https?://\S+)$`)},
			},
		},
		KindImageURL: {
			Platform: preview.PlatformGeneric, Kind: KindImageURL, Version: "generic-image/2",
			Rules: []Rule{
				{Name: "og_image", Source: Meta("og:image", "og:image:url", "og:image:secure_url")},
				{Name: "twitter_image", Source: Meta("twitter:image", "twitter:image:src")},
				{Name: "image_src", Source: Link("image_src")},
				{Name: "jsonld_image", Source: JSONLD,
					Pattern: regexp.MustCompile(`"image"\s*:\s*(?:\[\s*)?(?:\{[^{}]*?"url"\s*:\s*)?"` + jsonStr + `"`),
					Post:    []Post{UnescapeJSON}},
				{Name: "img_tags", Source: ImgURLs},
			},
		},
	},
}
