package browser

import (
	"slices"
	"sort"
	"strings"

	"github.com/hazyhaar/fanart/extract"
	"github.com/hazyhaar/fanart/preview"
)

// harvestJS collects every <img> (current source, srcset, lazy attributes)
// and CSS background image with natural and rendered sizes. It returns a JSON
// string so the result crosses CDP as one value.
const harvestJS = `() => {
	const out = [];
	for (const img of Array.from(document.images)) {
		const r = img.getBoundingClientRect();
		out.push({
			kind: "img",
			src: img.currentSrc || img.src || "",
			srcset: img.getAttribute("srcset") || img.getAttribute("data-srcset") || "",
			lazy: img.getAttribute("data-src") || img.getAttribute("data-image-url") || img.getAttribute("data-original") || "",
			nw: img.naturalWidth || 0, nh: img.naturalHeight || 0,
			rw: Math.round(r.width), rh: Math.round(r.height),
		});
	}
	const els = document.querySelectorAll("body *");
	const limit = Math.min(els.length, 5000);
	for (let i = 0; i < limit; i++) {
		const el = els[i];
		const bg = getComputedStyle(el).backgroundImage;
		if (!bg || bg === "none") continue;
		const r = el.getBoundingClientRect();
		for (const m of bg.matchAll(/url\(\s*["']?([^"')]+)["']?\s*\)/g)) {
			out.push({kind: "background", src: m[1], srcset: "", lazy: "", nw: 0, nh: 0,
				rw: Math.round(r.width), rh: Math.round(r.height)});
		}
	}
	return JSON.stringify({url: location.href, images: out});
}`

// scrollJS scrolls the window to an absolute offset.
const scrollJS = `(y) => { window.scrollTo(0, y); return window.scrollY; }`

// inlineFetchJS downloads a URL from inside the page, with the page's
// cookies and referrer, returning base64 bytes.
const inlineFetchJS = `async (u) => {
	try {
		const r = await fetch(u, {credentials: "include", referrer: location.href});
		const type = r.headers.get("content-type") || "";
		if (!r.ok) return JSON.stringify({status: r.status, type: type, data: ""});
		const buf = new Uint8Array(await r.arrayBuffer());
		let bin = "";
		for (let i = 0; i < buf.length; i += 0x8000) {
			bin += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
		}
		return JSON.stringify({status: r.status, type: type, data: btoa(bin)});
	} catch (e) {
		return JSON.stringify({status: 0, type: "", data: "", error: String(e)});
	}
}`

type harvest struct {
	URL    string     `json:"url"`
	Images []rawImage `json:"images"`
}

type rawImage struct {
	Kind   string `json:"kind"`
	Src    string `json:"src"`
	Srcset string `json:"srcset"`
	Lazy   string `json:"lazy"`
	NW     int    `json:"nw"`
	NH     int    `json:"nh"`
	RW     int    `json:"rw"`
	RH     int    `json:"rh"`
}

type inlineResult struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
	Data   string `json:"data"`
	Error  string `json:"error"`
}

// sized is a harvested URL with its best known dimensions.
type sized struct {
	url    string
	kind   string
	width  int
	height int
	seq    int
}

func (s sized) area() int { return s.width * s.height }

// selectImages resolves, filters and orders harvested images: data: and
// blob: sources are dropped, so are images whose known size is under minSide
// on both axes. Images of unknown size (lazy, never loaded) are kept after
// all sized ones. Duplicates keep their largest size.
func selectImages(h harvest, minSide int) []sized {
	byURL := make(map[string]int)
	var out []sized

	add := func(raw, kind string, w, hgt int) {
		raw = strings.TrimSpace(raw)
		low := strings.ToLower(raw)
		if raw == "" || strings.HasPrefix(low, "data:") || strings.HasPrefix(low, "blob:") {
			return
		}
		u, err := preview.NormalizeURL(raw, h.URL)
		if err != nil {
			return
		}
		if i, ok := byURL[u]; ok {
			if w*hgt > out[i].area() {
				out[i].width, out[i].height = w, hgt
			}
			return
		}
		byURL[u] = len(out)
		out = append(out, sized{url: u, kind: kind, width: w, height: hgt, seq: len(out)})
	}

	for _, im := range h.Images {
		w, hgt := max(im.NW, im.RW), max(im.NH, im.RH)
		add(im.Src, im.Kind, w, hgt)
		for _, s := range extract.SplitSrcset(im.Srcset) {
			add(s, im.Kind, w, hgt)
		}
		add(im.Lazy, im.Kind, 0, 0)
	}

	kept := out[:0]
	for _, s := range out {
		known := s.width > 0 || s.height > 0
		if known && s.width < minSide && s.height < minSide {
			continue
		}
		kept = append(kept, s)
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].area() > kept[j].area() })
	return kept
}

// toCandidates ranks images by position (largest first) inside the browser
// band. On pixiv, a master (resized) URL is preceded by its original-size
// variant.
func toCandidates(imgs []sized, pageURL string, platform preview.Platform) []preview.Candidate {
	var out []preview.Candidate
	seen := make(map[string]bool)
	push := func(u, rule string, s sized) {
		if seen[u] {
			return
		}
		seen[u] = true
		out = append(out, preview.Candidate{
			Strategy: preview.MethodBrowser,
			URL:      u,
			PageURL:  pageURL,
			Width:    s.width,
			Height:   s.height,
			Rule:     rule,
			Seq:      len(out),
		})
	}
	for _, s := range imgs {
		if platform == preview.PlatformPixiv {
			if orig, ok := extract.PixivOriginal(s.url); ok {
				push(orig, "pixiv_original", s)
			}
		}
		push(s.url, "rendered_"+s.kind, s)
	}
	for i := range out {
		out[i].Rank = preview.BandRank(preview.MethodBrowser, len(out)-i)
	}
	if platform == preview.PlatformPixiv {
		out = appendPixivPages(out, pageURL)
	}
	return out
}

// appendPixivPages adds the sibling pages of the rendered work at rank 0.
// Originals are expanded when present, so masters do not double the guesses.
func appendPixivPages(out []preview.Candidate, pageURL string) []preview.Candidate {
	rule := "pixiv_original"
	if !slices.ContainsFunc(out, func(c preview.Candidate) bool { return c.Rule == rule }) {
		rule = ""
	}
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.URL] = true
	}
	n := len(out)
	for i := 0; i < n; i++ {
		if rule != "" && out[i].Rule != rule {
			continue
		}
		for _, u := range extract.PixivPages(out[i].URL, extract.MaxPixivPages) {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, preview.Candidate{
				Strategy: preview.MethodBrowser,
				URL:      u,
				PageURL:  pageURL,
				Rule:     "pixiv_page",
				Rank:     preview.BandRank(preview.MethodBrowser, 0),
				Seq:      len(out),
			})
		}
	}
	return out
}
