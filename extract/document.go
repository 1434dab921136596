// CLAUDE:SUMMARY Tokenizer-backed metadata view of an HTML page (title, metas, links, imgs, JSON-LD, anchors) used as rule input.
// CLAUDE:EXPORTS Document, Parse, Image
package extract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Image is one <img> element as written in the markup.
type Image struct {
	Src     string
	Srcset  string
	DataSrc string
	Alt     string
}

// Document is the metadata surface of a page. It is built in a single
// streaming pass over the tokens; no tree is constructed and no script runs.
type Document struct {
	Raw     string
	Title   string
	Images  []Image
	JSONLD  []string
	Scripts []string
	Anchors []string

	metas map[string][]string
	links map[string][]string
}

// Parse tokenizes body. Malformed markup never fails: the tokenizer
// recovers and whatever was seen before the error is kept.
func Parse(body []byte) *Document {
	d := &Document{
		Raw:   string(body),
		metas: make(map[string][]string),
		links: make(map[string][]string),
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	var inTitle, titleDone bool
	var scriptKind string // "" outside scripts, "ld" for JSON-LD, "js" otherwise

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a tokenizer error; either way the view is complete.
			return d

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Title:
				inTitle = !titleDone && tt == html.StartTagToken
			case atom.Meta:
				d.addMeta(tok)
			case atom.Link:
				rel := strings.ToLower(getAttr(tok, "rel"))
				if href := getAttr(tok, "href"); rel != "" && href != "" {
					for _, r := range strings.Fields(rel) {
						d.links[r] = append(d.links[r], href)
					}
				}
			case atom.Img:
				img := Image{
					Src:     getAttr(tok, "src"),
					Srcset:  firstAttr(tok, "srcset", "data-srcset"),
					DataSrc: firstAttr(tok, "data-src", "data-image-url", "data-original"),
					Alt:     getAttr(tok, "alt"),
				}
				d.Images = append(d.Images, img)
			case atom.A:
				if href := getAttr(tok, "href"); href != "" {
					d.Anchors = append(d.Anchors, href)
				}
			case atom.Script:
				if tt == html.StartTagToken {
					if strings.EqualFold(strings.TrimSpace(getAttr(tok, "type")), "application/ld+json") {
						scriptKind = "ld"
					} else {
						scriptKind = "js"
					}
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "title":
				if inTitle {
					titleDone = true
				}
				inTitle = false
			case "script":
				scriptKind = ""
			}

		case html.TextToken:
			switch {
			case inTitle:
				d.Title += string(z.Text())
			case scriptKind == "ld":
				d.JSONLD = append(d.JSONLD, string(z.Text()))
			case scriptKind == "js":
				d.Scripts = append(d.Scripts, string(z.Text()))
			}
		}
	}
}

func (d *Document) addMeta(tok html.Token) {
	content := getAttr(tok, "content")
	if content == "" {
		return
	}
	for _, key := range []string{"name", "property", "itemprop"} {
		if k := strings.ToLower(strings.TrimSpace(getAttr(tok, key))); k != "" {
			d.metas[k] = append(d.metas[k], content)
		}
	}
}

// Meta returns the content of every <meta> whose name, property or itemprop
// equals key (case-insensitive), in document order.
func (d *Document) Meta(key string) []string {
	return d.metas[strings.ToLower(key)]
}

// Link returns the href of every <link> carrying rel.
func (d *Document) Link(rel string) []string {
	return d.links[strings.ToLower(rel)]
}

func getAttr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstAttr(tok html.Token, keys ...string) string {
	for _, k := range keys {
		if v := getAttr(tok, k); v != "" {
			return v
		}
	}
	return ""
}

// SplitSrcset returns the URLs of a srcset value, descriptors dropped.
func SplitSrcset(srcset string) []string {
	var out []string
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}
