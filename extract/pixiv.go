package extract

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	reMasterCrop   = regexp.MustCompile(`^/c/\d+x\d+(?:_\d+)?(?:_[a-z0-9]+)?/img-master/`)
	reMasterSuffix = regexp.MustCompile(`_master\d+(\.[A-Za-z0-9]+)$`)
)

// PixivOriginal rewrites an i.pximg.net master (resized) URL into its
// original-size counterpart. ok is false when u is not a master URL.
// Masters are always JPEG; originals may be PNG, so callers should treat the
// result as a candidate, not a certainty.
func PixivOriginal(u string) (string, bool) {
	p, err := url.Parse(u)
	if err != nil || !strings.HasSuffix(strings.ToLower(p.Hostname()), "pximg.net") {
		return "", false
	}
	path := reMasterCrop.ReplaceAllString(p.Path, "/img-master/")
	if !strings.Contains(path, "/img-master/") {
		return "", false
	}
	path = strings.Replace(path, "/img-master/", "/img-original/", 1)
	path = reMasterSuffix.ReplaceAllString(path, "$1")
	if !strings.HasPrefix(path, "/img-original/img/") {
		path = strings.Replace(path, "/img-original/", "/img-original/img/", 1)
	}
	p.Path = path
	p.RawPath = ""
	p.RawQuery = ""
	return p.String(), true
}

// MaxPixivPages bounds page expansion of multi-page works.
const MaxPixivPages = 8

var rePage = regexp.MustCompile(`^(\d+_p)(\d+)((?:_[a-z]+\d+)?\.[A-Za-z0-9]+)$`)

// PixivPages returns the sibling page URLs of an i.pximg.net page image:
// "12345_p0.jpg" yields "_p1" through "_p{n-1}", skipping u's own page.
// Most works have a single page, so the result is a list of guesses.
func PixivPages(u string, n int) []string {
	p, err := url.Parse(u)
	if err != nil || !strings.HasSuffix(strings.ToLower(p.Hostname()), "pximg.net") {
		return nil
	}
	dir, file := path.Split(p.Path)
	m := rePage.FindStringSubmatch(file)
	if m == nil {
		return nil
	}
	own, _ := strconv.Atoi(m[2])
	var out []string
	for i := 0; i < n; i++ {
		if i == own {
			continue
		}
		v := *p
		v.Path = dir + m[1] + strconv.Itoa(i) + m[3]
		v.RawPath = ""
		out = append(out, v.String())
	}
	return out
}
