package preview

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Rank bands keep api > lightweight > browser across strategies. Within a
// band the offset is strategy specific (rule position, response order,
// rendered area). Offsets stay below BandWidth.
const (
	BandBrowser     = 0
	BandLightweight = 1000
	BandAPI         = 2000
	BandWidth       = 1000
)

// BandRank clamps offset into the band of m.
func BandRank(m Method, offset int) int {
	if offset < 0 {
		offset = 0
	}
	if offset >= BandWidth {
		offset = BandWidth - 1
	}
	switch m {
	case MethodAPI:
		return BandAPI + offset
	case MethodLightweight:
		return BandLightweight + offset
	}
	return BandBrowser + offset
}

// Candidate is one provisional preview image. It only lives for the duration
// of a request/response cycle and is never stored as such.
type Candidate struct {
	Strategy    Method `json:"strategy"`
	URL         string `json:"url"`
	PageURL     string `json:"-"` // base for relative URL resolution
	ContentType string `json:"content_type,omitempty"`
	ByteSize    int64  `json:"size"`
	InlineData  []byte `json:"-"`
	Rank        int    `json:"rank"`
	Rule        string `json:"rule,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Seq         int    `json:"-"` // discovery order
}

// DataURI renders InlineData as a data: URI, or "" when no bytes are held.
func (c *Candidate) DataURI() string {
	if len(c.InlineData) == 0 {
		return ""
	}
	ct := c.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(c.InlineData)
}

// ContentHash is the hex BLAKE2b-256 of data. Preview slots are addressed by
// it and the normalizer compares inline bytes with it.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ParseDataURI decodes "data:<type>;base64,<payload>". Non-base64 data URIs
// are rejected: previews are binary.
func ParseDataURI(s string) (contentType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return "", nil, errMalformed("not a data URI")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errMalformed("data URI has no payload")
	}
	mediaType, isB64 := strings.CutSuffix(header, ";base64")
	if !isB64 {
		return "", nil, errMalformed("data URI is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errMalformed("data URI payload: " + err.Error())
	}
	if len(data) == 0 {
		return "", nil, errMalformed("data URI is empty")
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return mediaType, data, nil
}

func errMalformed(msg string) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, msg)
}
