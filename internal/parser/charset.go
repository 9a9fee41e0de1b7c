package parser

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"unicode/utf8"

	msgcharset "github.com/emersion/go-message/charset"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/hkdb/syncd/internal/logging"
)

// decodeQuotedPrintableIfNeeded detects and decodes quoted-printable content
// if go-message's own part decoding left it untouched.
func decodeQuotedPrintableIfNeeded(content []byte) []byte {
	contentStr := string(content)
	if !strings.Contains(contentStr, "=3D") && !strings.Contains(contentStr, "=\n") && !strings.Contains(contentStr, "=\r\n") {
		return content
	}

	log := logging.WithComponent("charset")

	reader := quotedprintable.NewReader(bytes.NewReader(content))
	decoded, err := io.ReadAll(reader)
	if err != nil {
		log.Debug().Err(err).Msg("quoted-printable decode failed, returning original content")
		return content
	}
	return decoded
}

// fallbackCharsets are the double-byte encodings tried, in order, when a
// part declares no usable charset and Go's auto-detection either fails or
// produces gibberish. These are the CJK encodings this pipeline's archived
// correspondence actually turns up outside Chinese mail too, not just the
// Chinese-heavy set a live mail client optimizes for: gb18030 (a superset of
// gbk/gb2312, so those aliases are redundant here), big5, and the common
// Korean and Japanese legacy encodings. euc-tw is dropped as a Big5 variant
// gb18030 already covers in practice.
var fallbackCharsets = []string{"gb18030", "big5", "euc-kr", "shift_jis", "euc-jp"}

// decodeCharset converts content from the declared charset to UTF-8,
// falling back to auto-detection when the declared charset is absent or
// produces content that looks misencoded.
func decodeCharset(content []byte, declaredCharset string) string {
	log := logging.WithComponent("charset")

	if declaredCharset == "" || strings.EqualFold(declaredCharset, "utf-8") || strings.EqualFold(declaredCharset, "us-ascii") {
		if utf8.Valid(content) {
			str := string(content)
			if !looksLikeGibberish(str) {
				return str
			}
			log.Debug().Msg("content is valid UTF-8 but looks like gibberish, trying fallback encodings")
		}

		encoding, name, _ := charset.DetermineEncoding(content, "text/html")
		decoded, err := encoding.NewDecoder().Bytes(content)
		if err == nil && !looksLikeGibberish(string(decoded)) {
			log.Debug().Str("detected_encoding", name).Msg("decoded using auto-detected encoding")
			return string(decoded)
		}

		// Auto-detection failed or produced gibberish; try the fallback set.
		for _, encName := range fallbackCharsets {
			enc, err := htmlindex.Get(encName)
			if err != nil {
				continue
			}
			decoded, err := enc.NewDecoder().Bytes(content)
			if err == nil && utf8.Valid(decoded) && !looksLikeGibberish(string(decoded)) {
				log.Debug().Str("tried_encoding", encName).Msg("decoded using fallback encoding")
				return string(decoded)
			}
		}

		log.Warn().Msg("all charset detection attempts failed, returning as-is")
		return string(content)
	}

	enc, err := htmlindex.Get(declaredCharset)
	if err != nil {
		aliases := map[string]string{
			"gb2312": "gbk",
			"x-gbk":  "gbk",
			"big5":   "big5",
			"x-big5": "big5",
		}
		if alias, ok := aliases[strings.ToLower(declaredCharset)]; ok {
			enc, err = htmlindex.Get(alias)
		}
		if err != nil {
			log.Warn().Err(err).Str("declared_charset", declaredCharset).Msg("unknown charset, returning as-is")
			return string(content)
		}
	}

	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		log.Warn().Err(err).Str("declared_charset", declaredCharset).Msg("charset decoding failed, returning as-is")
		return string(content)
	}
	return string(decoded)
}

// Thresholds for looksLikeGibberish. A misdecoded body here is not a
// transient rendering glitch a user can re-view after the client figures out
// the right charset later — once projected, it is permanent text on a
// remote page, so both thresholds run tighter than "does this
// look wrong to a human glancing at a preview pane": content must clear a
// higher minimum sample size before being judged at all (short subject
// lines otherwise trip on a handful of stray code points), and needs a
// smaller fraction of bad characters to be rejected once it does.
const (
	minSampleForReplacementCheck = 20
	maxReplacementRatio          = 0.03

	minSampleForCJKExtBCheck = 40
	maxCJKExtBRatio          = 0.02
)

// looksLikeGibberish flags content that decoded "successfully" but shows
// the telltale signs of a wrong charset: a replacement-character ratio, or
// a concentration of rare CJK Extension B code points, above what plausibly
// occurs in real correspondence.
func looksLikeGibberish(s string) bool {
	if len(s) == 0 {
		return false
	}

	var replacementCount, cjkExtBCount, total int
	for _, r := range s {
		total++
		if r == '�' {
			replacementCount++
		}
		// CJK Extension B (U+20000-U+2A6DF) holds characters rare enough in
		// ordinary correspondence that a cluster of them is a stronger
		// misencoding signal than common CJK ranges would be.
		if r >= 0x20000 && r <= 0x2A6DF {
			cjkExtBCount++
		}
	}

	if total > minSampleForReplacementCheck && float64(replacementCount)/float64(total) > maxReplacementRatio {
		return true
	}
	if total > minSampleForCJKExtBCheck && float64(cjkExtBCount)/float64(total) > maxCJKExtBRatio {
		return true
	}
	return false
}

var (
	metaCharsetRe     = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	metaHTTPEquivRe   = regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)
)

// extractCharsetFromHTML looks for a charset declared in an HTML meta tag,
// used as a fallback when the Content-Type header doesn't specify one.
func extractCharsetFromHTML(html []byte) string {
	searchBytes := html
	if len(html) > 1024 {
		searchBytes = html[:1024]
	}

	if match := metaCharsetRe.FindSubmatch(searchBytes); len(match) > 1 {
		return string(match[1])
	}
	if match := metaHTTPEquivRe.FindSubmatch(searchBytes); len(match) > 1 {
		return string(match[1])
	}
	return ""
}

// decodeMIMEWord decodes RFC 2047 encoded words (e.g. "=?UTF-8?B?...?="),
// used for non-ASCII headers and attachment filenames.
func decodeMIMEWord(s string) string {
	if s == "" {
		return s
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
			if reader, err := msgcharset.Reader(charsetName, r); err == nil {
				return reader, nil
			}
			enc, err := htmlindex.Get(charsetName)
			if err != nil {
				return nil, fmt.Errorf("unknown charset: %s", charsetName)
			}
			return enc.NewDecoder().Reader(r), nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
