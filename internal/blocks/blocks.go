// Package blocks converts sanitized HTML email bodies into the remote
// document database's block-children JSON shape.
package blocks

import (
	"strings"
	"unicode/utf16"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// MaxBlocksPerCreate is the limit on blocks a single pages.create call may
// carry; anything beyond this is returned as overflow for a follow-on
// blocks.children.append call.
const MaxBlocksPerCreate = 100

// MaxSpanCodeUnits is the remote store's per-rich-text-span limit, measured
// in UTF-16 code units.
const MaxSpanCodeUnits = 2000

var sanitizePolicy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "cid")
	return p
}

// Block is a single block-children entry, shaped as the remote API expects:
// {"object": "block", "type": "...", "<type>": {...}}.
type Block map[string]any

// RichText is one span of text with its formatting and link target.
type RichText struct {
	Text   string
	Bold   bool
	Italic bool
	Href   string
}

// CIDResolver maps a cid: reference (as found in an <img src="cid:..."> )
// to the uploaded file's handle. Inline images are uploaded before HTML
// conversion so this resolver can be populated up front.
type CIDResolver func(contentID string) (uploadID string, ok bool)

// Convert sanitizes rawHTML and converts it into block-children, split into
// the first MaxBlocksPerCreate blocks (for pages.create) and any overflow
// (for a follow-on blocks.children.append). consumedCIDs names every
// content-id resolveCID was asked for and successfully resolved, so the
// caller can tell which inline images the HTML never referenced and
// present those in the page's Attachments section instead.
func Convert(rawHTML string, resolveCID CIDResolver) (initial, overflow []Block, consumedCIDs map[string]bool) {
	clean := sanitizePolicy.Sanitize(rawHTML)
	consumedCIDs = map[string]bool{}

	doc, err := html.Parse(strings.NewReader(clean))
	if err != nil {
		return []Block{paragraphBlock([]RichText{{Text: stripTags(rawHTML)}})}, nil, consumedCIDs
	}

	var all []Block
	emitImage := func(n *html.Node) {
		if b, cid, ok := imageBlock(n, resolveCID); ok {
			all = append(all, b)
			if cid != "" {
				consumedCIDs[cid] = true
			}
		}
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div":
				// A div wrapping further block-level elements is a layout
				// container, not a paragraph; descend instead of flattening
				// its whole subtree into one block.
				if n.Data == "div" && hasBlockChildren(n) {
					break
				}
				if spans := collectRichText(n); len(spans) > 0 {
					all = append(all, paragraphBlock(spans))
				}
				for _, img := range descendantImages(n) {
					emitImage(img)
				}
				return
			case "h1", "h2", "h3":
				if spans := collectRichText(n); len(spans) > 0 {
					all = append(all, headingBlock(n.Data, spans))
				}
				return
			case "li":
				if spans := collectRichText(n); len(spans) > 0 {
					all = append(all, listItemBlock(spans))
				}
				return
			case "img":
				emitImage(n)
				return
			case "br":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(all) == 0 {
		return nil, nil, consumedCIDs
	}
	if len(all) <= MaxBlocksPerCreate {
		return all, nil, consumedCIDs
	}
	return all[:MaxBlocksPerCreate], all[MaxBlocksPerCreate:], consumedCIDs
}

var blockLevelTags = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"ul": true, "ol": true, "li": true, "table": true, "blockquote": true,
}

func hasBlockChildren(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && blockLevelTags[c.Data] {
			return true
		}
	}
	return false
}

// descendantImages returns every <img> in n's subtree, in document order.
func descendantImages(n *html.Node) []*html.Node {
	var imgs []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "img" {
			imgs = append(imgs, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return imgs
}

func collectRichText(n *html.Node) []RichText {
	var spans []RichText
	var walk func(*html.Node, bool, bool, string)
	walk = func(node *html.Node, bold, italic bool, href string) {
		switch node.Type {
		case html.TextNode:
			if text := strings.TrimSpace(node.Data); text != "" {
				spans = append(spans, RichText{Text: TruncateUTF16(node.Data, MaxSpanCodeUnits), Bold: bold, Italic: italic, Href: href})
			}
		case html.ElementNode:
			childBold, childItalic, childHref := bold, italic, href
			switch node.Data {
			case "b", "strong":
				childBold = true
			case "i", "em":
				childItalic = true
			case "a":
				for _, attr := range node.Attr {
					if attr.Key == "href" {
						childHref = attr.Val
					}
				}
			}
			for c := node.FirstChild; c != nil; c = c.NextSibling {
				walk(c, childBold, childItalic, childHref)
			}
		}
	}
	walk(n, false, false, "")
	return spans
}

func richTextJSON(spans []RichText) []map[string]any {
	out := make([]map[string]any, 0, len(spans))
	for _, s := range spans {
		entry := map[string]any{
			"type": "text",
			"text": map[string]any{"content": s.Text},
			"annotations": map[string]any{
				"bold":   s.Bold,
				"italic": s.Italic,
			},
		}
		if s.Href != "" {
			entry["text"].(map[string]any)["link"] = map[string]any{"url": s.Href}
		}
		out = append(out, entry)
	}
	return out
}

func paragraphBlock(spans []RichText) Block {
	return Block{
		"object": "block",
		"type":   "paragraph",
		"paragraph": map[string]any{
			"rich_text": richTextJSON(spans),
		},
	}
}

func headingBlock(tag string, spans []RichText) Block {
	kind := map[string]string{"h1": "heading_1", "h2": "heading_2", "h3": "heading_3"}[tag]
	return Block{
		"object": "block",
		"type":   kind,
		kind: map[string]any{
			"rich_text": richTextJSON(spans),
		},
	}
}

func listItemBlock(spans []RichText) Block {
	return Block{
		"object": "block",
		"type":   "bulleted_list_item",
		"bulleted_list_item": map[string]any{
			"rich_text": richTextJSON(spans),
		},
	}
}

// imageBlock returns the block for an <img>, whether it was produced at
// all, and (for a cid: source) the content-id it consumed.
func imageBlock(n *html.Node, resolveCID CIDResolver) (block Block, consumedCID string, ok bool) {
	var src string
	for _, attr := range n.Attr {
		if attr.Key == "src" {
			src = attr.Val
		}
	}
	if src == "" {
		return nil, "", false
	}

	if strings.HasPrefix(src, "cid:") && resolveCID != nil {
		contentID := strings.TrimPrefix(src, "cid:")
		uploadID, found := resolveCID(contentID)
		if !found {
			return nil, "", false
		}
		return Block{
			"object": "block",
			"type":   "image",
			"image": map[string]any{
				"type":           "file_upload",
				"file_upload_id": uploadID,
			},
		}, contentID, true
	}

	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return Block{
			"object": "block",
			"type":   "image",
			"image": map[string]any{
				"type":     "external",
				"external": map[string]any{"url": src},
			},
		}, "", true
	}

	return nil, "", false
}

// TruncateUTF16 truncates s on a UTF-16 code-unit boundary to at most max
// code units, the remote store's per-span limit. Property values assembled
// outside this package are bound by the same limit, so it is exported.
func TruncateUTF16(s string, max int) string {
	units := utf16.Encode([]rune(s))
	if len(units) <= max {
		return s
	}
	return string(utf16.Decode(units[:max]))
}

var textStripper = bluemonday.StrictPolicy()

func stripTags(rawHTML string) string {
	return textStripper.Sanitize(rawHTML)
}
