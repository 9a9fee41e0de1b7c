package blocks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertSimpleParagraphs(t *testing.T) {
	html := "<p>Hello <b>world</b></p><p>Second paragraph</p>"
	initial, overflow, consumed := Convert(html, nil)
	require.Empty(t, overflow)
	require.Len(t, initial, 2)
	require.Equal(t, "paragraph", initial[0]["type"])
	require.Empty(t, consumed)
}

func TestConvertStripsScriptTags(t *testing.T) {
	html := `<p>safe</p><script>alert(1)</script>`
	initial, _, _ := Convert(html, nil)
	require.Len(t, initial, 1)
}

func TestConvertResolvesCIDImages(t *testing.T) {
	html := `<p>before</p><img src="cid:img1"><p>after</p>`
	resolver := func(contentID string) (string, bool) {
		if contentID == "img1" {
			return "upload-abc", true
		}
		return "", false
	}

	initial, _, consumed := Convert(html, resolver)
	require.Len(t, initial, 3)
	require.Equal(t, "image", initial[1]["type"])
	img := initial[1]["image"].(map[string]any)
	require.Equal(t, "upload-abc", img["file_upload_id"])
	require.True(t, consumed["img1"])
}

func TestConvertDropsUnresolvableCIDImage(t *testing.T) {
	html := `<p>before</p><img src="cid:missing"><p>after</p>`
	resolver := func(contentID string) (string, bool) { return "", false }

	initial, _, consumed := Convert(html, resolver)
	require.Len(t, initial, 2)
	require.Empty(t, consumed)
}

func TestConvertEmitsImageNestedInParagraph(t *testing.T) {
	html := `<p>look: <img src="cid:img1"></p>`
	resolver := func(contentID string) (string, bool) { return "upload-1", contentID == "img1" }

	initial, _, consumed := Convert(html, resolver)
	require.Len(t, initial, 2)
	require.Equal(t, "paragraph", initial[0]["type"])
	require.Equal(t, "image", initial[1]["type"])
	require.True(t, consumed["img1"])
}

func TestConvertDescendsIntoContainerDivs(t *testing.T) {
	html := `<div><div>first line</div><div>second line</div></div>`
	initial, _, _ := Convert(html, nil)
	require.Len(t, initial, 2)
}

func TestConvertOverflowBeyondMaxBlocks(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxBlocksPerCreate+10; i++ {
		b.WriteString("<p>paragraph</p>")
	}

	initial, overflow, _ := Convert(b.String(), nil)
	require.Len(t, initial, MaxBlocksPerCreate)
	require.Len(t, overflow, 10)
}

func TestTruncateUTF16RespectsCodeUnitLimit(t *testing.T) {
	long := strings.Repeat("a", MaxSpanCodeUnits+500)
	truncated := TruncateUTF16(long, MaxSpanCodeUnits)
	require.Len(t, []rune(truncated), MaxSpanCodeUnits)
}

func TestCollectRichTextAppliesBoldAndLinks(t *testing.T) {
	html := `<p>plain <b>bold</b> <a href="https://example.com">link</a></p>`
	initial, _, _ := Convert(html, nil)
	require.Len(t, initial, 1)
	spans := initial[0]["paragraph"].(map[string]any)["rich_text"].([]map[string]any)
	require.True(t, len(spans) >= 2)
}
