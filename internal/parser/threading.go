package parser

import (
	"strings"

	gomessage "github.com/emersion/go-message"
)

// extractReferences returns the References header's entries, angle-bracket
// delimited, in header order.
func extractReferences(h gomessage.Header) []string {
	refsHeader := h.Get("References")
	if refsHeader == "" {
		return nil
	}

	var refs []string
	for _, part := range strings.Fields(refsHeader) {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "<") && strings.HasSuffix(part, ">") {
			refs = append(refs, part)
		}
	}
	return refs
}

// computeThreadID derives the thread anchor: first entry of References,
// else In-Reply-To, else "" (the message is its own anchor).
func computeThreadID(h gomessage.Header) string {
	refs := extractReferences(h)
	if len(refs) > 0 {
		return trimAngleBrackets(refs[0])
	}

	if inReplyTo := strings.TrimSpace(h.Get("In-Reply-To")); inReplyTo != "" {
		return trimAngleBrackets(inReplyTo)
	}

	return ""
}

func trimAngleBrackets(id string) string {
	return strings.Trim(id, "<> \t")
}
