// Package parser turns an RFC 5322 source into the in-memory shape the
// Projector needs: header summary, thread anchor, body, inline images,
// attachments, and any embedded calendar invite.
package parser

import "time"

const (
	// maxPartSize bounds how much of a body or calendar MIME part is read
	// into memory, preventing a hostile or corrupt message from exhausting
	// it. Attachment parts are bounded by the configured
	// MaxAttachmentBytes gate instead.
	maxPartSize = 10 * 1024 * 1024

	// maxInlineContentSize bounds how much inline-image content is kept in
	// memory for upload; larger inline parts are dropped entirely.
	maxInlineContentSize = 5 * 1024 * 1024
)

// InlineImage is one MIME part carrying a Content-ID, addressable by a cid:
// URL in the HTML body (whether or not the body actually references it).
type InlineImage struct {
	ContentID   string
	Filename    string
	ContentType string
	Content     []byte
	LocalPath   string // path under the per-message working directory, when one is configured
}

// Attachment is one non-inline MIME part with Content-Disposition: attachment
// (or a disposition-less part carrying a filename).
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	Content     []byte
	LocalPath   string // path under the per-message working directory, when one is configured
	IsImage     bool   // true if the declared Content-Type is image/*, or, for an extension-less part, if its signature sniffs as an image
}

// CalendarInvite is the decoded shape of an embedded text/calendar part.
type CalendarInvite struct {
	EventUID    string
	Title       string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Organizer   string
	Location    string
	Description string
	JoinURL     string
}

// Message is the complete parsed shape of one RFC 5322 source.
type Message struct {
	MessageID string // without angle brackets
	ThreadID  string // first References entry, else In-Reply-To, else "" (self is the anchor)

	Subject       string
	SenderAddress string
	SenderDisplay string
	ToList        string
	CcList        string
	Date          time.Time

	BodyHTML string
	BodyText string

	InlineImages map[string]InlineImage // keyed by content-id
	Attachments  []Attachment

	Calendar *CalendarInvite
}
