// Package projector idempotently creates the remote document database page
// for one parsed message: thread linkage, inline images, attachments,
// property assembly, and an optional linked calendar page.
package projector

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkdb/syncd/internal/blocks"
	"github.com/hkdb/syncd/internal/fetcher"
	"github.com/hkdb/syncd/internal/logging"
	"github.com/hkdb/syncd/internal/parser"
	"github.com/hkdb/syncd/internal/remote"
	"github.com/hkdb/syncd/internal/state"
)

const (
	messageIDProperty = "Message ID"
	threadIDProperty  = "Thread ID"
	eventIDProperty   = "Event ID"

	// defaultFallbackAnchorTitle and defaultFallbackAnchorMessageID are the
	// well-known constants identifying the fallback anchor page.
	defaultFallbackAnchorTitle     = "(Unresolved Thread)"
	defaultFallbackAnchorMessageID = "__syncd_fallback_anchor__"
)

// Config configures a Projector.
type Config struct {
	// EmailDatabaseID and CalendarDatabaseID are the two remote databases
	// email pages and calendar pages are projected into.
	EmailDatabaseID    string
	CalendarDatabaseID string

	// FallbackAnchorTitle / FallbackAnchorMessageID override the well-known
	// fallback anchor identity. Empty values fall back to the
	// defaultFallbackAnchor* constants.
	FallbackAnchorTitle     string
	FallbackAnchorMessageID string

	// ParseOptions is reused when the Projector must parse an anchor message
	// fetched during thread resolution.
	ParseOptions parser.Options
}

// Projector creates remote pages for parsed messages.
type Projector struct {
	remote  *remote.Client
	fetcher *fetcher.Fetcher
	store   *state.Store
	cfg     Config
	log     zerolog.Logger

	fallbackAnchorPageID string
}

// New constructs a Projector.
func New(remoteClient *remote.Client, f *fetcher.Fetcher, store *state.Store, cfg Config) *Projector {
	if cfg.FallbackAnchorTitle == "" {
		cfg.FallbackAnchorTitle = defaultFallbackAnchorTitle
	}
	if cfg.FallbackAnchorMessageID == "" {
		cfg.FallbackAnchorMessageID = defaultFallbackAnchorMessageID
	}
	return &Projector{
		remote:  remoteClient,
		fetcher: f,
		store:   store,
		cfg:     cfg,
		log:     logging.WithComponent("projector"),
	}
}

// Project idempotently creates the remote page for one fetched-and-parsed
// message and records the result in the State Store.
func (p *Projector) Project(ctx context.Context, rec state.Record, msg *parser.Message, rawSource []byte) error {
	if err := p.resolveMessageIDCollision(rec.InternalID, msg.MessageID); err != nil {
		return fmt.Errorf("resolve message id collision: %w", err)
	}

	meta := &pageMeta{
		Mailbox:        rec.Mailbox,
		IsRead:         rec.IsRead,
		IsFlagged:      rec.IsFlagged,
		HasAttachments: rec.HasAttachments,
	}

	pageID, err := p.projectMessage(ctx, msg, rawSource, true, meta)
	if err != nil {
		return err
	}

	if err := p.store.MarkSynced(rec.InternalID, pageID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	if msg.Calendar != nil {
		if err := p.projectCalendar(ctx, msg.Calendar); err != nil {
			// Calendar projection failure never affects email projection
			// success.
			p.log.Warn().Err(err).Str("event_uid", msg.Calendar.EventUID).Msg("calendar projection failed")
		}
	}

	return nil
}

// pageMeta carries the Radar/Fetcher-derived flags that live on the State
// Store record rather than the parsed message itself. It is nil when
// projecting a thread anchor resolved purely via message-id lookup, since
// such an anchor has no corresponding detection record.
type pageMeta struct {
	Mailbox        string
	IsRead         bool
	IsFlagged      bool
	HasAttachments bool
}

// projectMessage performs the idempotence gate, thread resolution (when
// resolveThread is true), upload, conversion, and page creation for one
// message, returning the remote page id. resolveThread is false only when
// projecting a thread anchor discovered mid-resolution, bounding recursion
// to depth 1.
func (p *Projector) projectMessage(ctx context.Context, msg *parser.Message, rawSource []byte, resolveThread bool, meta *pageMeta) (string, error) {
	if existing, err := p.remote.FindPageByProperty(ctx, p.cfg.EmailDatabaseID, messageIDProperty, msg.MessageID); err != nil {
		return "", fmt.Errorf("idempotence check for %q: %w", msg.MessageID, err)
	} else if existing != "" {
		return existing, nil
	}

	var parentPageID string
	if resolveThread && msg.ThreadID != "" && msg.ThreadID != msg.MessageID {
		id, err := p.resolveAnchor(ctx, msg.ThreadID)
		if err != nil {
			return "", fmt.Errorf("resolve thread anchor %q: %w", msg.ThreadID, err)
		}
		parentPageID = id
	}

	inlineUploads, err := p.uploadInlineImages(ctx, msg.InlineImages)
	if err != nil {
		return "", fmt.Errorf("upload inline images: %w", err)
	}

	body := msg.BodyHTML
	if body == "" {
		body = textToParagraphHTML(msg.BodyText)
	}
	initial, overflow, consumedCIDs := blocks.Convert(body, cidResolverFor(inlineUploads))

	attachmentBlocks, err := p.uploadAttachmentBlocks(ctx, msg, inlineUploads, consumedCIDs)
	if err != nil {
		return "", fmt.Errorf("upload attachments: %w", err)
	}
	children := append(attachmentBlocks, initial...)
	if len(children) > blocks.MaxBlocksPerCreate {
		// The Attachments section pushes body blocks past the create limit;
		// move the excess to the front of the follow-on append.
		overflow = append(append([]blocks.Block{}, children[blocks.MaxBlocksPerCreate:]...), overflow...)
		children = children[:blocks.MaxBlocksPerCreate]
	}

	emlUploadID, err := p.uploadOriginalEML(ctx, msg.MessageID, rawSource)
	if err != nil {
		return "", fmt.Errorf("upload original eml: %w", err)
	}

	properties := buildProperties(msg, parentPageID, emlUploadID, meta)

	toNotionBlocks := make([]map[string]any, 0, len(children))
	for _, b := range children {
		toNotionBlocks = append(toNotionBlocks, map[string]any(b))
	}

	page, err := p.remote.CreatePage(ctx, p.cfg.EmailDatabaseID, properties, toNotionBlocks)
	if err != nil {
		return "", fmt.Errorf("create page for %q: %w", msg.MessageID, err)
	}

	if len(overflow) > 0 {
		overflowBlocks := make([]map[string]any, 0, len(overflow))
		for _, b := range overflow {
			overflowBlocks = append(overflowBlocks, map[string]any(b))
		}
		if err := p.remote.AppendBlockChildren(ctx, page.ID, overflowBlocks); err != nil {
			return "", fmt.Errorf("append overflow blocks to %s: %w", page.ID, err)
		}
	}

	return page.ID, nil
}

// resolveAnchor implements the three-step thread-anchor resolution
// algorithm.
func (p *Projector) resolveAnchor(ctx context.Context, threadID string) (string, error) {
	if pageID, err := p.remote.FindPageByProperty(ctx, p.cfg.EmailDatabaseID, messageIDProperty, threadID); err != nil {
		return "", fmt.Errorf("query anchor %q: %w", threadID, err)
	} else if pageID != "" {
		return pageID, nil
	}

	unresolvable, err := p.store.IsUnresolvableAnchor(threadID)
	if err != nil {
		return "", fmt.Errorf("check unresolvable anchor cache: %w", err)
	}
	if unresolvable {
		return p.fallbackAnchor(ctx)
	}

	summary, found, err := p.fetcher.FetchByMessageID(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("fetch anchor by message id %q: %w", threadID, err)
	}
	if !found {
		if err := p.store.RememberUnresolvableAnchor(threadID); err != nil {
			return "", fmt.Errorf("remember unresolvable anchor %q: %w", threadID, err)
		}
		return p.fallbackAnchor(ctx)
	}

	anchorMsg, err := parser.Parse(summary.Source, p.cfg.ParseOptions)
	if err != nil {
		return "", fmt.Errorf("parse anchor message %q: %w", threadID, err)
	}

	// Depth-limited to 1: the anchor's own thread is never resolved. No
	// detection record exists for an anchor resolved this way.
	pageID, err := p.projectMessage(ctx, anchorMsg, summary.Source, false, nil)
	if err != nil {
		return "", fmt.Errorf("project anchor message %q: %w", threadID, err)
	}
	return pageID, nil
}

// fallbackAnchor returns the well-known fallback anchor page id, creating it
// if it does not yet exist.
func (p *Projector) fallbackAnchor(ctx context.Context) (string, error) {
	if p.fallbackAnchorPageID != "" {
		return p.fallbackAnchorPageID, nil
	}

	existing, err := p.remote.FindPageByProperty(ctx, p.cfg.EmailDatabaseID, messageIDProperty, p.cfg.FallbackAnchorMessageID)
	if err != nil {
		return "", fmt.Errorf("query fallback anchor: %w", err)
	}
	if existing != "" {
		p.fallbackAnchorPageID = existing
		return existing, nil
	}

	properties := map[string]any{
		"Subject":         titleProperty(p.cfg.FallbackAnchorTitle),
		messageIDProperty: richText(p.cfg.FallbackAnchorMessageID),
	}
	page, err := p.remote.CreatePage(ctx, p.cfg.EmailDatabaseID, properties, nil)
	if err != nil {
		return "", fmt.Errorf("create fallback anchor: %w", err)
	}
	p.fallbackAnchorPageID = page.ID
	return page.ID, nil
}

// resolveMessageIDCollision handles duplicate observations:
// if the same message_id is already tracked under a different internal_id,
// the synced record is preferred and the other is deleted.
func (p *Projector) resolveMessageIDCollision(internalID int64, messageID string) error {
	if messageID == "" {
		return nil
	}
	existing, err := p.store.FindByMessageID(messageID)
	if err != nil {
		return err
	}
	if existing == nil || existing.InternalID == internalID {
		return nil
	}

	if existing.SyncStatus == state.StatusSynced {
		return p.store.Delete(internalID)
	}
	return p.store.Delete(existing.InternalID)
}

// uploadedInlineImage pairs an inline image with the file handle it was
// uploaded to, so a reference the HTML never consumed can still be
// presented in the Attachments section without a second upload.
type uploadedInlineImage struct {
	contentID string
	image     parser.InlineImage
	uploadID  string
}

// uploadInlineImages uploads every inline image part via the three-step
// upload protocol before HTML conversion, so cid: references resolve to
// real upload handles.
func (p *Projector) uploadInlineImages(ctx context.Context, images map[string]parser.InlineImage) ([]uploadedInlineImage, error) {
	if len(images) == 0 {
		return nil, nil
	}

	uploaded := make([]uploadedInlineImage, 0, len(images))
	for cid, img := range images {
		handle, err := p.remote.CreateFileUpload(ctx, img.Filename, img.ContentType)
		if err != nil {
			return nil, fmt.Errorf("create upload for inline image %q: %w", cid, err)
		}
		if err := p.remote.SendFileUpload(ctx, handle.UploadID, img.Content, img.ContentType); err != nil {
			return nil, fmt.Errorf("send inline image %q: %w", cid, err)
		}
		uploaded = append(uploaded, uploadedInlineImage{contentID: cid, image: img, uploadID: handle.UploadID})
	}
	return uploaded, nil
}

// cidResolverFor builds the blocks.CIDResolver the HTML→block walk uses to
// resolve <img src="cid:..."> references against already-uploaded handles.
func cidResolverFor(uploaded []uploadedInlineImage) blocks.CIDResolver {
	if len(uploaded) == 0 {
		return nil
	}
	byCID := make(map[string]string, len(uploaded))
	for _, u := range uploaded {
		byCID[u.contentID] = u.uploadID
	}
	return func(contentID string) (string, bool) {
		id, ok := byCID[contentID]
		return id, ok
	}
}

// uploadAttachmentBlocks uploads every non-inline attachment, plus any
// inline image the HTML body never referenced by cid, and presents them
// all in a named "Attachments" section at the top of the page body.
func (p *Projector) uploadAttachmentBlocks(ctx context.Context, msg *parser.Message, inlineUploads []uploadedInlineImage, consumedCIDs map[string]bool) ([]blocks.Block, error) {
	var unconsumed []uploadedInlineImage
	for _, u := range inlineUploads {
		if !consumedCIDs[u.contentID] {
			unconsumed = append(unconsumed, u)
		}
	}

	if len(msg.Attachments) == 0 && len(unconsumed) == 0 {
		return nil, nil
	}

	out := []blocks.Block{
		{
			"object": "block",
			"type":   "heading_2",
			"heading_2": map[string]any{
				"rich_text": []map[string]any{{"type": "text", "text": map[string]any{"content": "Attachments"}}},
			},
		},
	}

	for _, att := range msg.Attachments {
		handle, err := p.remote.CreateFileUpload(ctx, att.Filename, att.ContentType)
		if err != nil {
			p.log.Warn().Err(err).Str("filename", att.Filename).Msg("failed to create attachment upload, skipping")
			continue
		}
		if err := p.remote.SendFileUpload(ctx, handle.UploadID, att.Content, att.ContentType); err != nil {
			p.log.Warn().Err(err).Str("filename", att.Filename).Msg("failed to send attachment upload, skipping")
			continue
		}
		out = append(out, blocks.Block{
			"object": "block",
			"type":   "file",
			"file": map[string]any{
				"type":           "file_upload",
				"file_upload_id": handle.UploadID,
				"caption":        []map[string]any{{"type": "text", "text": map[string]any{"content": att.Filename}}},
			},
		})
	}

	for _, u := range unconsumed {
		out = append(out, blocks.Block{
			"object": "block",
			"type":   "file",
			"file": map[string]any{
				"type":           "file_upload",
				"file_upload_id": u.uploadID,
				"caption":        []map[string]any{{"type": "text", "text": map[string]any{"content": u.image.Filename}}},
			},
		})
	}

	if len(out) == 1 {
		// Every attachment and unconsumed inline image failed to upload or
		// was consumed; no section worth keeping.
		return nil, nil
	}
	return out, nil
}

// uploadOriginalEML uploads the raw RFC 822 source as the "Original EML"
// file property.
func (p *Projector) uploadOriginalEML(ctx context.Context, messageID string, rawSource []byte) (string, error) {
	filename := messageID + ".eml"
	handle, err := p.remote.CreateFileUpload(ctx, filename, "message/rfc822")
	if err != nil {
		return "", fmt.Errorf("create upload for original eml: %w", err)
	}
	if err := p.remote.SendFileUpload(ctx, handle.UploadID, rawSource, "message/rfc822"); err != nil {
		return "", fmt.Errorf("send original eml: %w", err)
	}
	return handle.UploadID, nil
}

// projectCalendar decodes a calendar invite into a separate remote
// database, keyed by event_uid: create-or-update.
func (p *Projector) projectCalendar(ctx context.Context, invite *parser.CalendarInvite) error {
	if p.cfg.CalendarDatabaseID == "" || invite.EventUID == "" {
		return nil
	}

	existing, err := p.remote.FindPageByProperty(ctx, p.cfg.CalendarDatabaseID, eventIDProperty, invite.EventUID)
	if err != nil {
		return fmt.Errorf("query calendar page: %w", err)
	}

	properties := buildCalendarProperties(invite)

	if existing != "" {
		if err := p.remote.UpdatePage(ctx, existing, properties); err != nil {
			return fmt.Errorf("update calendar page %s: %w", existing, err)
		}
		return nil
	}

	if _, err := p.remote.CreatePage(ctx, p.cfg.CalendarDatabaseID, properties, nil); err != nil {
		return fmt.Errorf("create calendar page: %w", err)
	}
	return nil
}

func buildCalendarProperties(invite *parser.CalendarInvite) map[string]any {
	title := invite.Title
	if title == "" {
		title = "(Untitled Event)"
	}

	props := map[string]any{
		"Title":         titleProperty(title),
		eventIDProperty: richText(invite.EventUID),
		"Organizer":     richText(invite.Organizer),
		"Location":      richText(invite.Location),
		"Description":   richText(invite.Description),
		"All Day":       map[string]any{"checkbox": invite.AllDay},
	}
	if !invite.Start.IsZero() {
		date := map[string]any{"start": dateValue(invite.Start, invite.AllDay)}
		if !invite.End.IsZero() {
			date["end"] = dateValue(invite.End, invite.AllDay)
		}
		props["When"] = map[string]any{"date": date}
	}
	if invite.JoinURL != "" {
		props["Join URL"] = map[string]any{"url": invite.JoinURL}
	}
	return props
}

func dateValue(t time.Time, allDay bool) string {
	if allDay {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// textToParagraphHTML wraps a plain-text fallback body as a single
// paragraph so Convert has something to emit when no HTML body exists.
func textToParagraphHTML(text string) string {
	if text == "" {
		return ""
	}
	return "<p>" + html.EscapeString(text) + "</p>"
}

func buildProperties(msg *parser.Message, parentPageID, emlUploadID string, meta *pageMeta) map[string]any {
	subject := msg.Subject
	if subject == "" {
		subject = "(No Subject)"
	}

	props := map[string]any{
		"Subject":         titleProperty(subject),
		messageIDProperty: richText(msg.MessageID),
		threadIDProperty:  richText(msg.ThreadID),
		"From":            map[string]any{"email": msg.SenderAddress},
		"From Name":       richText(msg.SenderDisplay),
		"To":              richText(msg.ToList),
		"CC":              richText(msg.CcList),
	}
	if !msg.Date.IsZero() {
		props["Date"] = map[string]any{"date": map[string]any{"start": msg.Date.Format(time.RFC3339)}}
	}
	if meta != nil {
		props["Mailbox"] = map[string]any{"select": map[string]any{"name": meta.Mailbox}}
		props["Is Read"] = map[string]any{"checkbox": meta.IsRead}
		props["Is Flagged"] = map[string]any{"checkbox": meta.IsFlagged}
		props["Has Attachments"] = map[string]any{"checkbox": meta.HasAttachments}
	}
	if parentPageID != "" {
		props["Parent Item"] = map[string]any{"relation": []map[string]any{{"id": parentPageID}}}
	}
	if emlUploadID != "" {
		props["Original EML"] = map[string]any{
			"files": []map[string]any{
				{
					"type":        "file_upload",
					"file_upload": map[string]any{"id": emlUploadID},
					"name":        msg.MessageID + ".eml",
				},
			},
		}
	}
	return props
}

// Property-level spans are bound by the same per-span code-unit limit as
// body text, so a long CC list or calendar description never produces a
// request the remote store deterministically rejects.
func titleProperty(text string) map[string]any {
	text = blocks.TruncateUTF16(text, blocks.MaxSpanCodeUnits)
	return map[string]any{"title": []map[string]any{{"type": "text", "text": map[string]any{"content": text}}}}
}

func richText(text string) map[string]any {
	text = blocks.TruncateUTF16(text, blocks.MaxSpanCodeUnits)
	return map[string]any{"rich_text": []map[string]any{{"type": "text", "text": map[string]any{"content": text}}}}
}
