package parser

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/hkdb/syncd/internal/logging"
)

// imageSignatures are the magic bytes used to classify an extension-less
// attachment as an image.
var imageSignatures = []struct {
	sig []byte
	ext string
}{
	{[]byte("\x89PNG"), ".png"},
	{[]byte("\xff\xd8\xff"), ".jpg"},
	{[]byte("GIF87a"), ".gif"},
	{[]byte("GIF89a"), ".gif"},
}

// Options configures the size and extension gates applied to attachments.
type Options struct {
	// MaxAttachmentBytes drops attachments larger than this (the caller
	// supplies the configured default of 20MiB). Zero or less applies the
	// generic per-part cap, maxPartSize, instead.
	MaxAttachmentBytes int64

	// AllowedAttachmentExts whitelists disposition-named attachment
	// extensions, lowercase with leading dot. Empty means "allow all".
	// Extension-less parts that sniff as images are always allowed.
	AllowedAttachmentExts map[string]bool

	// TempDir, when set, is the root under which each message's inline
	// images and attachments are persisted to a working directory named by
	// a digest of the Message-ID. Empty keeps parts in memory only.
	TempDir string
}

// Parse turns a raw RFC 5322 source into a Message. Parsing failures fall
// back to treating the entire source as an unstructured plain-text body
// rather than failing outright: real-world mail is malformed often enough
// that a hard error here would stall the pipeline.
func Parse(raw []byte, opts Options) (*Message, error) {
	log := logging.WithComponent("parser")

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		log.Debug().Err(err).Int("raw_len", len(raw)).Msg("failed to parse message, treating as plain text")
		return &Message{BodyText: string(raw)}, nil
	}

	msg := &Message{
		InlineImages: map[string]InlineImage{},
		ThreadID:     computeThreadID(entity.Header),
	}

	mh := mail.Header{Header: entity.Header}
	if subject, err := mh.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = decodeMIMEWord(entity.Header.Get("Subject"))
	}
	if msgID, err := mh.MessageID(); err == nil && msgID != "" {
		msg.MessageID = msgID
	}
	if date, err := mh.Date(); err == nil {
		msg.Date = date
	}
	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderAddress = from[0].Address
		msg.SenderDisplay = from[0].Name
	}
	msg.ToList = joinAddressList(mh, "To")
	msg.CcList = joinAddressList(mh, "Cc")

	if mr := entity.MultipartReader(); mr != nil {
		parseMultipart(mr, msg, opts)
	} else {
		parseSinglePart(entity, msg)
	}

	if opts.TempDir != "" && msg.MessageID != "" {
		if err := persistParts(msg, opts.TempDir); err != nil {
			log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("failed to persist parts to working directory")
		}
	}

	return msg, nil
}

func joinAddressList(mh mail.Header, key string) string {
	addrs, err := mh.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.Address
	}
	return strings.Join(parts, ", ")
}

func parseMultipart(mr gomessage.MultipartReader, msg *Message, opts Options) {
	log := logging.WithComponent("parser")

	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "EOF") {
				log.Debug().Err(err).Msg("error reading multipart")
			}
			return
		}

		contentType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		contentID := strings.Trim(part.Header.Get("Content-ID"), "<>")

		if strings.HasPrefix(contentType, "multipart/") {
			if nested := part.MultipartReader(); nested != nil {
				parseMultipart(nested, msg, opts)
			}
			continue
		}

		if contentType == "text/calendar" {
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
			if invite := parseCalendarInvite(body); invite != nil {
				msg.Calendar = invite
			}
			continue
		}

		// A disposition-less part carrying a Content-Type "name=" param is
		// still an attachment, just one whose sender omitted
		// Content-Disposition entirely.
		namedWithoutDisposition := disposition == "" && params["name"] != ""

		if disposition == "attachment" || namedWithoutDisposition {
			isInline := contentID != ""
			if isInline {
				if img := extractInlineImage(part, contentType, contentID); img != nil {
					msg.InlineImages[contentID] = *img
				}
			} else if att := extractAttachment(part, contentType, dispParams, opts); att != nil {
				msg.Attachments = append(msg.Attachments, *att)
			}
			continue
		}

		if contentID != "" && strings.HasPrefix(contentType, "image/") {
			if img := extractInlineImage(part, contentType, contentID); img != nil {
				msg.InlineImages[contentID] = *img
			}
			continue
		}

		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil && len(body) == 0 {
			continue
		}

		charsetName := params["charset"]
		if charsetName == "" && contentType == "text/html" {
			charsetName = extractCharsetFromHTML(body)
		}
		decoded := decodeCharset(decodeQuotedPrintableIfNeeded(body), charsetName)

		switch contentType {
		case "text/plain":
			if msg.BodyText == "" {
				msg.BodyText = decoded
			}
		case "text/html":
			if msg.BodyHTML == "" {
				msg.BodyHTML = decoded
			}
		}
	}
}

func parseSinglePart(entity *gomessage.Entity, msg *Message) {
	contentType, params, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))

	body, err := io.ReadAll(io.LimitReader(entity.Body, maxPartSize))
	if err != nil && len(body) == 0 {
		return
	}

	if contentType == "text/calendar" {
		if invite := parseCalendarInvite(body); invite != nil {
			msg.Calendar = invite
		}
		return
	}

	charsetName := params["charset"]
	if charsetName == "" && contentType == "text/html" {
		charsetName = extractCharsetFromHTML(body)
	}
	decoded := decodeCharset(decodeQuotedPrintableIfNeeded(body), charsetName)

	if contentType == "text/html" {
		msg.BodyHTML = decoded
	} else {
		msg.BodyText = decoded
	}
}

func extractInlineImage(part *gomessage.Entity, contentType, contentID string) *InlineImage {
	content, err := io.ReadAll(io.LimitReader(part.Body, maxInlineContentSize+1))
	if err != nil && len(content) == 0 {
		return nil
	}
	if len(content) > maxInlineContentSize {
		logger := logging.WithComponent("parser")
		logger.Debug().Str("content_id", contentID).Msg("inline image too large, dropping content")
		return nil
	}

	filename := decodeMIMEWord(dispositionFilename(part))
	if filename == "" {
		filename = contentID + extensionForContentType(contentType)
	}

	return &InlineImage{
		ContentID:   contentID,
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	}
}

func extractAttachment(part *gomessage.Entity, contentType string, dispParams map[string]string, opts Options) *Attachment {
	log := logging.WithComponent("parser")

	filename := decodeMIMEWord(dispParams["filename"])
	if filename == "" {
		_, ctParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		filename = decodeMIMEWord(ctParams["name"])
	}

	// Read one byte past the drop threshold so an oversize part is detected
	// and dropped rather than silently truncated to the read cap.
	readCap := opts.MaxAttachmentBytes
	if readCap <= 0 {
		readCap = maxPartSize
	}
	content, err := io.ReadAll(io.LimitReader(part.Body, readCap+1))
	if err != nil && len(content) == 0 {
		return nil
	}

	if int64(len(content)) > readCap {
		log.Info().Str("filename", filename).Int64("max_bytes", readCap).Msg("attachment dropped: exceeds max_attachment_bytes")
		return nil
	}

	ext := strings.ToLower(extOf(filename))
	isImage := false

	if ext == "" {
		if sniffedExt, ok := sniffImageExtension(content); ok {
			ext = sniffedExt
			isImage = true
			if filename == "" {
				filename = "attachment" + ext
			}
		}
	} else {
		isImage = strings.HasPrefix(contentType, "image/")
	}

	if filename == "" {
		filename = "attachment" + extensionForContentType(contentType)
	}

	if !isImage && len(opts.AllowedAttachmentExts) > 0 && !opts.AllowedAttachmentExts[ext] {
		log.Info().Str("filename", filename).Str("ext", ext).Msg("attachment dropped: extension not allowed")
		return nil
	}

	return &Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        len(content),
		Content:     content,
		IsImage:     isImage,
	}
}

func sniffImageExtension(content []byte) (string, bool) {
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(content, sig.sig) {
			return sig.ext, true
		}
	}
	return "", false
}

func dispositionFilename(part *gomessage.Entity) string {
	_, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if name := dispParams["filename"]; name != "" {
		return name
	}
	_, ctParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
	return ctParams["name"]
}

func extOf(filename string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		return filename[idx:]
	}
	return ""
}

func extensionForContentType(contentType string) string {
	if strings.HasPrefix(contentType, "image/") {
		if parts := strings.SplitN(contentType, "/", 2); len(parts) == 2 {
			return "." + parts[1]
		}
	}
	return ".bin"
}

// InlineImageDigestDir returns the 16-character content-addressed digest
// used to name a message's temporary working directory, keeping path
// lengths bounded on all filesystems.
func InlineImageDigestDir(messageID string) string {
	sum := sha1.Sum([]byte(messageID))
	return hex.EncodeToString(sum[:])[:16]
}
