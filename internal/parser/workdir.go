package parser

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkDir returns the per-message temporary working directory under root,
// named by the content-addressed digest of the Message-ID to keep path
// lengths bounded on all filesystems.
func WorkDir(root, messageID string) string {
	return filepath.Join(root, InlineImageDigestDir(messageID))
}

// persistParts writes every inline image and attachment to the message's
// working directory and records the resulting local path on each part.
func persistParts(msg *Message, root string) error {
	if len(msg.InlineImages) == 0 && len(msg.Attachments) == 0 {
		return nil
	}

	dir := WorkDir(root, msg.MessageID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}

	for cid, img := range msg.InlineImages {
		path := filepath.Join(dir, safeFilename(img.Filename))
		if err := os.WriteFile(path, img.Content, 0600); err != nil {
			return fmt.Errorf("persist inline image %q: %w", cid, err)
		}
		img.LocalPath = path
		msg.InlineImages[cid] = img
	}

	for i := range msg.Attachments {
		path := filepath.Join(dir, safeFilename(msg.Attachments[i].Filename))
		if err := os.WriteFile(path, msg.Attachments[i].Content, 0600); err != nil {
			return fmt.Errorf("persist attachment %q: %w", msg.Attachments[i].Filename, err)
		}
		msg.Attachments[i].LocalPath = path
	}

	return nil
}

// CleanupWorkDir removes a message's working directory. The files are owned
// by the current cycle and safely re-creatable on restart, so removal is
// always safe.
func CleanupWorkDir(root, messageID string) error {
	if root == "" || messageID == "" {
		return nil
	}
	return os.RemoveAll(WorkDir(root, messageID))
}

// safeFilename strips any path components a hostile sender may have put in
// a declared filename.
func safeFilename(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "part"
	}
	return name
}
