package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/tbourn/go-support-backend/internal/domain"
)

var (
	// ErrEmptyAttachment is returned for a zero-byte upload.
	ErrEmptyAttachment = errors.New("attachment is empty")
	// ErrAttachmentTooLarge is returned when an upload exceeds the size limit.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrAttachmentType is returned for executable or script content.
	ErrAttachmentType = errors.New("attachment type not allowed")
)

// AttachmentStore persists uploaded files and returns their descriptor.
type AttachmentStore interface {
	Store(ctx context.Context, data []byte, name string) (domain.Attachment, error)
}

// blockedTypes are never stored, whatever the file name claims.
var blockedTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-executable",
	"text/x-shellscript",
	"application/x-msdownload",
}

// DiskStore writes attachments under Dir and serves them from BaseURL.
// The stored content type is sniffed from the bytes, not taken from the client.
type DiskStore struct {
	Dir      string
	BaseURL  string
	MaxBytes int64
}

// Store implements AttachmentStore.
func (d *DiskStore) Store(ctx context.Context, data []byte, name string) (domain.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Attachment{}, err
	}
	if len(data) == 0 {
		return domain.Attachment{}, ErrEmptyAttachment
	}
	if d.MaxBytes > 0 && int64(len(data)) > d.MaxBytes {
		return domain.Attachment{}, ErrAttachmentTooLarge
	}

	mt := mimetype.Detect(data)
	if blocked(mt) {
		return domain.Attachment{}, ErrAttachmentType
	}

	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return domain.Attachment{}, err
	}
	file := uuid.NewString() + mt.Extension()
	if err := os.WriteFile(filepath.Join(d.Dir, file), data, 0o644); err != nil {
		return domain.Attachment{}, err
	}

	return domain.Attachment{
		URL:  strings.TrimRight(d.BaseURL, "/") + "/" + file,
		Name: cleanName(name, mt.Extension()),
		Mime: mt.String(),
		Size: int64(len(data)),
	}, nil
}

// blocked walks up the detected type's parents, so subtypes of a blocked
// family (e.g. ELF shared objects) are refused too.
func blocked(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, b := range blockedTypes {
			if m.Is(b) {
				return true
			}
		}
	}
	return false
}

// cleanName keeps only the base name and falls back to a generic one.
func cleanName(name, ext string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "attachment" + ext
	}
	return name
}
