package uploader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Image is a user supplied image payload.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// AcceptedTypes is the filter offered by the file picker.
var AcceptedTypes = []string{"image/png", "image/jpeg", "image/webp"}

// Accepted reports whether contentType passes the picker filter.
func Accepted(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, accepted := range AcceptedTypes {
		if ct == accepted {
			return true
		}
	}
	return false
}

// Uploader turns browse and drop gestures into image selections.
type Uploader struct {
	mu       sync.Mutex
	dragging bool
	onSelect func(Image)
}

// New returns an uploader that hands every selected image to onSelect.
func New(onSelect func(Image)) *Uploader {
	return &Uploader{onSelect: onSelect}
}

// Browse selects the first picked file. Files outside AcceptedTypes are never
// offered by the picker, so they select nothing.
func (u *Uploader) Browse(files []Image) bool {
	if len(files) == 0 || !Accepted(files[0].ContentType) {
		return false
	}
	u.onSelect(files[0])
	return true
}

// Drop ends a drag and selects the first dropped file as-is.
func (u *Uploader) Drop(files []Image) bool {
	u.setDragging(false)
	if len(files) == 0 {
		return false
	}
	u.onSelect(files[0])
	return true
}

func (u *Uploader) DragEnter() { u.setDragging(true) }

func (u *Uploader) DragLeave() { u.setDragging(false) }

// Dragging reports whether a drag is hovering over the drop zone.
func (u *Uploader) Dragging() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dragging
}

func (u *Uploader) setDragging(v bool) {
	u.mu.Lock()
	u.dragging = v
	u.mu.Unlock()
}

// DetectContentType returns declared unless it is empty or generic, in which case
// the type is sniffed from data.
func DetectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(data).String()
}

// LoadFile reads an image from disk.
func LoadFile(path string) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("read image %s: %w", path, err)
	}
	return Image{
		Name:        filepath.Base(path),
		ContentType: DetectContentType("", data),
		Data:        data,
	}, nil
}
