package chat

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// maxImageSize bounds a single attachment.
const maxImageSize = 20 << 20

// Attachment is an image queued for the next user message.
type Attachment struct {
	Name string
	MIME string
	// Data is raw base64 without a data: URL prefix.
	Data string
}

// LoadAttachment reads an image file and base64-encodes it.
func LoadAttachment(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("reading image: %w", err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxImageSize {
		return Attachment{}, fmt.Errorf("%s is too large (%d bytes, limit %d)", path, info.Size(), maxImageSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("reading image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return Attachment{}, fmt.Errorf("%s is not an image (%s)", path, mime)
	}

	return Attachment{
		Name: filepath.Base(path),
		MIME: mime,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}
