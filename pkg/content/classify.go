// Package content classifies raw file bytes into renderable text, displayable images or
// unreadable binary.
package content

import (
	"bytes"
	"encoding/base64"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fruitsalade/sandboxfs/pkg/models"
)

// displayable lists binary image formats a viewer can render from a data URI.
var displayable = map[string]bool{
	"image/png":                true,
	"image/jpeg":               true,
	"image/gif":                true,
	"image/webp":               true,
	"image/bmp":                true,
	"image/x-icon":             true,
	"image/vnd.microsoft.icon": true,
	"image/avif":               true,
	"image/tiff":               true,
}

// Classify decides how data read from the file called name should be presented.
// It never fails: content that is neither text nor a displayable image is Unreadable.
func Classify(data []byte, name string) models.ContentState {
	if len(data) == 0 {
		return models.Text("")
	}

	detected := mimetype.Detect(data)
	if mt := baseType(detected.String()); displayable[mt] {
		return models.Image(DataURI(mt, data))
	}

	if isText(data) {
		return models.Text(string(data))
	}

	// Formats the sniffer does not know, named by extension.
	if mt := baseType(mime.TypeByExtension(strings.ToLower(path.Ext(name)))); displayable[mt] {
		return models.Image(DataURI(mt, data))
	}

	return models.Unreadable()
}

// DataURI encodes data as a base64 data URI of the given media type.
func DataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

func baseType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(strings.ToLower(mt))
}
