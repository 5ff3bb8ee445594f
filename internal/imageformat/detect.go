// Package imageformat resolves the real format of image bytes regardless of
// any content-type or file name a provider or client claims.
package imageformat

import (
	"bytes"
	"mime"
	"strings"
)

// Format is a detected image format.
type Format struct {
	MimeType  string
	Extension string
}

// minSignatureLen is the shortest buffer Detect will inspect. The WebP form
// type ends at offset 12, so anything shorter cannot be classified reliably.
const minSignatureLen = 12

var (
	PNG  = Format{MimeType: "image/png", Extension: ".png"}
	JPEG = Format{MimeType: "image/jpeg", Extension: ".jpg"}
	WebP = Format{MimeType: "image/webp", Extension: ".webp"}
	GIF  = Format{MimeType: "image/gif", Extension: ".gif"}

	// Unknown is returned when the bytes match no known signature.
	Unknown = Format{}
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
	gifMagic  = []byte("GIF")
)

// IsUnknown reports whether f is the Unknown sentinel.
func (f Format) IsUnknown() bool {
	return f == Unknown
}

// Detect inspects the leading bytes of data. It never fails; unrecognised or
// short input yields Unknown.
func Detect(data []byte) Format {
	if len(data) < minSignatureLen {
		return Unknown
	}
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return PNG
	case bytes.HasPrefix(data, jpegMagic):
		return JPEG
	case bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return WebP
	case bytes.HasPrefix(data, gifMagic):
		return GIF
	default:
		return Unknown
	}
}

// Resolve picks the format for data: byte inspection first, then the
// declared content type when it names a known image format, then PNG.
func Resolve(data []byte, declared string) Format {
	if f := Detect(data); !f.IsUnknown() {
		return f
	}
	if f, ok := FromContentType(declared); ok {
		return f
	}
	return PNG
}

// FromContentType maps a content-type header value onto a known format.
func FromContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/png":
		return PNG, true
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return JPEG, true
	case "image/webp":
		return WebP, true
	case "image/gif":
		return GIF, true
	default:
		return Unknown, false
	}
}
