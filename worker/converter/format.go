package converter

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is one of the closed set of output formats a conversion can target.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWEBP Format = "webp"
	FormatBMP  Format = "bmp"
	FormatGIF  Format = "gif"
	FormatTIFF Format = "tiff"
	FormatPDF  Format = "pdf"
	FormatICO  Format = "ico"
)

// DefaultFormat is used for new items until a batch or item format is chosen.
const DefaultFormat = FormatPNG

// Formats lists every supported output format in display order.
var Formats = []Format{
	FormatPNG,
	FormatJPEG,
	FormatWEBP,
	FormatBMP,
	FormatGIF,
	FormatTIFF,
	FormatPDF,
	FormatICO,
}

var mimeTypes = map[Format]string{
	FormatPNG:  "image/png",
	FormatJPEG: "image/jpeg",
	FormatWEBP: "image/webp",
	FormatBMP:  "image/bmp",
	FormatGIF:  "image/gif",
	FormatTIFF: "image/tiff",
	FormatPDF:  "application/pdf",
	// icons are delivered as PNG payloads
	FormatICO: "image/png",
}

// ParseFormat normalizes s and checks it against the supported set.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	return f, nil
}

func (f Format) Valid() bool {
	_, ok := mimeTypes[f]
	return ok
}

func (f Format) String() string {
	return string(f)
}

// Extension returns the canonical file extension without the leading dot.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// MIMEType returns the media type of the payload Convert produces for f.
func (f Format) MIMEType() string {
	return mimeTypes[f]
}

// OutputFilename derives the download name for name converted to f:
// the base name with its last extension replaced by f's extension.
func OutputFilename(name string, f Format) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "image"
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base + "." + f.Extension()
}
