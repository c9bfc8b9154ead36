package validation

import (
	"bytes"
	"mime"
	"strings"
)

type FileType string

const (
	FileTypePNG  FileType = "png"
	FileTypeJPEG FileType = "jpeg"
	FileTypeGIF  FileType = "gif"
	FileTypeWEBP FileType = "webp"
	FileTypeBMP  FileType = "bmp"
	FileTypeTIFF FileType = "tiff"
	FileTypeICO  FileType = "ico"
)

var contentTypes = map[FileType]string{
	FileTypePNG:  "image/png",
	FileTypeJPEG: "image/jpeg",
	FileTypeGIF:  "image/gif",
	FileTypeWEBP: "image/webp",
	FileTypeBMP:  "image/bmp",
	FileTypeTIFF: "image/tiff",
	FileTypeICO:  "image/x-icon",
}

type signature struct {
	fileType FileType
	offset   int
	magic    []byte
}

var signatures = []signature{
	{FileTypePNG, 0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{FileTypeJPEG, 0, []byte{0xFF, 0xD8, 0xFF}},
	{FileTypeGIF, 0, []byte("GIF8")},
	{FileTypeWEBP, 8, []byte("WEBP")},
	{FileTypeBMP, 0, []byte("BM")},
	{FileTypeTIFF, 0, []byte{0x49, 0x49, 0x2A, 0x00}},
	{FileTypeTIFF, 0, []byte{0x4D, 0x4D, 0x00, 0x2A}},
	{FileTypeICO, 0, []byte{0x00, 0x00, 0x01, 0x00}},
}

// DetectFileType sniffs the leading bytes of data for a known image
// signature.
func DetectFileType(data []byte) (FileType, error) {
	for _, sig := range signatures {
		if len(data) < sig.offset+len(sig.magic) {
			continue
		}
		if sig.fileType == FileTypeWEBP && !bytes.HasPrefix(data, []byte("RIFF")) {
			continue
		}
		if bytes.Equal(data[sig.offset:sig.offset+len(sig.magic)], sig.magic) {
			return sig.fileType, nil
		}
	}
	return "", ErrInvalidFileType
}

func (f FileType) ContentType() string {
	return contentTypes[f]
}

// ImageContentType decides whether an upload is image-typed. A declared
// image/* media type is trusted as-is; a missing or generic declaration
// falls back to sniffing data. The returned content type is what the
// upload should be served as.
func ImageContentType(declared string, data []byte) (string, bool) {
	if declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err == nil && strings.HasPrefix(mediaType, "image/") {
			return mediaType, true
		}
		if err == nil && mediaType != "application/octet-stream" {
			return "", false
		}
	}

	fileType, err := DetectFileType(data)
	if err != nil {
		return "", false
	}
	return fileType.ContentType(), true
}

// CheckSize rejects empty uploads and uploads above maxSize. A maxSize of
// zero or less disables the upper bound.
func CheckSize(size, maxSize int64) error {
	if size == 0 {
		return ErrEmptyFile
	}
	if maxSize > 0 && size > maxSize {
		return ErrFileTooLarge
	}
	return nil
}
