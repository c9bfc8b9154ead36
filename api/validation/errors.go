package validation

import "errors"

var (
	ErrInvalidFileType = errors.New("file is not an image")
	ErrFileTooLarge    = errors.New("file size exceeds upload limit")
	ErrEmptyFile       = errors.New("file is empty")
)
