package converter

import "errors"

var (
	ErrInvalidFormat     = errors.New("unsupported output format")
	ErrDecode            = errors.New("failed to decode image")
	ErrEncodeUnsupported = errors.New("encoder does not support requested output")
	ErrEncode            = errors.New("failed to encode image")
)
