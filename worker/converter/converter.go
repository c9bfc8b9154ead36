package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

// IconSize is the edge length every ICO conversion is resampled to.
const IconSize = 32

// Output is an encoded conversion result ready for download.
type Output struct {
	Data     []byte
	Filename string
	Format   Format
	MIMEType string
	Width    int
	Height   int
}

type Option func(*Converter)

// WithEncoder installs enc for format, replacing the default.
func WithEncoder(format Format, enc Encoder) Option {
	return func(c *Converter) {
		c.encoders[format] = enc
	}
}

// WithoutEncoder removes the encoder for format. Conversions to it then
// fail with ErrEncodeUnsupported.
func WithoutEncoder(format Format) Option {
	return func(c *Converter) {
		delete(c.encoders, format)
	}
}

// WithBackground changes the colour transparent pixels are flattened onto.
func WithBackground(bg color.Color) Option {
	return func(c *Converter) {
		c.background = bg
	}
}

type Converter struct {
	logger     *zap.Logger
	encoders   map[Format]Encoder
	background color.Color
}

func NewConverter(logger *zap.Logger, opts ...Option) *Converter {
	c := &Converter{
		logger:     logger,
		encoders:   DefaultEncoders(),
		background: color.White,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Supports reports whether an encoder is installed for format.
func (c *Converter) Supports(format Format) bool {
	_, ok := c.encoders[format]
	return ok
}

// Convert decodes src, flattens it onto the background, resamples icons to
// IconSize and encodes the raster as format. name is the original filename
// and only feeds the output filename.
func (c *Converter) Convert(ctx context.Context, name string, src []byte, format Format) (*Output, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, string(format))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	c.logger.Debug("Starting conversion",
		zap.String("name", name),
		zap.String("format", format.String()),
		zap.Int("size", len(src)),
	)

	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrDecode)
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		c.logger.Warn("Failed to decode image",
			zap.String("name", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if format == FormatICO {
		img = imaging.Resize(img, IconSize, IconSize, imaging.Lanczos)
	}
	raster := c.flatten(img)

	enc, ok := c.encoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEncodeUnsupported, format)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, raster); err != nil {
		c.logger.Warn("Failed to encode image",
			zap.String("name", name),
			zap.String("format", format.String()),
			zap.Error(err),
		)
		if errors.Is(err, ErrEncodeUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, format, err)
	}

	bounds := raster.Bounds()
	out := &Output{
		Data:     buf.Bytes(),
		Filename: OutputFilename(name, format),
		Format:   format,
		MIMEType: format.MIMEType(),
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}

	c.logger.Info("Conversion completed",
		zap.String("name", name),
		zap.String("output", out.Filename),
		zap.Int("bytes", len(out.Data)),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// flatten composites img onto an opaque canvas of the same size. Alpha is
// discarded for every output format.
func (c *Converter) flatten(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), c.background)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}
