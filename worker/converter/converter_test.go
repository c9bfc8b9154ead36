package converter

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

func createTestImage(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.NRGBA{R: r, G: g, B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func createTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestConverter_Convert_PreservesDimensions(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))
	src := createTestImage(t, 64, 48)

	tests := []struct {
		format  Format
		decoded string
	}{
		{FormatPNG, "png"},
		{FormatJPEG, "jpeg"},
		{FormatWEBP, "webp"},
		{FormatBMP, "bmp"},
		{FormatGIF, "gif"},
		{FormatTIFF, "tiff"},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			out, err := converter.Convert(context.Background(), "input.png", src, tt.format)
			require.NoError(t, err)

			cfg, name, err := image.DecodeConfig(bytes.NewReader(out.Data))
			require.NoError(t, err)
			assert.Equal(t, tt.decoded, name)
			assert.Equal(t, 64, cfg.Width)
			assert.Equal(t, 48, cfg.Height)
			assert.Equal(t, 64, out.Width)
			assert.Equal(t, 48, out.Height)
			assert.Equal(t, tt.format.MIMEType(), out.MIMEType)
		})
	}
}

func TestConverter_Convert_IconIsAlways32PNG(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	for _, src := range [][]byte{createTestJPEG(t, 800, 600), createTestImage(t, 10, 20)} {
		out, err := converter.Convert(context.Background(), "a.jpg", src, FormatICO)
		require.NoError(t, err)

		img, err := png.Decode(bytes.NewReader(out.Data))
		require.NoError(t, err, "icon payload should be PNG")
		assert.Equal(t, IconSize, img.Bounds().Dx())
		assert.Equal(t, IconSize, img.Bounds().Dy())
		assert.Equal(t, "a.ico", out.Filename)
		assert.Equal(t, "image/png", out.MIMEType)
	}
}

func TestConverter_Convert_FlattensTransparencyToWhite(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(3, 3, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, err := converter.Convert(context.Background(), "clear.png", buf.Bytes(), FormatPNG)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)

	r, g, b, a := decoded.At(0, 0).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0xffff, 0xffff, 0xffff}, [4]uint32{r, g, b, a})

	r, g, b, a = decoded.At(3, 3).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a})
}

func TestConverter_Convert_PDF(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	out, err := converter.Convert(context.Background(), "scan.png", createTestImage(t, 120, 80), FormatPDF)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(out.Data, []byte("%PDF-")))
	assert.Equal(t, "scan.pdf", out.Filename)
	assert.Equal(t, "application/pdf", out.MIMEType)
}

func TestPageLayout(t *testing.T) {
	orientation, size := pageLayout(120, 80)
	assert.Equal(t, "L", orientation)
	// gofpdf swaps landscape sizes back to 120x80
	assert.Equal(t, 80.0, size.Wd)
	assert.Equal(t, 120.0, size.Ht)

	orientation, size = pageLayout(80, 120)
	assert.Equal(t, "P", orientation)
	assert.Equal(t, 80.0, size.Wd)
	assert.Equal(t, 120.0, size.Ht)

	orientation, _ = pageLayout(100, 100)
	assert.Equal(t, "P", orientation)
}

func TestConverter_Convert_InvalidFormatBeforeDecode(t *testing.T) {
	encoded := false
	spy := EncoderFunc(func(w io.Writer, img image.Image) error {
		encoded = true
		return nil
	})
	converter := NewConverter(zaptest.NewLogger(t), WithEncoder("svg", spy))

	_, err := converter.Convert(context.Background(), "broken.png", []byte("not an image"), Format("svg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.NotErrorIs(t, err, ErrDecode)
	assert.False(t, encoded)
}

func TestConverter_Convert_DecodeErrors(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	_, err := converter.Convert(context.Background(), "broken.png", []byte("definitely not pixels"), FormatPNG)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = converter.Convert(context.Background(), "empty.png", nil, FormatPNG)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestConverter_Convert_EncodeUnsupported(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t), WithoutEncoder(FormatWEBP))
	assert.False(t, converter.Supports(FormatWEBP))

	_, err := converter.Convert(context.Background(), "input.png", createTestImage(t, 8, 8), FormatWEBP)
	assert.ErrorIs(t, err, ErrEncodeUnsupported)
	assert.NotErrorIs(t, err, ErrEncode)
}

func TestConverter_Convert_EncodeError(t *testing.T) {
	failing := EncoderFunc(func(w io.Writer, img image.Image) error {
		return errors.New("disk on fire")
	})
	converter := NewConverter(zaptest.NewLogger(t), WithEncoder(FormatBMP, failing))

	_, err := converter.Convert(context.Background(), "input.png", createTestImage(t, 8, 8), FormatBMP)
	assert.ErrorIs(t, err, ErrEncode)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestConverter_Convert_CancelledContext(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := converter.Convert(ctx, "input.png", createTestImage(t, 8, 8), FormatPNG)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, "photo.jpg", OutputFilename("photo.png", FormatJPEG))
	for _, f := range Formats {
		if f == FormatJPEG {
			continue
		}
		assert.Equal(t, "photo."+string(f), OutputFilename("photo.png", f))
	}

	assert.Equal(t, "archive.tar.png", OutputFilename("dir/archive.tar.gz", FormatPNG))
	assert.Equal(t, "noext.gif", OutputFilename("noext", FormatGIF))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" PNG ")
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, f)

	for _, bad := range []string{"", "jpg", "svg", "heic"} {
		_, err := ParseFormat(bad)
		assert.ErrorIs(t, err, ErrInvalidFormat, bad)
	}
}
