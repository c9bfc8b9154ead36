package converter

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"github.com/jung-kurt/gofpdf"
)

// JPEGQuality is the fixed quality used for JPEG output and for the raster
// embedded in PDF pages.
const JPEGQuality = 90

// Encoder writes img to w in a single output format.
type Encoder interface {
	Encode(w io.Writer, img image.Image) error
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(w io.Writer, img image.Image) error

func (f EncoderFunc) Encode(w io.Writer, img image.Image) error {
	return f(w, img)
}

// DefaultEncoders returns a fresh encoder table covering every format.
func DefaultEncoders() map[Format]Encoder {
	return map[Format]Encoder{
		FormatPNG:  imagingEncoder(imaging.PNG),
		FormatJPEG: imagingEncoder(imaging.JPEG, imaging.JPEGQuality(JPEGQuality)),
		FormatWEBP: EncoderFunc(encodeWEBP),
		FormatBMP:  imagingEncoder(imaging.BMP),
		FormatGIF:  imagingEncoder(imaging.GIF),
		FormatTIFF: imagingEncoder(imaging.TIFF),
		FormatPDF:  EncoderFunc(encodePDF),
		// no native icon writer: the 32x32 raster ships as PNG
		FormatICO: imagingEncoder(imaging.PNG),
	}
}

func imagingEncoder(format imaging.Format, opts ...imaging.EncodeOption) Encoder {
	return EncoderFunc(func(w io.Writer, img image.Image) error {
		return imaging.Encode(w, img, format, opts...)
	})
}

func encodeWEBP(w io.Writer, img image.Image) error {
	return nativewebp.Encode(w, img, nil)
}

// pageLayout picks the orientation for a w x h raster and the size to hand
// gofpdf so that the resulting page is exactly w x h points. gofpdf swaps
// width and height for landscape pages.
func pageLayout(w, h float64) (string, gofpdf.SizeType) {
	if w > h {
		return "L", gofpdf.SizeType{Wd: h, Ht: w}
	}
	return "P", gofpdf.SizeType{Wd: w, Ht: h}
}

func encodePDF(w io.Writer, img image.Image) error {
	bounds := img.Bounds()
	width, height := float64(bounds.Dx()), float64(bounds.Dy())

	var raster bytes.Buffer
	if err := imaging.Encode(&raster, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return fmt.Errorf("encode page raster: %w", err)
	}

	orientation, size := pageLayout(width, height)
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: orientation,
		UnitStr:        "pt",
		Size:           size,
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := gofpdf.ImageOptions{ImageType: "JPG", ReadDpi: false}
	pdf.RegisterImageOptionsReader("page", opts, &raster)
	pdf.ImageOptions("page", 0, 0, width, height, false, opts, 0, "")
	if pdf.Err() {
		return fmt.Errorf("build pdf: %w", pdf.Error())
	}

	return pdf.Output(w)
}
