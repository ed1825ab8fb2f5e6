package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/exp/slog"
)

const jpegQuality = 95

// DefaultMaxImagePixels bounds width*height of an upload before it is decoded.
const DefaultMaxImagePixels = 40_000_000

// Normalizer turns an uploaded payload into the JPEG that gets stored.
// MaxDimension of zero keeps the original size. MaxPixels of zero means
// DefaultMaxImagePixels.
type Normalizer struct {
	MaxDimension uint
	MaxPixels    uint64
}

func (n Normalizer) Normalize(data []byte) ([]byte, error) {
	if err := n.checkPixels(data); err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrBadRequest, err)
	}

	var out image.Image = dropAlpha(img)

	b := out.Bounds()
	if n.MaxDimension > 0 && (uint(b.Dx()) > n.MaxDimension || uint(b.Dy()) > n.MaxDimension) {
		out = resize.Thumbnail(n.MaxDimension, n.MaxDimension, out, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	slog.Debug("Normalized an image",
		"format", format,
		"width", out.Bounds().Dx(),
		"height", out.Bounds().Dy(),
		"size", buf.Len(),
	)

	return buf.Bytes(), nil
}

// checkPixels reads only the image header, so an oversized image is refused
// before any pixel buffer is allocated.
func (n Normalizer) checkPixels(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: decode image header: %v", ErrBadRequest, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: empty image %dx%d", ErrBadRequest, cfg.Width, cfg.Height)
	}

	limit := n.MaxPixels
	if limit == 0 {
		limit = DefaultMaxImagePixels
	}

	if pixels := uint64(cfg.Width) * uint64(cfg.Height); pixels > limit {
		return fmt.Errorf("%w: image has %d pixels, limit is %d", ErrBadRequest, pixels, limit)
	}

	return nil
}

// dropAlpha discards the alpha channel and keeps the straight color values,
// the same as an RGBA to RGB mode conversion.
func dropAlpha(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.NRGBA); ok {
		rowLen := 4 * b.Dx()
		for y := 0; y < b.Dy(); y++ {
			dst := out.Pix[y*out.Stride : y*out.Stride+rowLen]
			copy(dst, src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
			for i := 3; i < rowLen; i += 4 {
				dst[i] = 0xff
			}
		}
		return out
	}

	// Premultiplied and straight values agree when every pixel is opaque.
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}

	return out
}
