package main

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_DropsAlpha(t *testing.T) {
	in := testPNG(t, 16, 16, color.NRGBA{R: 200, G: 10, B: 10, A: 128})

	out, err := Normalizer{}.Normalize(in)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	r, g, b, _ := img.At(8, 8).RGBA()
	assert.InDelta(t, 200, r>>8, 12)
	assert.InDelta(t, 10, g>>8, 12)
	assert.InDelta(t, 10, b>>8, 12)
}

func TestNormalizer_RejectsGarbage(t *testing.T) {
	_, err := Normalizer{}.Normalize([]byte("GIF89a but not really"))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestNormalizer_MaxDimension(t *testing.T) {
	in := testPNG(t, 200, 100, color.NRGBA{B: 255, A: 255})

	out, err := Normalizer{MaxDimension: 50}.Normalize(in)
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 25, cfg.Height)

	out, err = Normalizer{MaxDimension: 500}.Normalize(in)
	require.NoError(t, err)

	cfg, _, err = image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 100, cfg.Height)
}

// pngHeader returns a PNG that declares w x h grayscale pixels but carries no
// pixel data.
func pngHeader(t *testing.T, w, h uint32) []byte {
	t.Helper()

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth, color type 0 (gray)

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(ihdr))))

	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk)))

	return buf.Bytes()
}

func TestNormalizer_RejectsTooManyPixels(t *testing.T) {
	header := pngHeader(t, 30000, 30000)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(header))
	require.NoError(t, err)
	require.Equal(t, 30000, cfg.Width)

	_, err = Normalizer{}.Normalize(header)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Contains(t, err.Error(), "pixels")
}

func TestNormalizer_MaxPixels(t *testing.T) {
	_, err := Normalizer{MaxPixels: 100}.Normalize(testPNG(t, 16, 16, color.NRGBA{A: 255}))
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = Normalizer{MaxPixels: 100}.Normalize(testPNG(t, 10, 10, color.NRGBA{A: 255}))
	assert.NoError(t, err)
}

func nrgbaReference(img image.Image) []color.NRGBA {
	b := img.Bounds()
	out := make([]color.NRGBA, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out = append(out, color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA))
		}
	}
	return out
}

func TestDropAlpha(t *testing.T) {
	rect := image.Rect(0, 0, 9, 7)

	translucent := image.NewNRGBA(rect)
	premultiplied := image.NewRGBA(rect)
	opaque := image.NewRGBA(rect)
	gray := image.NewGray(rect)
	ycbcr := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			v := uint8(x*25 + y*3)
			translucent.SetNRGBA(x, y, color.NRGBA{R: v, G: 255 - v, B: uint8(y * 30), A: uint8(x * 28)})
			premultiplied.SetRGBA(x, y, color.RGBA{R: v / 2, G: v / 4, B: 0, A: 128})
			opaque.SetRGBA(x, y, color.RGBA{R: v, G: uint8(y), B: 255 - v, A: 255})
			gray.SetGray(x, y, color.Gray{Y: v})
		}
	}
	for i := range ycbcr.Y {
		ycbcr.Y[i] = uint8(i * 7)
	}
	for i := range ycbcr.Cb {
		ycbcr.Cb[i] = uint8(100 + i*5)
		ycbcr.Cr[i] = uint8(200 - i*5)
	}

	tests := []struct {
		name string
		img  image.Image
	}{
		{"nrgba", translucent},
		{"nrgba sub image", translucent.SubImage(image.Rect(2, 3, 8, 7))},
		{"rgba translucent", premultiplied},
		{"rgba opaque", opaque},
		{"gray", gray},
		{"ycbcr", ycbcr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dropAlpha(tt.img)
			want := nrgbaReference(tt.img)

			b := tt.img.Bounds()
			require.Equal(t, image.Rect(0, 0, b.Dx(), b.Dy()), got.Bounds())

			for i, w := range want {
				c := got.RGBAAt(i%b.Dx(), i/b.Dx())
				assert.Equal(t, uint8(0xff), c.A)
				assert.InDelta(t, w.R, c.R, 1, "pixel %d", i)
				assert.InDelta(t, w.G, c.G, 1, "pixel %d", i)
				assert.InDelta(t, w.B, c.B, 1, "pixel %d", i)
			}
		})
	}
}
