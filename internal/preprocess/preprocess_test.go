package preprocess

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/image-tagger/internal/model"
)

const plane = model.ImageHeight * model.ImageWidth

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 3), B: uint8(x + y), A: 255})
		}
	}
	return img
}

// oversizedPNG is a few hundred bytes of PNG whose header declares a
// w x h RGBA image.
func oversizedPNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := func(kind string, data []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		buf.Write(n[:])
		crc := crc32.NewIEEE()
		crc.Write([]byte(kind))
		crc.Write(data)
		buf.WriteString(kind)
		buf.Write(data)
		binary.BigEndian.PutUint32(n[:], crc.Sum32())
		buf.Write(n[:])
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk("IHDR", ihdr)

	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	_, err := zw.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	chunk("IDAT", idat.Bytes())
	chunk("IEND", nil)

	return buf.Bytes()
}

func TestPreprocessShapeAndRange(t *testing.T) {
	for _, size := range []image.Point{{640, 480}, {37, 300}, {224, 224}, {1, 1}} {
		tensor, err := Preprocess(encodePNG(t, gradient(size.X, size.Y)))
		require.NoError(t, err, "size %v", size)

		assert.Equal(t, []int64{1, 3, 224, 224}, tensor.Shape)
		require.Len(t, tensor.Data, 3*plane)

		for c := 0; c < model.Channels; c++ {
			lo, hi := Bounds(c)
			for _, v := range tensor.Data[c*plane : (c+1)*plane] {
				require.GreaterOrEqual(t, v, lo-1e-6)
				require.LessOrEqual(t, v, hi+1e-6)
			}
		}
	}
}

func TestPreprocessIsDeterministic(t *testing.T) {
	raw := encodePNG(t, gradient(300, 200))

	a, err := Preprocess(raw)
	require.NoError(t, err)
	b, err := Preprocess(raw)
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data)
}

func TestPreprocessChannelOrderIsBGR(t *testing.T) {
	tensor, err := Preprocess(encodePNG(t, solid(50, 80, color.NRGBA{R: 255, A: 255})))
	require.NoError(t, err)

	blue := (0 - Mean[0]) / Std[0]
	green := (0 - Mean[1]) / Std[1]
	red := (1 - Mean[2]) / Std[2]
	for i := 0; i < plane; i++ {
		require.InDelta(t, blue, tensor.Data[i], 1e-5)
		require.InDelta(t, green, tensor.Data[plane+i], 1e-5)
		require.InDelta(t, red, tensor.Data[2*plane+i], 1e-5)
	}
}

func TestPreprocessDropsAlpha(t *testing.T) {
	opaque, err := Preprocess(encodePNG(t, solid(20, 20, color.NRGBA{R: 200, G: 100, B: 50, A: 255})))
	require.NoError(t, err)
	translucent, err := Preprocess(encodePNG(t, solid(20, 20, color.NRGBA{R: 200, G: 100, B: 50, A: 128})))
	require.NoError(t, err)

	assert.Equal(t, opaque.Data, translucent.Data)
}

func TestPreprocessExpandsGrayscale(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	tensor, err := Preprocess(encodePNG(t, img))
	require.NoError(t, err)

	for i := 0; i < plane; i += 97 {
		b := tensor.Data[i]*Std[0] + Mean[0]
		g := tensor.Data[plane+i]*Std[1] + Mean[1]
		r := tensor.Data[2*plane+i]*Std[2] + Mean[2]
		require.InDelta(t, b, g, 1e-5)
		require.InDelta(t, g, r, 1e-5)
	}
}

func TestPreprocessDecodesJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(128, 96), &jpeg.Options{Quality: 90}))

	tensor, err := Preprocess(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, tensor.Data, 3*plane)
}

func TestPreprocessRejectsNonImages(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":     nil,
		"zero byte": {},
		"text":      []byte("definitely not an image"),
		"truncated": encodePNG(t, gradient(64, 64))[:40],
		"oversized": oversizedPNG(t, 40000, 40000),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Preprocess(raw)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}
