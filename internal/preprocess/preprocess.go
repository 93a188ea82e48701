// Package preprocess turns uploaded image bytes into the normalized NCHW
// tensor the classification graph was trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/image-tagger/internal/model"
)

// ErrDecode is returned for input that is empty or not a supported raster image.
var ErrDecode = errors.New("cannot decode image")

// MaxPixels caps the declared width*height of an upload. Decoders allocate
// the full pixel buffer up front, so the header is checked before decoding.
const MaxPixels = 50_000_000

// Per-channel normalization constants, applied to planes 0, 1, 2 of the
// BGR tensor in that order.
var (
	Mean = [model.Channels]float32{0.485, 0.456, 0.406}
	Std  = [model.Channels]float32{0.229, 0.224, 0.225}
)

// Preprocess decodes raw and returns a (1, 3, 224, 224) float32 tensor with
// BGR planes scaled to [0, 1] and normalized by Mean and Std.
func Preprocess(raw []byte) (*model.Tensor, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty input: %w", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("image is %dx%d, over %d pixels: %w", cfg.Width, cfg.Height, MaxPixels, ErrDecode)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels: %w", ErrDecode)
	}

	rgb := toRGB(img)
	resized := resize.Resize(model.ImageWidth, model.ImageHeight, rgb, resize.Bilinear)

	return FromImage(imaging.Clone(resized)), nil
}

// toRGB copies img into an opaque NRGBA image. Alpha is discarded, not
// composited, and grayscale or paletted input is expanded to three channels.
func toRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// FromImage builds the tensor from an image that is already
// model.ImageWidth x model.ImageHeight with its bounds at the origin.
func FromImage(img *image.NRGBA) *model.Tensor {
	const (
		h, w  = model.ImageHeight, model.ImageWidth
		plane = h * w
	)

	data := make([]float32, model.Channels*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			i := y*w + x
			// px is R, G, B; planes are B, G, R.
			for c := 0; c < model.Channels; c++ {
				v := float32(px[2-c]) / 255.0
				data[c*plane+i] = (v - Mean[c]) / Std[c]
			}
		}
	}

	shape := make([]int64, len(model.InputShape))
	copy(shape, model.InputShape)
	return &model.Tensor{Shape: shape, Data: data}
}

// Bounds returns the smallest and largest value plane c can hold.
func Bounds(c int) (lo, hi float32) {
	return (0 - Mean[c]) / Std[c], (1 - Mean[c]) / Std[c]
}
