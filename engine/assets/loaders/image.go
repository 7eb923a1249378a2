package loaders

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

// decodeImage decodes a plain image into a single layer RGBA8 texture.
// With generateMips the full chain is built down to 1x1.
func decodeImage(r io.Reader, name string, generateMips bool) (*metadata.TextureData, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image %q: %w", name, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("decode image %q: empty %s image: %w", name, format, core.ErrUnsupportedFormat)
	}

	base := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(base, base.Bounds(), img, bounds.Min, draw.Src)

	levels := []*image.NRGBA{base}
	if generateMips {
		levels = mipChain(base)
	}

	data := &metadata.TextureData{
		Desc: metadata.TextureDesc{
			Name:      name,
			Width:     uint32(bounds.Dx()),
			Height:    uint32(bounds.Dy()),
			Depth:     1,
			ArraySize: 1,
			MipLevels: uint32(len(levels)),
			Format:    metadata.TextureFormatRGBA8Unorm,
		},
	}
	for _, level := range levels {
		data.Subresources = append(data.Subresources, packedPixels(level))
	}
	core.LogDebug("decoded %s image %q (%dx%d, %d mips)", format, name, bounds.Dx(), bounds.Dy(), len(levels))
	return data, nil
}

// mipChain halves the image with a bilinear filter until both sides are 1.
func mipChain(base *image.NRGBA) []*image.NRGBA {
	levels := []*image.NRGBA{base}
	w, h := base.Bounds().Dx(), base.Bounds().Dy()
	for w > 1 || h > 1 {
		w = max(w/2, 1)
		h = max(h/2, 1)
		prev := levels[len(levels)-1]
		next := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		levels = append(levels, next)
	}
	return levels
}

// packedPixels drops any stride padding of img.
func packedPixels(img *image.NRGBA) []byte {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	row := w * 4
	if img.Stride == row {
		return img.Pix[:row*h]
	}
	out := make([]byte, row*h)
	for y := 0; y < h; y++ {
		copy(out[y*row:(y+1)*row], img.Pix[y*img.Stride:y*img.Stride+row])
	}
	return out
}
