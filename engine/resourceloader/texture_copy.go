package resourceloader

import (
	"fmt"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

type textureStrides struct {
	SrcRowStride   uint32
	DstRowStride   uint32
	SrcSliceStride uint32
	DstSliceStride uint32
	RowCount       uint32
	Depth          uint32
}

// stagingSize is the number of staging bytes the subresource occupies.
func (s textureStrides) stagingSize() uint64 {
	return uint64(s.DstSliceStride) * uint64(s.Depth)
}

// subresourceStrides lays out one mip level for a staging buffer: rows are
// padded to the row alignment and slices to the subresource alignment.
func subresourceStrides(caps metadata.GPUCapabilities, format metadata.TextureFormat, width, height, depth, mip uint32) (textureStrides, error) {
	layout, err := metadata.SubresourceLayoutOf(format, width, height, depth, mip)
	if err != nil {
		return textureStrides{}, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, err)
	}
	dstRow := alignUp(layout.RowBytes, maxOf(caps.UploadBufferTextureRowAlignment, 1))
	return textureStrides{
		SrcRowStride:   layout.RowBytes,
		DstRowStride:   dstRow,
		SrcSliceStride: layout.SliceBytes,
		DstSliceStride: alignUp(dstRow*layout.RowCount, maxOf(caps.UploadBufferTextureAlignment, 1)),
		RowCount:       layout.RowCount,
		Depth:          layout.Depth,
	}, nil
}

// copyTextureRows copies slice by slice and row by row. Only the first
// SrcRowStride bytes of each destination row are written.
func copyTextureRows(dst, src []byte, s textureStrides) error {
	depth := maxOf(s.Depth, 1)
	if s.DstRowStride < s.SrcRowStride {
		return fmt.Errorf("row stride %d smaller than source row %d: %w", s.DstRowStride, s.SrcRowStride, core.ErrDestinationTooSmall)
	}
	srcSlice := uint64(s.SrcSliceStride)
	if srcSlice == 0 {
		srcSlice = uint64(s.SrcRowStride) * uint64(s.RowCount)
	}
	dstSlice := uint64(s.DstSliceStride)
	if dstSlice == 0 {
		dstSlice = uint64(s.DstRowStride) * uint64(s.RowCount)
	}
	if need := srcSlice*uint64(depth-1) + uint64(s.SrcRowStride)*uint64(s.RowCount); uint64(len(src)) < need {
		return fmt.Errorf("texture source holds %d bytes, %d needed: %w", len(src), need, core.ErrInvalidDesc)
	}
	if need := dstSlice*uint64(depth-1) + uint64(s.DstRowStride)*uint64(maxOf(s.RowCount, 1)-1) + uint64(s.SrcRowStride); s.RowCount > 0 && uint64(len(dst)) < need {
		return fmt.Errorf("staging holds %d bytes, %d needed: %w", len(dst), need, core.ErrDestinationTooSmall)
	}

	if s.SrcRowStride == s.DstRowStride && srcSlice == dstSlice && srcSlice == uint64(s.SrcRowStride)*uint64(s.RowCount) {
		n := srcSlice * uint64(depth)
		copy(dst[:n], src[:n])
		return nil
	}
	row := uint64(s.SrcRowStride)
	for z := uint64(0); z < uint64(depth); z++ {
		for r := uint64(0); r < uint64(s.RowCount); r++ {
			d := z*dstSlice + r*uint64(s.DstRowStride)
			o := z*srcSlice + r*row
			copy(dst[d:d+row], src[o:o+row])
		}
	}
	return nil
}
