package resourceloader

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

func TestCopyTextureRowsLeavesPaddingUntouched(t *testing.T) {
	const (
		dstRow = 256
		srcRow = 192
		rows   = 4
	)
	src := make([]byte, srcRow*rows)
	for i := range src {
		src[i] = byte(i*7 + 1)
	}
	dst := bytes.Repeat([]byte{0xAA}, dstRow*rows)

	err := copyTextureRows(dst, src, textureStrides{
		SrcRowStride: srcRow,
		DstRowStride: dstRow,
		RowCount:     rows,
		Depth:        1,
	})
	require.NoError(t, err)

	for r := 0; r < rows; r++ {
		assert.Equal(t, src[r*srcRow:(r+1)*srcRow], dst[r*dstRow:r*dstRow+srcRow], "row %d", r)
		assert.Equal(t, bytes.Repeat([]byte{0xAA}, dstRow-srcRow), dst[r*dstRow+srcRow:(r+1)*dstRow], "padding of row %d", r)
	}
}

func TestCopyTextureRowsSlices(t *testing.T) {
	s := textureStrides{SrcRowStride: 4, DstRowStride: 8, SrcSliceStride: 8, DstSliceStride: 32, RowCount: 2, Depth: 2}
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	dst := make([]byte, 64)
	require.NoError(t, copyTextureRows(dst, src, s))

	assert.Equal(t, []byte{1, 2, 3, 4}, dst[0:4])
	assert.Equal(t, []byte{5, 6, 7, 8}, dst[8:12])
	assert.Equal(t, []byte{9, 10, 11, 12}, dst[32:36])
	assert.Equal(t, []byte{13, 14, 15, 16}, dst[40:44])
	assert.Equal(t, make([]byte, 4), dst[4:8])
}

func TestCopyTextureRowsBounds(t *testing.T) {
	s := textureStrides{SrcRowStride: 8, DstRowStride: 4, RowCount: 1, Depth: 1}
	assert.ErrorIs(t, copyTextureRows(make([]byte, 8), make([]byte, 8), s), core.ErrDestinationTooSmall)

	s = textureStrides{SrcRowStride: 4, DstRowStride: 8, RowCount: 2, Depth: 1}
	assert.ErrorIs(t, copyTextureRows(make([]byte, 16), make([]byte, 4), s), core.ErrInvalidDesc)
	assert.ErrorIs(t, copyTextureRows(make([]byte, 8), make([]byte, 8), s), core.ErrDestinationTooSmall)
}

func TestSubresourceStrides(t *testing.T) {
	caps := metadata.GPUCapabilities{UploadBufferTextureAlignment: 512, UploadBufferTextureRowAlignment: 256}

	s, err := subresourceStrides(caps, metadata.TextureFormatRGBA8Unorm, 48, 4, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(192), s.SrcRowStride)
	assert.Equal(t, uint32(256), s.DstRowStride)
	assert.Equal(t, uint32(1024), s.DstSliceStride)
	assert.Equal(t, uint64(1024), s.stagingSize())

	// 16x16 BC1 at mip 1 is 2x2 blocks of 8 bytes.
	s, err = subresourceStrides(caps, metadata.TextureFormatBC1Unorm, 16, 16, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), s.SrcRowStride)
	assert.Equal(t, uint32(2), s.RowCount)
	assert.Equal(t, uint32(256), s.DstRowStride)
	assert.Equal(t, uint32(512), s.DstSliceStride)

	_, err = subresourceStrides(caps, metadata.TextureFormatUndefined, 4, 4, 1, 0)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
}
