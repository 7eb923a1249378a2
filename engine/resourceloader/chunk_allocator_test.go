package resourceloader

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

func TestChunkAllocatorFirstFit(t *testing.T) {
	a := NewBufferChunkAllocator(nil, 1024)

	var chunks []metadata.BufferChunk
	for _, want := range []uint32{0, 300, 600} {
		res := a.Allocate(300, 1, nil)
		require.True(t, res.OK)
		assert.Equal(t, metadata.BufferChunk{Offset: want, Size: 300}, res.Chunk)
		chunks = append(chunks, res.Chunk)
	}

	// 124 bytes remain at 900.
	res := a.Allocate(200, 1, nil)
	assert.False(t, res.OK)
	assert.Zero(t, res.Chunk.Size)

	res = a.Allocate(100, 1, nil)
	require.True(t, res.OK)
	assert.Equal(t, uint32(900), res.Chunk.Offset)

	res = a.Allocate(50, 1, nil)
	assert.False(t, res.OK)
	assert.Equal(t, metadata.BufferChunk{}, res.Chunk)
	assert.Equal(t, []metadata.BufferChunk{{Offset: 1000, Size: 24}}, a.UnusedChunks())

	require.NoError(t, a.Free(chunks[0]))
	res = a.Allocate(300, 1, nil)
	require.True(t, res.OK)
	assert.Equal(t, uint32(0), res.Chunk.Offset)
}

func TestChunkAllocatorSoftFailureKeepsFreeList(t *testing.T) {
	a := NewBufferChunkAllocator(nil, 512)
	first := a.Allocate(100, 1, nil).Chunk
	a.Allocate(100, 1, nil)
	require.NoError(t, a.Free(first))

	before := a.UnusedChunks()
	stats := a.Stats()
	res := a.Allocate(stats.LargestFree+1, 1, nil)
	assert.False(t, res.OK)
	assert.Equal(t, before, a.UnusedChunks())
	assert.Equal(t, stats, a.Stats())
}

func TestChunkAllocatorAlignmentKeepsGapFree(t *testing.T) {
	a := NewBufferChunkAllocator(nil, 256)
	a.Allocate(10, 1, nil)

	res := a.Allocate(16, 16, nil)
	require.True(t, res.OK)
	assert.Equal(t, uint32(16), res.Chunk.Offset)
	assert.Equal(t, []metadata.BufferChunk{{Offset: 10, Size: 6}, {Offset: 32, Size: 224}}, a.UnusedChunks())

	// The gap is still usable by small unaligned requests.
	res = a.Allocate(6, 2, nil)
	require.True(t, res.OK)
	assert.Equal(t, uint32(10), res.Chunk.Offset)
}

func TestChunkAllocatorPreferredChunk(t *testing.T) {
	a := NewBufferChunkAllocator(nil, 1024)

	res := a.Allocate(64, 4, &metadata.BufferChunk{Offset: 512, Size: 64})
	require.True(t, res.OK)
	assert.Equal(t, uint32(512), res.Chunk.Offset)

	// Taken: falls back to first fit.
	res = a.Allocate(64, 4, &metadata.BufferChunk{Offset: 512, Size: 64})
	require.True(t, res.OK)
	assert.Equal(t, uint32(0), res.Chunk.Offset)

	// Misaligned preference is ignored.
	res = a.Allocate(16, 16, &metadata.BufferChunk{Offset: 100, Size: 16})
	require.True(t, res.OK)
	assert.Equal(t, uint32(64), res.Chunk.Offset)
}

func TestChunkAllocatorFreeErrors(t *testing.T) {
	a := NewBufferChunkAllocator(nil, 128)
	c := a.Allocate(32, 1, nil).Chunk

	assert.ErrorIs(t, a.Free(metadata.BufferChunk{Offset: 120, Size: 16}), core.ErrChunkOutOfRange)
	assert.ErrorIs(t, a.Free(metadata.BufferChunk{Offset: 0, Size: 16}), core.ErrChunkNotAllocated)
	require.NoError(t, a.Free(c))
	assert.ErrorIs(t, a.Free(c), core.ErrChunkNotAllocated)
	assert.NoError(t, a.Free(metadata.BufferChunk{}))

	assert.Equal(t, []metadata.BufferChunk{{Offset: 0, Size: 128}}, a.UnusedChunks())
	assert.Zero(t, a.UsedChunkCount())
}

func TestChunkAllocatorRandomizedInvariants(t *testing.T) {
	const size = 4096
	a := NewBufferChunkAllocator(nil, size)
	rng := rand.New(rand.NewSource(7))
	var live []metadata.BufferChunk

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			require.NoError(t, a.Free(live[j]))
			live = append(live[:j], live[j+1:]...)
		} else {
			align := uint32(1) << rng.Intn(5)
			res := a.Allocate(uint32(rng.Intn(200)+1), align, nil)
			if res.OK {
				assert.Zero(t, res.Chunk.Offset%align)
				live = append(live, res.Chunk)
			}
		}

		all := append(a.UnusedChunks(), live...)
		sort.Slice(all, func(i, j int) bool { return all[i].Offset < all[j].Offset })
		end := uint64(0)
		for _, c := range all {
			require.Equal(t, end, uint64(c.Offset), "chunks overlap or leave a hole at step %d", i)
			end = c.End()
		}
		require.Equal(t, uint64(size), end)
		require.Equal(t, uint32(len(live)), a.UsedChunkCount())
	}
}
