package resourceloader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Sub-allocates regions of one GPU buffer. Free regions are kept
 * sorted by offset; allocation is first-fit and freeing coalesces neighbors.
 */
type BufferChunkAllocator struct {
	mutex sync.Mutex
	/** @brief The buffer the chunks live in. May be nil for CPU only bookkeeping. */
	Buffer *metadata.Buffer
	size   uint32

	unusedChunks   []metadata.BufferChunk
	usedChunks     map[uint32]uint32
	usedChunkCount uint32
}

/**
 * @brief Result of an allocation. OK is false when no free region was large
 * enough, in which case Chunk has a zero size.
 */
type ChunkResult struct {
	Chunk metadata.BufferChunk
	OK    bool
}

/**
 * @brief A snapshot of the allocator occupancy.
 */
type ChunkAllocatorStats struct {
	Size           uint32
	FreeBytes      uint32
	LargestFree    uint32
	FreeFragments  int
	UsedChunkCount uint32
}

// NewBufferChunkAllocator creates an allocator covering [0, size) of buffer.
func NewBufferChunkAllocator(buffer *metadata.Buffer, size uint32) *BufferChunkAllocator {
	a := &BufferChunkAllocator{
		Buffer:     buffer,
		size:       size,
		usedChunks: make(map[uint32]uint32),
	}
	if size > 0 {
		a.unusedChunks = []metadata.BufferChunk{{Offset: 0, Size: size}}
	}
	return a
}

func (a *BufferChunkAllocator) Size() uint32 {
	return a.size
}

func (a *BufferChunkAllocator) UsedChunkCount() uint32 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.usedChunkCount
}

// Allocate returns the first free region able to hold size bytes at the
// given alignment. When preferred is valid and its whole region is still
// free, it is used instead.
func (a *BufferChunkAllocator) Allocate(size, alignment uint32, preferred *metadata.BufferChunk) ChunkResult {
	if size == 0 {
		return ChunkResult{}
	}
	if alignment == 0 {
		alignment = 1
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if preferred != nil && preferred.Valid() && preferred.Size >= size && preferred.Offset%alignment == 0 {
		for i, free := range a.unusedChunks {
			if free.Offset <= preferred.Offset && preferred.End() <= free.End() {
				return a.take(i, preferred.Offset, size)
			}
		}
	}

	for i, free := range a.unusedChunks {
		start := alignUp(free.Offset, alignment)
		if uint64(start)+uint64(size) <= free.End() {
			return a.take(i, start, size)
		}
	}
	return ChunkResult{}
}

// take carves [start, start+size) out of unusedChunks[i], keeping the
// leading alignment gap and the trailing remainder free.
func (a *BufferChunkAllocator) take(i int, start, size uint32) ChunkResult {
	free := a.unusedChunks[i]
	var rest []metadata.BufferChunk
	if start > free.Offset {
		rest = append(rest, metadata.BufferChunk{Offset: free.Offset, Size: start - free.Offset})
	}
	if end := start + size; uint64(end) < free.End() {
		rest = append(rest, metadata.BufferChunk{Offset: end, Size: uint32(free.End() - uint64(end))})
	}

	chunks := make([]metadata.BufferChunk, 0, len(a.unusedChunks)+1)
	chunks = append(chunks, a.unusedChunks[:i]...)
	chunks = append(chunks, rest...)
	chunks = append(chunks, a.unusedChunks[i+1:]...)
	a.unusedChunks = chunks

	a.usedChunks[start] = size
	a.usedChunkCount++
	return ChunkResult{Chunk: metadata.BufferChunk{Offset: start, Size: size}, OK: true}
}

// Free returns a chunk and merges it with adjacent free regions.
func (a *BufferChunkAllocator) Free(chunk metadata.BufferChunk) error {
	if !chunk.Valid() {
		return nil
	}
	if chunk.End() > uint64(a.size) {
		return fmt.Errorf("free chunk [%d, %d) of a %d byte allocator: %w", chunk.Offset, chunk.End(), a.size, core.ErrChunkOutOfRange)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if size, ok := a.usedChunks[chunk.Offset]; !ok || size != chunk.Size {
		return fmt.Errorf("free chunk [%d, %d): %w", chunk.Offset, chunk.End(), core.ErrChunkNotAllocated)
	}
	delete(a.usedChunks, chunk.Offset)
	a.usedChunkCount--

	i := sort.Search(len(a.unusedChunks), func(i int) bool {
		return a.unusedChunks[i].Offset >= chunk.Offset
	})
	mergePrev := i > 0 && a.unusedChunks[i-1].End() == uint64(chunk.Offset)
	mergeNext := i < len(a.unusedChunks) && chunk.End() == uint64(a.unusedChunks[i].Offset)

	switch {
	case mergePrev && mergeNext:
		a.unusedChunks[i-1].Size += chunk.Size + a.unusedChunks[i].Size
		a.unusedChunks = append(a.unusedChunks[:i], a.unusedChunks[i+1:]...)
	case mergePrev:
		a.unusedChunks[i-1].Size += chunk.Size
	case mergeNext:
		a.unusedChunks[i].Offset = chunk.Offset
		a.unusedChunks[i].Size += chunk.Size
	default:
		a.unusedChunks = append(a.unusedChunks, metadata.BufferChunk{})
		copy(a.unusedChunks[i+1:], a.unusedChunks[i:])
		a.unusedChunks[i] = chunk
	}
	return nil
}

// UnusedChunks returns a copy of the free list, sorted by offset.
func (a *BufferChunkAllocator) UnusedChunks() []metadata.BufferChunk {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	out := make([]metadata.BufferChunk, len(a.unusedChunks))
	copy(out, a.unusedChunks)
	return out
}

func (a *BufferChunkAllocator) Stats() ChunkAllocatorStats {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	stats := ChunkAllocatorStats{
		Size:           a.size,
		FreeFragments:  len(a.unusedChunks),
		UsedChunkCount: a.usedChunkCount,
	}
	for _, c := range a.unusedChunks {
		stats.FreeBytes += c.Size
		if c.Size > stats.LargestFree {
			stats.LargestFree = c.Size
		}
	}
	return stats
}
