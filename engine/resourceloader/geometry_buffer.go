package resourceloader

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Large shared index and vertex buffers that geometries are
 * sub-allocated from. Owned by the application.
 */
type GeometryBuffer struct {
	Name      string
	NodeIndex uint32
	/** @brief Allocator over the shared index buffer. Nil when IndicesSize was 0. */
	IndexBuffer *BufferChunkAllocator
	/** @brief Allocators over the shared vertex buffers, one per binding. Nil where the size was 0. */
	VertexBuffers [metadata.MaxVertexBindings]*BufferChunkAllocator
}

/**
 * @brief Creates the buffers of a GeometryBuffer.
 */
func (l *ResourceLoader) AddGeometryBuffer(desc *GeometryBufferLoadDesc) (*GeometryBuffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("add geometry buffer: %w", core.ErrInvalidDesc)
	}
	e, err := l.engine(desc.NodeIndex)
	if err != nil {
		return nil, err
	}
	name := desc.Name
	if name == "" {
		name = "geometry buffer " + uuid.NewString()
	}

	gb := &GeometryBuffer{Name: name, NodeIndex: desc.NodeIndex}
	create := func(label string, size uint32, usage metadata.BufferUsage) (*BufferChunkAllocator, error) {
		buffer, err := e.renderer.BufferCreate(&metadata.BufferDesc{
			Name:        fmt.Sprintf("%s %s", name, label),
			Size:        uint64(size),
			MemoryUsage: metadata.ResourceMemoryUsageGPUOnly,
			Usage:       usage,
			StartState:  metadata.ResourceStateCopyDest,
			NodeIndex:   desc.NodeIndex,
		})
		if err != nil {
			return nil, err
		}
		return NewBufferChunkAllocator(buffer, size), nil
	}

	if desc.IndicesSize > 0 {
		if gb.IndexBuffer, err = create("indices", desc.IndicesSize, metadata.BufferUsageIndex); err != nil {
			l.destroyGeometryBuffer(e, gb)
			return nil, fmt.Errorf("add geometry buffer %q: %w", name, err)
		}
	}
	for i, size := range desc.VerticesSizes {
		if size == 0 {
			continue
		}
		if gb.VertexBuffers[i], err = create(fmt.Sprintf("vertices %d", i), size, metadata.BufferUsageVertex); err != nil {
			l.destroyGeometryBuffer(e, gb)
			return nil, fmt.Errorf("add geometry buffer %q: %w", name, err)
		}
	}
	core.LogDebug("geometry buffer %q created (%d index bytes)", name, desc.IndicesSize)
	return gb, nil
}

/**
 * @brief Destroys the buffers of a GeometryBuffer. Geometries living in it
 * must be removed first.
 */
func (l *ResourceLoader) RemoveGeometryBuffer(gb *GeometryBuffer) error {
	if gb == nil {
		return nil
	}
	e, err := l.engine(gb.NodeIndex)
	if err != nil {
		return err
	}
	l.destroyGeometryBuffer(e, gb)
	return nil
}

func (l *ResourceLoader) destroyGeometryBuffer(e *copyEngine, gb *GeometryBuffer) {
	allocators := append([]*BufferChunkAllocator{gb.IndexBuffer}, gb.VertexBuffers[:]...)
	for _, a := range allocators {
		if a == nil || a.Buffer == nil {
			continue
		}
		if used := a.UsedChunkCount(); used > 0 {
			core.LogWarn("geometry buffer %q: destroying %q with %d live chunks", gb.Name, a.Buffer.Desc.Name, used)
		}
		e.renderer.BufferDestroy(a.Buffer)
		a.Buffer = nil
	}
}

/**
 * @brief Allocates size bytes from allocator. Prefers the region of preferred
 * when it is still free.
 * @return The chunk, with a zero size when no free region was large enough.
 */
func (l *ResourceLoader) AddGeometryBufferPart(allocator *BufferChunkAllocator, size, alignment uint32, preferred *metadata.BufferChunk) metadata.BufferChunk {
	if allocator == nil {
		return metadata.BufferChunk{}
	}
	return allocator.Allocate(size, alignment, preferred).Chunk
}

/**
 * @brief Returns chunk to allocator and clears it so it cannot be freed twice.
 */
func (l *ResourceLoader) RemoveGeometryBufferPart(allocator *BufferChunkAllocator, chunk *metadata.BufferChunk) error {
	if allocator == nil || chunk == nil {
		return fmt.Errorf("remove geometry buffer part: %w", core.ErrInvalidDesc)
	}
	if err := allocator.Free(*chunk); err != nil {
		return err
	}
	*chunk = metadata.BufferChunk{}
	return nil
}
