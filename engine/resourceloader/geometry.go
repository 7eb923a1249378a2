package resourceloader

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/** @brief Where the GPU data of a geometry lives. */
type GeometryStorage int

const (
	/** @brief Dedicated index and vertex buffers, see Geometry.Buffers. */
	GeometryStorageBuffers GeometryStorage = iota
	/** @brief Chunks of a shared GeometryBuffer, see Geometry.Chunks. */
	GeometryStorageChunks
)

/** @brief Dedicated buffers of a geometry. */
type GeometryBuffers struct {
	Index  *metadata.Buffer
	Vertex [metadata.MaxVertexBindings]*metadata.Buffer
}

/** @brief Chunks of a geometry inside a shared GeometryBuffer. */
type GeometryChunks struct {
	Buffer *GeometryBuffer
	Index  metadata.BufferChunk
	Vertex [metadata.MaxVertexBindings]metadata.BufferChunk
}

/**
 * @brief A mesh on the GPU. Exactly one of Buffers and Chunks is set,
 * selected by Storage.
 */
type Geometry struct {
	Name      string
	NodeIndex uint32

	Storage GeometryStorage
	Buffers *GeometryBuffers
	Chunks  *GeometryChunks

	IndexType          metadata.IndexType
	IndexCount         uint32
	VertexCount        uint32
	VertexBindingCount uint32
	VertexStrides      [metadata.MaxVertexBindings]uint32
	/** @brief Draws of the geometry. With Chunks storage StartIndex and VertexOffset include the chunk offsets. */
	DrawArgs []metadata.IndirectDrawIndexArguments

	/** @brief CPU copy of the source data, kept with GeometryLoadFlagShadowed. */
	ShadowData *metadata.GeometryData
}

/**
 * @brief Loads a geometry from a file (streamed by the loader) or from CPU
 * data (staged before AddGeometry returns), remapping its vertex streams
 * into the bindings of desc.VertexLayout. With desc.GeometryBuffer set, the
 * data is placed in chunks of that buffer.
 * A geometry loaded from a file must not be read before its token completes.
 */
func (l *ResourceLoader) AddGeometry(desc *GeometryLoadDesc) (*Geometry, SyncToken, error) {
	if desc == nil || (desc.FileName == "" && desc.Data == nil) {
		return nil, 0, fmt.Errorf("add geometry: %w", core.ErrInvalidDesc)
	}
	if err := l.usable(); err != nil {
		return nil, 0, err
	}
	if desc.GeometryBuffer != nil && desc.GeometryBuffer.NodeIndex != desc.NodeIndex {
		return nil, 0, fmt.Errorf("add geometry: geometry buffer of node %d used on node %d: %w",
			desc.GeometryBuffer.NodeIndex, desc.NodeIndex, core.ErrNodeIndexOutOfRange)
	}
	e, err := l.engine(desc.NodeIndex)
	if err != nil {
		return nil, 0, err
	}

	if desc.FileName != "" {
		geometry := &Geometry{Name: desc.FileName, NodeIndex: desc.NodeIndex}
		token := l.tokens.issue()
		l.enqueue(&fileRequest{
			kind:         fileRequestGeometry,
			token:        token,
			node:         e,
			geometryDesc: *desc,
			geometry:     geometry,
		})
		return geometry, token, nil
	}

	geometry := &Geometry{Name: desc.Data.Name, NodeIndex: desc.NodeIndex}
	parts, err := l.buildGeometry(e, desc, desc.Data, geometry)
	if err != nil {
		core.LogError("failed to add geometry %q: %s", geometry.Name, err)
		return nil, 0, err
	}
	token := l.tokens.issue()
	err = l.stage(e, token, parts)
	l.tokens.close(token)
	l.pump()
	if err != nil {
		core.LogError("failed to upload geometry %q: %s", geometry.Name, err)
	}
	return geometry, token, err
}

// prepareGeometryFile decodes the file of r and allocates its GPU storage.
func (l *ResourceLoader) prepareGeometryFile(r *fileRequest) error {
	res, err := l.geometryLoader.Load(r.geometryDesc.FileName, metadata.ResourceTypeGeometry, nil)
	if err != nil {
		return err
	}
	data, ok := res.Data.(*metadata.GeometryData)
	if !ok {
		return fmt.Errorf("geometry loader returned %T: %w", res.Data, core.ErrInvalidGeometryFile)
	}
	if data.Name != "" {
		r.geometry.Name = data.Name
	}
	parts, err := l.buildGeometry(r.node, &r.geometryDesc, data, r.geometry)
	if err != nil {
		return err
	}
	r.parts = parts
	return nil
}

// buildGeometry fills geometry from data, creates or sub-allocates its
// storage and returns the copies that upload it.
func (l *ResourceLoader) buildGeometry(e *copyEngine, desc *GeometryLoadDesc, data *metadata.GeometryData, geometry *Geometry) ([]stagingPart, error) {
	if geometry.Name == "" {
		geometry.Name = "geometry " + uuid.NewString()
	}
	layout := desc.VertexLayout
	if layout == nil {
		layout = defaultVertexLayout(data)
	}
	vertices, strides, err := remapVertices(data, layout)
	if err != nil {
		return nil, err
	}

	indexSize := data.IndexType.Size()
	indexBytes := uint64(data.IndexCount) * uint64(indexSize)
	if uint64(len(data.Indices)) < indexBytes {
		return nil, fmt.Errorf("geometry %q: %d index bytes for %d indices: %w", geometry.Name, len(data.Indices), data.IndexCount, core.ErrInvalidGeometryFile)
	}
	indices := data.Indices[:indexBytes]

	geometry.IndexType = data.IndexType
	geometry.IndexCount = data.IndexCount
	geometry.VertexCount = data.VertexCount
	geometry.VertexBindingCount = uint32(len(vertices))
	geometry.VertexStrides = strides
	geometry.DrawArgs = append([]metadata.IndirectDrawIndexArguments(nil), data.DrawArgs...)
	if len(geometry.DrawArgs) == 0 {
		count := data.IndexCount
		if count == 0 {
			count = data.VertexCount
		}
		geometry.DrawArgs = []metadata.IndirectDrawIndexArguments{{IndexCount: count, InstanceCount: 1}}
	}
	if desc.Flags&GeometryLoadFlagShadowed != 0 {
		geometry.ShadowData = cloneGeometryData(data)
	}

	var parts []stagingPart
	if gb := desc.GeometryBuffer; gb != nil {
		chunks, err := allocateGeometryChunks(gb, desc.GeometryBufferLayout, uint32(len(indices)), indexSize, vertices, strides)
		if err != nil {
			return nil, fmt.Errorf("geometry %q: %w", geometry.Name, err)
		}
		geometry.Storage = GeometryStorageChunks
		geometry.Chunks = chunks
		if chunks.Index.Valid() {
			parts = append(parts, bufferParts(gb.IndexBuffer.Buffer, uint64(chunks.Index.Offset), indices, e.bufferSize)...)
			for i := range geometry.DrawArgs {
				geometry.DrawArgs[i].StartIndex += chunks.Index.Offset / indexSize
			}
		}
		for b, v := range vertices {
			parts = append(parts, bufferParts(gb.VertexBuffers[b].Buffer, uint64(chunks.Vertex[b].Offset), v, e.bufferSize)...)
		}
		if len(vertices) > 0 && strides[0] > 0 {
			for i := range geometry.DrawArgs {
				geometry.DrawArgs[i].VertexOffset += chunks.Vertex[0].Offset / strides[0]
			}
		}
		return parts, nil
	}

	buffers := &GeometryBuffers{}
	destroy := func() {
		if buffers.Index != nil {
			e.renderer.BufferDestroy(buffers.Index)
		}
		for _, b := range buffers.Vertex {
			if b != nil {
				e.renderer.BufferDestroy(b)
			}
		}
	}
	if len(indices) > 0 {
		buffers.Index, err = e.renderer.BufferCreate(&metadata.BufferDesc{
			Name:        geometry.Name + " indices",
			Size:        uint64(len(indices)),
			MemoryUsage: metadata.ResourceMemoryUsageGPUOnly,
			Usage:       metadata.BufferUsageIndex,
			StartState:  metadata.ResourceStateIndexBuffer,
			NodeIndex:   e.nodeIndex,
		})
		if err != nil {
			return nil, err
		}
		parts = append(parts, bufferParts(buffers.Index, 0, indices, e.bufferSize)...)
	}
	for b, v := range vertices {
		if len(v) == 0 {
			continue
		}
		buffers.Vertex[b], err = e.renderer.BufferCreate(&metadata.BufferDesc{
			Name:        fmt.Sprintf("%s vertices %d", geometry.Name, b),
			Size:        uint64(len(v)),
			MemoryUsage: metadata.ResourceMemoryUsageGPUOnly,
			Usage:       metadata.BufferUsageVertex,
			StartState:  metadata.ResourceStateVertexBuffer,
			NodeIndex:   e.nodeIndex,
		})
		if err != nil {
			destroy()
			return nil, err
		}
		parts = append(parts, bufferParts(buffers.Vertex[b], 0, v, e.bufferSize)...)
	}
	geometry.Storage = GeometryStorageBuffers
	geometry.Buffers = buffers
	return parts, nil
}

// allocateGeometryChunks takes one index chunk and one vertex chunk per
// binding. Either every chunk is allocated or none is.
func allocateGeometryChunks(gb *GeometryBuffer, layout *GeometryBufferLayoutDesc, indexBytes, indexSize uint32, vertices [][]byte, strides [metadata.MaxVertexBindings]uint32) (*GeometryChunks, error) {
	chunks := &GeometryChunks{Buffer: gb}
	release := func() {
		if chunks.Index.Valid() {
			_ = gb.IndexBuffer.Free(chunks.Index)
		}
		for b, c := range chunks.Vertex {
			if c.Valid() {
				_ = gb.VertexBuffers[b].Free(c)
			}
		}
	}
	preferred := func(c metadata.BufferChunk) *metadata.BufferChunk {
		if layout == nil || !c.Valid() {
			return nil
		}
		return &c
	}

	if indexBytes > 0 {
		if gb.IndexBuffer == nil {
			return nil, fmt.Errorf("geometry buffer %q has no index buffer: %w", gb.Name, core.ErrInvalidDesc)
		}
		var hint metadata.BufferChunk
		if layout != nil {
			hint = layout.PreferredIndexChunk
		}
		res := gb.IndexBuffer.Allocate(indexBytes, indexSize, preferred(hint))
		if !res.OK {
			return nil, fmt.Errorf("%d index bytes in %q: %w", indexBytes, gb.Name, core.ErrGeometryBufferFull)
		}
		chunks.Index = res.Chunk
	}
	for b, v := range vertices {
		if len(v) == 0 {
			continue
		}
		if gb.VertexBuffers[b] == nil {
			release()
			return nil, fmt.Errorf("geometry buffer %q has no vertex buffer %d: %w", gb.Name, b, core.ErrInvalidDesc)
		}
		var hint metadata.BufferChunk
		if layout != nil {
			hint = layout.PreferredVertexChunks[b]
		}
		res := gb.VertexBuffers[b].Allocate(uint32(len(v)), strides[b], preferred(hint))
		if !res.OK {
			release()
			return nil, fmt.Errorf("%d vertex bytes in %q binding %d: %w", len(v), gb.Name, b, core.ErrGeometryBufferFull)
		}
		chunks.Vertex[b] = res.Chunk
	}
	return chunks, nil
}

// defaultVertexLayout puts every stream in its own binding.
func defaultVertexLayout(data *metadata.GeometryData) *metadata.VertexLayout {
	layout := &metadata.VertexLayout{}
	for i, s := range data.Streams {
		if i >= metadata.MaxVertexBindings {
			break
		}
		layout.Attribs = append(layout.Attribs, metadata.VertexAttrib{
			Semantic: s.Semantic,
			Size:     s.Stride,
			Binding:  uint32(i),
		})
	}
	return layout
}

// remapVertices interleaves the streams of data into the bindings of layout.
// Attributes missing from data are left zeroed.
func remapVertices(data *metadata.GeometryData, layout *metadata.VertexLayout) ([][]byte, [metadata.MaxVertexBindings]uint32, error) {
	var strides [metadata.MaxVertexBindings]uint32
	if len(layout.Attribs) > metadata.MaxVertexAttribs {
		return nil, strides, fmt.Errorf("%d vertex attributes: %w", len(layout.Attribs), core.ErrInvalidDesc)
	}
	bindings := layout.BindingCount()
	if bindings > metadata.MaxVertexBindings {
		return nil, strides, fmt.Errorf("%d vertex bindings: %w", bindings, core.ErrInvalidDesc)
	}

	out := make([][]byte, bindings)
	for b := uint32(0); b < bindings; b++ {
		strides[b] = layout.Stride(b)
		out[b] = make([]byte, uint64(strides[b])*uint64(data.VertexCount))
	}
	for _, attr := range layout.Attribs {
		stream := data.Stream(attr.Semantic)
		if stream == nil {
			core.LogWarn("geometry %q has no %s stream, attribute left zeroed", data.Name, attr.Semantic)
			continue
		}
		if uint64(len(stream.Data)) < uint64(stream.Stride)*uint64(data.VertexCount) {
			return nil, strides, fmt.Errorf("%s stream holds %d bytes for %d vertices: %w", attr.Semantic, len(stream.Data), data.VertexCount, core.ErrInvalidGeometryFile)
		}
		stride := uint64(strides[attr.Binding])
		n := uint64(minOf(attr.Size, stream.Stride))
		if uint64(attr.Offset)+n > stride {
			return nil, strides, fmt.Errorf("%s attribute overflows binding %d: %w", attr.Semantic, attr.Binding, core.ErrInvalidDesc)
		}
		dst := out[attr.Binding]
		for v := uint64(0); v < uint64(data.VertexCount); v++ {
			d := v*stride + uint64(attr.Offset)
			s := v * uint64(stream.Stride)
			copy(dst[d:d+n], stream.Data[s:s+n])
		}
	}
	return out, strides, nil
}

func cloneGeometryData(data *metadata.GeometryData) *metadata.GeometryData {
	clone := &metadata.GeometryData{
		Name:        data.Name,
		IndexType:   data.IndexType,
		IndexCount:  data.IndexCount,
		Indices:     append([]byte(nil), data.Indices...),
		VertexCount: data.VertexCount,
		DrawArgs:    append([]metadata.IndirectDrawIndexArguments(nil), data.DrawArgs...),
	}
	for _, s := range data.Streams {
		clone.Streams = append(clone.Streams, metadata.VertexStream{
			Semantic: s.Semantic,
			Stride:   s.Stride,
			Data:     append([]byte(nil), s.Data...),
		})
	}
	return clone
}

/**
 * @brief Frees the GPU storage of a geometry: its chunks go back to their
 * GeometryBuffer, dedicated buffers are destroyed. The caller must make sure
 * its upload token completed.
 */
func (l *ResourceLoader) RemoveGeometry(geometry *Geometry) error {
	if geometry == nil {
		return nil
	}
	switch geometry.Storage {
	case GeometryStorageChunks:
		if geometry.Chunks == nil {
			return nil
		}
		gb := geometry.Chunks.Buffer
		if geometry.Chunks.Index.Valid() {
			if err := l.RemoveGeometryBufferPart(gb.IndexBuffer, &geometry.Chunks.Index); err != nil {
				return err
			}
		}
		for b := range geometry.Chunks.Vertex {
			if geometry.Chunks.Vertex[b].Valid() {
				if err := l.RemoveGeometryBufferPart(gb.VertexBuffers[b], &geometry.Chunks.Vertex[b]); err != nil {
					return err
				}
			}
		}
		geometry.Chunks = nil
	case GeometryStorageBuffers:
		if geometry.Buffers == nil {
			return nil
		}
		e, err := l.engine(geometry.NodeIndex)
		if err != nil {
			return err
		}
		if geometry.Buffers.Index != nil {
			e.renderer.BufferDestroy(geometry.Buffers.Index)
		}
		for _, b := range geometry.Buffers.Vertex {
			if b != nil {
				e.renderer.BufferDestroy(b)
			}
		}
		geometry.Buffers = nil
	}
	geometry.ShadowData = nil
	return nil
}

// RemoveGeometryShadowData drops the CPU copy kept by GeometryLoadFlagShadowed.
func (l *ResourceLoader) RemoveGeometryShadowData(geometry *Geometry) {
	if geometry != nil {
		geometry.ShadowData = nil
	}
}
