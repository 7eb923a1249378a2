package resourceloader

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/assets/loaders"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

func floatBytes(values ...float32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

func quadGeometry() *metadata.GeometryData {
	indices := make([]byte, 0, 12)
	for _, i := range []uint16{0, 1, 2, 0, 2, 3} {
		indices = binary.LittleEndian.AppendUint16(indices, i)
	}
	return &metadata.GeometryData{
		Name:        "quad",
		IndexType:   metadata.IndexType16,
		IndexCount:  6,
		Indices:     indices,
		VertexCount: 4,
		Streams: []metadata.VertexStream{
			{Semantic: metadata.SemanticPosition, Stride: 12, Data: floatBytes(0, 0, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0)},
			{Semantic: metadata.SemanticTexcoord0, Stride: 8, Data: floatBytes(0, 0, 1, 0, 1, 1, 0, 1)},
		},
	}
}

func newGeometryBuffer(t *testing.T, rig *testRig, indices uint32) *GeometryBuffer {
	t.Helper()
	desc := &GeometryBufferLoadDesc{Name: "shared", IndicesSize: indices}
	desc.VerticesSizes[0] = 1024
	desc.VerticesSizes[1] = 1024
	gb, err := rig.loader.AddGeometryBuffer(desc)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, rig.loader.RemoveGeometryBuffer(gb)) })
	return gb
}

func TestAddGeometryIntoGeometryBuffer(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	gb := newGeometryBuffer(t, rig, 256)
	quad := quadGeometry()

	first, _, err := rig.loader.AddGeometry(&GeometryLoadDesc{Data: quad, GeometryBuffer: gb})
	require.NoError(t, err)
	second, token, err := rig.loader.AddGeometry(&GeometryLoadDesc{Data: quad, GeometryBuffer: gb})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	require.Equal(t, GeometryStorageChunks, second.Storage)
	assert.Nil(t, second.Buffers)
	assert.Equal(t, metadata.BufferChunk{Offset: 12, Size: 12}, second.Chunks.Index)
	assert.Equal(t, metadata.BufferChunk{Offset: 48, Size: 48}, second.Chunks.Vertex[0])
	assert.Equal(t, metadata.BufferChunk{Offset: 32, Size: 32}, second.Chunks.Vertex[1])
	assert.Equal(t, uint32(2), second.VertexBindingCount)
	assert.Equal(t, uint32(12), second.VertexStrides[0])
	assert.Equal(t, uint32(8), second.VertexStrides[1])

	// Draws address the shared buffers directly.
	assert.Equal(t, []metadata.IndirectDrawIndexArguments{{IndexCount: 6, InstanceCount: 1}}, first.DrawArgs)
	assert.Equal(t, []metadata.IndirectDrawIndexArguments{{IndexCount: 6, InstanceCount: 1, StartIndex: 6, VertexOffset: 4}}, second.DrawArgs)

	backend := rig.backends[0]
	assert.Equal(t, quad.Indices, backend.ReadBuffer(gb.IndexBuffer.Buffer)[12:24])
	assert.Equal(t, quad.Streams[0].Data, backend.ReadBuffer(gb.VertexBuffers[0].Buffer)[48:96])
	assert.Equal(t, quad.Streams[1].Data, backend.ReadBuffer(gb.VertexBuffers[1].Buffer)[32:64])

	require.NoError(t, rig.loader.RemoveGeometry(first))
	require.NoError(t, rig.loader.RemoveGeometry(second))
	assert.Zero(t, gb.IndexBuffer.UsedChunkCount())
	assert.Zero(t, gb.VertexBuffers[0].UsedChunkCount())
	assert.Equal(t, []metadata.BufferChunk{{Offset: 0, Size: 256}}, gb.IndexBuffer.UnusedChunks())
}

func TestAddGeometryPreferredChunks(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	gb := newGeometryBuffer(t, rig, 256)

	layout := &GeometryBufferLayoutDesc{PreferredIndexChunk: metadata.BufferChunk{Offset: 128, Size: 12}}
	layout.PreferredVertexChunks[0] = metadata.BufferChunk{Offset: 480, Size: 48}
	geometry, token, err := rig.loader.AddGeometry(&GeometryLoadDesc{Data: quadGeometry(), GeometryBuffer: gb, GeometryBufferLayout: layout})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	assert.Equal(t, uint32(128), geometry.Chunks.Index.Offset)
	assert.Equal(t, uint32(480), geometry.Chunks.Vertex[0].Offset)
	assert.Equal(t, uint32(0), geometry.Chunks.Vertex[1].Offset)
	assert.Equal(t, uint32(64), geometry.DrawArgs[0].StartIndex)
	assert.Equal(t, uint32(40), geometry.DrawArgs[0].VertexOffset)
}

func TestAddGeometryBufferFullRollsBack(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	desc := &GeometryBufferLoadDesc{IndicesSize: 64}
	desc.VerticesSizes[0] = 1024
	desc.VerticesSizes[1] = 16
	gb, err := rig.loader.AddGeometryBuffer(desc)
	require.NoError(t, err)
	defer rig.loader.RemoveGeometryBuffer(gb)

	_, _, err = rig.loader.AddGeometry(&GeometryLoadDesc{Data: quadGeometry(), GeometryBuffer: gb})
	assert.ErrorIs(t, err, core.ErrGeometryBufferFull)
	assert.Zero(t, gb.IndexBuffer.UsedChunkCount())
	assert.Zero(t, gb.VertexBuffers[0].UsedChunkCount())
	assert.Equal(t, []metadata.BufferChunk{{Offset: 0, Size: 1024}}, gb.VertexBuffers[0].UnusedChunks())
}

func TestAddGeometryInterleavedLayoutAndShadow(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	quad := quadGeometry()
	layout := &metadata.VertexLayout{Attribs: []metadata.VertexAttrib{
		{Semantic: metadata.SemanticPosition, Size: 12, Binding: 0, Offset: 0},
		{Semantic: metadata.SemanticTexcoord0, Size: 8, Binding: 0, Offset: 12},
		{Semantic: metadata.SemanticNormal, Size: 12, Binding: 1, Offset: 0},
	}}

	geometry, token, err := rig.loader.AddGeometry(&GeometryLoadDesc{Data: quad, VertexLayout: layout, Flags: GeometryLoadFlagShadowed})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	require.Equal(t, GeometryStorageBuffers, geometry.Storage)
	assert.Equal(t, uint32(20), geometry.VertexStrides[0])
	vertices := rig.backends[0].ReadBuffer(geometry.Buffers.Vertex[0])
	require.Len(t, vertices, 4*20)
	assert.Equal(t, quad.Streams[0].Data[12:24], vertices[20:32])
	assert.Equal(t, quad.Streams[1].Data[8:16], vertices[32:40])
	// No normal stream in the source, the binding stays zeroed.
	assert.Equal(t, make([]byte, 48), rig.backends[0].ReadBuffer(geometry.Buffers.Vertex[1]))
	assert.Equal(t, quad.Indices, rig.backends[0].ReadBuffer(geometry.Buffers.Index))

	require.NotNil(t, geometry.ShadowData)
	assert.Equal(t, quad.Indices, geometry.ShadowData.Indices)
	quad.Indices[0] = 42
	assert.NotEqual(t, quad.Indices, geometry.ShadowData.Indices)

	rig.loader.RemoveGeometryShadowData(geometry)
	assert.Nil(t, geometry.ShadowData)
	require.NoError(t, rig.loader.RemoveGeometry(geometry))
	assert.Nil(t, geometry.Buffers)
}

func TestAddGeometryFromFile(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 64, BufferCount: 2}, 1)
	path := filepath.Join(t.TempDir(), "quad.gtf")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, loaders.WriteGeometryTF(f, quadGeometry()))
	require.NoError(t, f.Close())

	geometry, token, err := rig.loader.AddGeometry(&GeometryLoadDesc{FileName: path})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	assert.Equal(t, "quad", geometry.Name)
	assert.Equal(t, uint32(6), geometry.IndexCount)
	assert.Equal(t, uint32(4), geometry.VertexCount)
	require.NotNil(t, geometry.Buffers)
	assert.Equal(t, quadGeometry().Streams[0].Data, rig.backends[0].ReadBuffer(geometry.Buffers.Vertex[0]))
}

func TestAddGeometryFromCorruptFileFails(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 64, BufferCount: 2}, 1)
	header := make([]byte, loaders.GeometryTFHeaderSize+16)
	copy(header, "GeometryTF")
	binary.LittleEndian.PutUint16(header[10:], loaders.GeometryTFVersion)
	binary.LittleEndian.PutUint32(header[24:], 0xFFFFFFFF)  // vertex count
	binary.LittleEndian.PutUint32(header[32:], 1)           // stream count
	binary.LittleEndian.PutUint32(header[100:], 0xFFFFFFFF) // stride of stream 0
	path := filepath.Join(t.TempDir(), "corrupt.gtf")
	require.NoError(t, os.WriteFile(path, header, 0o644))

	failed := make(chan core.EventContext, 1)
	rig.events.Register(core.EVENT_CODE_RESOURCE_FAILED, t, func(code core.SystemEventCode, sender, listener interface{}, ctx core.EventContext) bool {
		failed <- ctx
		return true
	})

	geometry, token, err := rig.loader.AddGeometry(&GeometryLoadDesc{FileName: path})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))
	assert.Nil(t, geometry.Buffers)

	select {
	case ctx := <-failed:
		assert.Equal(t, uint64(token), ctx.Data.U64[0])
		assert.Contains(t, ctx.Data.C[1], core.ErrInvalidGeometryFile.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("no failed event")
	}

	// The worker survives and keeps streaming.
	_, token, err = rig.loader.AddGeometry(&GeometryLoadDesc{Data: quadGeometry()})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))
}

func TestGeometryBufferParts(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	gb := newGeometryBuffer(t, rig, 128)

	chunk := rig.loader.AddGeometryBufferPart(gb.IndexBuffer, 100, 4, nil)
	assert.Equal(t, metadata.BufferChunk{Offset: 0, Size: 100}, chunk)
	assert.Zero(t, rig.loader.AddGeometryBufferPart(gb.IndexBuffer, 100, 4, nil).Size)

	require.NoError(t, rig.loader.RemoveGeometryBufferPart(gb.IndexBuffer, &chunk))
	assert.Equal(t, metadata.BufferChunk{}, chunk)
	assert.ErrorIs(t, rig.loader.RemoveGeometryBufferPart(gb.IndexBuffer, &metadata.BufferChunk{Offset: 0, Size: 100}), core.ErrChunkNotAllocated)
	assert.ErrorIs(t, rig.loader.RemoveGeometryBufferPart(nil, &chunk), core.ErrInvalidDesc)
}

func TestAddGeometryValidation(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	_, _, err := rig.loader.AddGeometry(&GeometryLoadDesc{})
	assert.ErrorIs(t, err, core.ErrInvalidDesc)

	bad := quadGeometry()
	bad.Streams[0].Data = bad.Streams[0].Data[:10]
	_, _, err = rig.loader.AddGeometry(&GeometryLoadDesc{Data: bad})
	assert.ErrorIs(t, err, core.ErrInvalidGeometryFile)
}
