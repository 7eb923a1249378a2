package loaders

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

const (
	// GeometryTFHeaderSize is the size in bytes of the GeometryTF header record.
	GeometryTFHeaderSize = 352
	// GeometryTFVersion is the version written by WriteGeometryTF.
	GeometryTFVersion = 1

	geometryTFMaxStreams = 16
	geometryTFNameSize   = 60

	// GeometryTFMaxPayload bounds the bytes following the header.
	GeometryTFMaxPayload = 1 << 30
)

type geometryTFStream struct {
	Semantic uint32
	Stride   uint32
}

/**
 * @brief Fixed size header of a GeometryTF file, followed by the indices, then
 * each vertex stream, then the draw arguments. All fields are little endian.
 */
type geometryTFHeader struct {
	Magic       [10]byte
	Version     uint16
	Flags       uint32
	IndexType   uint32
	IndexCount  uint32
	VertexCount uint32
	DrawCount   uint32
	StreamCount uint32
	Name        [geometryTFNameSize]byte
	Streams     [geometryTFMaxStreams]geometryTFStream
	Reserved    [128]byte
}

// ReadGeometryTF decodes a GeometryTF stream.
func ReadGeometryTF(r io.Reader) (*metadata.GeometryData, error) {
	return ReadGeometryTFLimited(r, GeometryTFMaxPayload)
}

/**
 * @brief Decodes a GeometryTF stream whose payload after the header holds at
 * most limit bytes. Headers announcing more data are rejected before anything
 * is allocated.
 */
func ReadGeometryTFLimited(r io.Reader, limit uint64) (*metadata.GeometryData, error) {
	limit = min(limit, GeometryTFMaxPayload)
	var header geometryTFHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("geometrytf header: %w", err)
	}
	if !bytes.Equal(header.Magic[:], magicGeometryTF) {
		return nil, fmt.Errorf("geometrytf: bad magic %q: %w", header.Magic[:], core.ErrInvalidGeometryFile)
	}
	if header.Version != GeometryTFVersion {
		return nil, fmt.Errorf("geometrytf: version %d: %w", header.Version, core.ErrInvalidGeometryFile)
	}
	if header.StreamCount > metadata.MaxVertexAttribs {
		return nil, fmt.Errorf("geometrytf: %d streams: %w", header.StreamCount, core.ErrInvalidGeometryFile)
	}
	indexType := metadata.IndexType(header.IndexType)
	if indexType != metadata.IndexType16 && indexType != metadata.IndexType32 {
		return nil, fmt.Errorf("geometrytf: index type %d: %w", header.IndexType, core.ErrInvalidGeometryFile)
	}

	if err := checkGeometryTFPayload(&header, indexType, limit); err != nil {
		return nil, err
	}

	data := &metadata.GeometryData{
		Name:        string(bytes.TrimRight(header.Name[:], "\x00")),
		IndexType:   indexType,
		IndexCount:  header.IndexCount,
		VertexCount: header.VertexCount,
	}
	data.Indices = make([]byte, uint64(header.IndexCount)*uint64(indexType.Size()))
	if _, err := io.ReadFull(r, data.Indices); err != nil {
		return nil, fmt.Errorf("geometrytf indices: %w", err)
	}
	for i := uint32(0); i < header.StreamCount; i++ {
		s := header.Streams[i]
		stream := metadata.VertexStream{
			Semantic: metadata.VertexSemantic(s.Semantic),
			Stride:   s.Stride,
			Data:     make([]byte, uint64(s.Stride)*uint64(header.VertexCount)),
		}
		if _, err := io.ReadFull(r, stream.Data); err != nil {
			return nil, fmt.Errorf("geometrytf %s stream: %w", stream.Semantic, err)
		}
		data.Streams = append(data.Streams, stream)
	}
	if header.DrawCount > 0 {
		data.DrawArgs = make([]metadata.IndirectDrawIndexArguments, header.DrawCount)
		if err := binary.Read(r, binary.LittleEndian, data.DrawArgs); err != nil {
			return nil, fmt.Errorf("geometrytf draw arguments: %w", err)
		}
	}
	return data, nil
}

// checkGeometryTFPayload sums the sizes announced by the header without
// overflowing and compares them with limit.
func checkGeometryTFPayload(header *geometryTFHeader, indexType metadata.IndexType, limit uint64) error {
	sizes := []uint64{
		uint64(header.IndexCount) * uint64(indexType.Size()),
		uint64(header.DrawCount) * uint64(binary.Size(metadata.IndirectDrawIndexArguments{})),
	}
	for i := uint32(0); i < header.StreamCount; i++ {
		sizes = append(sizes, uint64(header.Streams[i].Stride)*uint64(header.VertexCount))
	}
	var total uint64
	for _, size := range sizes {
		if size > limit-total {
			return fmt.Errorf("geometrytf: header announces more than %d payload bytes: %w", limit, core.ErrInvalidGeometryFile)
		}
		total += size
	}
	return nil
}

// WriteGeometryTF encodes data as a GeometryTF stream.
func WriteGeometryTF(w io.Writer, data *metadata.GeometryData) error {
	if len(data.Streams) > metadata.MaxVertexAttribs {
		return fmt.Errorf("geometrytf: %d streams: %w", len(data.Streams), core.ErrInvalidDesc)
	}
	indexBytes := uint64(data.IndexCount) * uint64(data.IndexType.Size())
	if uint64(len(data.Indices)) < indexBytes {
		return fmt.Errorf("geometrytf: %d index bytes for %d indices: %w", len(data.Indices), data.IndexCount, core.ErrInvalidDesc)
	}

	header := geometryTFHeader{
		Version:     GeometryTFVersion,
		IndexType:   uint32(data.IndexType),
		IndexCount:  data.IndexCount,
		VertexCount: data.VertexCount,
		DrawCount:   uint32(len(data.DrawArgs)),
		StreamCount: uint32(len(data.Streams)),
	}
	copy(header.Magic[:], magicGeometryTF)
	copy(header.Name[:], data.Name)
	for i, s := range data.Streams {
		if uint64(len(s.Data)) < uint64(s.Stride)*uint64(data.VertexCount) {
			return fmt.Errorf("geometrytf: %s stream holds %d bytes: %w", s.Semantic, len(s.Data), core.ErrInvalidDesc)
		}
		header.Streams[i] = geometryTFStream{Semantic: uint32(s.Semantic), Stride: s.Stride}
	}

	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return err
	}
	if _, err := w.Write(data.Indices[:indexBytes]); err != nil {
		return err
	}
	for _, s := range data.Streams {
		if _, err := w.Write(s.Data[:uint64(s.Stride)*uint64(data.VertexCount)]); err != nil {
			return err
		}
	}
	if len(data.DrawArgs) > 0 {
		return binary.Write(w, binary.LittleEndian, data.DrawArgs)
	}
	return nil
}
