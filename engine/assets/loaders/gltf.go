package loaders

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

// GLTFLoader reads .gltf and .glb files. Every primitive of every mesh is
// merged into one GeometryData with one draw per primitive.
type GLTFLoader struct{}

func (gl *GLTFLoader) Load(path string, assetType metadata.ResourceType, params interface{}) (*metadata.Resource, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gltf open %q: %w", path, err)
	}
	data, err := LoadFromDocument(doc, path)
	if err != nil {
		return nil, err
	}
	return &metadata.Resource{
		Name:     data.Name,
		FullPath: path,
		Type:     metadata.ResourceTypeGeometry,
		DataSize: geometryDataSize(data),
		Data:     data,
	}, nil
}

func (gl *GLTFLoader) Unload(res *metadata.Resource) error {
	if res != nil {
		res.Data = nil
	}
	return nil
}

type gltfPrimitive struct {
	positions [][3]float32
	normals   [][3]float32
	texcoords [][2]float32
	tangents  [][4]float32
	indices   []uint32
}

// LoadFromDocument converts the meshes of doc into GeometryData.
func LoadFromDocument(doc *gltf.Document, name string) (*metadata.GeometryData, error) {
	var prims []gltfPrimitive
	hasNormals, hasTexcoords, hasTangents := false, false, false
	for mi, mesh := range doc.Meshes {
		for pi, prim := range mesh.Primitives {
			p, err := readGLTFPrimitive(doc, prim)
			if err != nil {
				return nil, fmt.Errorf("gltf %q mesh %d primitive %d: %w", name, mi, pi, err)
			}
			hasNormals = hasNormals || p.normals != nil
			hasTexcoords = hasTexcoords || p.texcoords != nil
			hasTangents = hasTangents || p.tangents != nil
			prims = append(prims, p)
		}
	}
	if len(prims) == 0 {
		return nil, fmt.Errorf("gltf %q has no mesh primitives: %w", name, core.ErrInvalidGeometryFile)
	}

	vertexCount, indexCount := 0, 0
	for _, p := range prims {
		vertexCount += len(p.positions)
		indexCount += len(p.indices)
	}
	data := &metadata.GeometryData{
		Name:        name,
		VertexCount: uint32(vertexCount),
		IndexCount:  uint32(indexCount),
		IndexType:   metadata.IndexType32,
	}
	if vertexCount <= math.MaxUint16 {
		data.IndexType = metadata.IndexType16
	}

	positions := make([]byte, 0, vertexCount*12)
	var normals, texcoords, tangents []byte
	indices := make([]byte, 0, indexCount*int(data.IndexType.Size()))
	base := uint32(0)
	start := uint32(0)
	for _, p := range prims {
		n := len(p.positions)
		for _, v := range p.positions {
			positions = appendFloats(positions, v[:]...)
		}
		if hasNormals {
			for i := 0; i < n; i++ {
				v := [3]float32{}
				if i < len(p.normals) {
					v = p.normals[i]
				}
				normals = appendFloats(normals, v[:]...)
			}
		}
		if hasTexcoords {
			for i := 0; i < n; i++ {
				v := [2]float32{}
				if i < len(p.texcoords) {
					v = p.texcoords[i]
				}
				texcoords = appendFloats(texcoords, v[:]...)
			}
		}
		if hasTangents {
			for i := 0; i < n; i++ {
				v := [4]float32{}
				if i < len(p.tangents) {
					v = p.tangents[i]
				}
				tangents = appendFloats(tangents, v[:]...)
			}
		}
		for _, idx := range p.indices {
			if data.IndexType == metadata.IndexType16 {
				indices = binary.LittleEndian.AppendUint16(indices, uint16(idx))
			} else {
				indices = binary.LittleEndian.AppendUint32(indices, idx)
			}
		}
		data.DrawArgs = append(data.DrawArgs, metadata.IndirectDrawIndexArguments{
			IndexCount:    uint32(len(p.indices)),
			InstanceCount: 1,
			StartIndex:    start,
			VertexOffset:  base,
		})
		base += uint32(n)
		start += uint32(len(p.indices))
	}
	data.Indices = indices

	data.Streams = append(data.Streams, metadata.VertexStream{Semantic: metadata.SemanticPosition, Stride: 12, Data: positions})
	if hasNormals {
		data.Streams = append(data.Streams, metadata.VertexStream{Semantic: metadata.SemanticNormal, Stride: 12, Data: normals})
	}
	if hasTexcoords {
		data.Streams = append(data.Streams, metadata.VertexStream{Semantic: metadata.SemanticTexcoord0, Stride: 8, Data: texcoords})
	}
	if hasTangents {
		data.Streams = append(data.Streams, metadata.VertexStream{Semantic: metadata.SemanticTangent, Stride: 16, Data: tangents})
	}
	core.LogDebug("gltf %q: %d primitives, %d vertices, %d indices", name, len(prims), vertexCount, indexCount)
	return data, nil
}

func readGLTFPrimitive(doc *gltf.Document, prim *gltf.Primitive) (gltfPrimitive, error) {
	var p gltfPrimitive
	posIdx, ok := prim.Attributes[gltf.POSITION]
	if !ok {
		return p, fmt.Errorf("no POSITION attribute: %w", core.ErrInvalidGeometryFile)
	}
	var err error
	if p.positions, err = modeler.ReadPosition(doc, doc.Accessors[posIdx], nil); err != nil {
		return p, fmt.Errorf("positions: %w", err)
	}
	if idx, ok := prim.Attributes[gltf.NORMAL]; ok {
		if p.normals, err = modeler.ReadNormal(doc, doc.Accessors[idx], nil); err != nil {
			return p, fmt.Errorf("normals: %w", err)
		}
	}
	if idx, ok := prim.Attributes[gltf.TEXCOORD_0]; ok {
		if p.texcoords, err = modeler.ReadTextureCoord(doc, doc.Accessors[idx], nil); err != nil {
			return p, fmt.Errorf("texcoords: %w", err)
		}
	}
	if idx, ok := prim.Attributes[gltf.TANGENT]; ok {
		if p.tangents, err = modeler.ReadTangent(doc, doc.Accessors[idx], nil); err != nil {
			return p, fmt.Errorf("tangents: %w", err)
		}
	}
	if prim.Indices != nil {
		if p.indices, err = modeler.ReadIndices(doc, doc.Accessors[*prim.Indices], nil); err != nil {
			return p, fmt.Errorf("indices: %w", err)
		}
	} else {
		p.indices = make([]uint32, len(p.positions))
		for i := range p.indices {
			p.indices[i] = uint32(i)
		}
	}
	return p, nil
}

func appendFloats(dst []byte, values ...float32) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

func geometryDataSize(data *metadata.GeometryData) uint64 {
	size := uint64(len(data.Indices))
	for _, s := range data.Streams {
		size += uint64(len(s.Data))
	}
	return size
}
