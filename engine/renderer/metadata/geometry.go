package metadata

/** @brief Maximum number of vertex buffers a geometry can bind. */
const MaxVertexBindings = 15

/** @brief Maximum number of vertex attributes in a layout. */
const MaxVertexAttribs = 15

/** @brief Per vertex attribute meaning. */
type VertexSemantic uint32

const (
	SemanticUndefined VertexSemantic = iota
	SemanticPosition
	SemanticNormal
	SemanticTangent
	SemanticBitangent
	SemanticColor
	SemanticTexcoord0
	SemanticTexcoord1
	SemanticTexcoord2
	SemanticTexcoord3
	SemanticJoints
	SemanticWeights
)

func (s VertexSemantic) String() string {
	switch s {
	case SemanticPosition:
		return "POSITION"
	case SemanticNormal:
		return "NORMAL"
	case SemanticTangent:
		return "TANGENT"
	case SemanticBitangent:
		return "BITANGENT"
	case SemanticColor:
		return "COLOR"
	case SemanticTexcoord0:
		return "TEXCOORD_0"
	case SemanticTexcoord1:
		return "TEXCOORD_1"
	case SemanticTexcoord2:
		return "TEXCOORD_2"
	case SemanticTexcoord3:
		return "TEXCOORD_3"
	case SemanticJoints:
		return "JOINTS_0"
	case SemanticWeights:
		return "WEIGHTS_0"
	}
	return "UNDEFINED"
}

/**
 * @brief Describes where one attribute lives inside the GPU vertex buffers.
 */
type VertexAttrib struct {
	/** @brief What the attribute holds. */
	Semantic VertexSemantic
	/** @brief Size of the attribute in bytes per vertex. */
	Size uint32
	/** @brief The vertex buffer the attribute is written to. */
	Binding uint32
	/** @brief Byte offset of the attribute inside a vertex of its binding. */
	Offset uint32
}

/**
 * @brief Specifies how to arrange vertex data loaded from a file into GPU memory.
 */
type VertexLayout struct {
	Attribs []VertexAttrib
	/** @brief Per binding stride. Zero strides are derived from the attributes. */
	Strides [MaxVertexBindings]uint32
}

// BindingCount is the number of vertex buffers the layout writes to.
func (vl *VertexLayout) BindingCount() uint32 {
	count := uint32(0)
	for _, a := range vl.Attribs {
		if a.Binding+1 > count {
			count = a.Binding + 1
		}
	}
	return count
}

// Stride returns the vertex stride of a binding.
func (vl *VertexLayout) Stride(binding uint32) uint32 {
	if binding < MaxVertexBindings && vl.Strides[binding] != 0 {
		return vl.Strides[binding]
	}
	stride := uint32(0)
	for _, a := range vl.Attribs {
		if a.Binding == binding && a.Offset+a.Size > stride {
			stride = a.Offset + a.Size
		}
	}
	return stride
}

/** @brief Width of geometry indices. */
type IndexType uint32

const (
	IndexType32 IndexType = iota
	IndexType16
)

func (it IndexType) Size() uint32 {
	if it == IndexType16 {
		return 2
	}
	return 4
}

/**
 * @brief Arguments for one indexed draw of a geometry subset.
 */
type IndirectDrawIndexArguments struct {
	IndexCount    uint32
	InstanceCount uint32
	StartIndex    uint32
	VertexOffset  uint32
	StartInstance uint32
}

/**
 * @brief Tightly packed per-semantic vertex data.
 */
type VertexStream struct {
	Semantic VertexSemantic
	/** @brief Bytes per vertex. */
	Stride uint32
	Data   []byte
}

/**
 * @brief CPU side mesh contents, produced by geometry loaders.
 */
type GeometryData struct {
	Name        string
	IndexType   IndexType
	IndexCount  uint32
	Indices     []byte
	VertexCount uint32
	Streams     []VertexStream
	DrawArgs    []IndirectDrawIndexArguments
}

// Stream returns the stream holding the given semantic, or nil.
func (gd *GeometryData) Stream(semantic VertexSemantic) *VertexStream {
	for i := range gd.Streams {
		if gd.Streams[i].Semantic == semantic {
			return &gd.Streams[i]
		}
	}
	return nil
}
