package metadata

type ResourceType int

/** @brief Pre-defined resource types. */
const (
	/** @brief Unknown or unsupported resource. */
	ResourceTypeNone ResourceType = iota
	/** @brief Raw binary data, streamed into a buffer. */
	ResourceTypeBinary
	/** @brief GPU buffer resource type. */
	ResourceTypeBuffer
	/** @brief Texture resource type, loaded from a texture container or image file. */
	ResourceTypeTexture
	/** @brief Geometry resource type, loaded from a GeometryTF or glTF container. */
	ResourceTypeGeometry
	/** @brief Custom resource type. Used by loaders outside the core engine. */
	ResourceTypeCustom
)

func (rt ResourceType) String() string {
	switch rt {
	case ResourceTypeBinary:
		return "binary"
	case ResourceTypeBuffer:
		return "buffer"
	case ResourceTypeTexture:
		return "texture"
	case ResourceTypeGeometry:
		return "geometry"
	case ResourceTypeCustom:
		return "custom"
	}
	return "none"
}

/**
 * @brief A generic structure for a resource. All asset loaders
 * load data into these.
 */
type Resource struct {
	/** @brief The name of the resource. */
	Name string
	/** @brief The full file path of the resource. */
	FullPath string
	/** @brief The resource type. */
	Type ResourceType
	/** @brief The size of the resource data in bytes. */
	DataSize uint64
	/** @brief The resource data: []byte, *TextureData or *GeometryData. */
	Data interface{}
}

/** @brief Where the memory of a resource lives and who can touch it. */
type ResourceMemoryUsage int

const (
	ResourceMemoryUsageUnknown ResourceMemoryUsage = iota
	/** @brief Device local memory, written only through copies. */
	ResourceMemoryUsageGPUOnly
	/** @brief Host visible staging memory. */
	ResourceMemoryUsageCPUOnly
	/** @brief Host visible memory the device reads directly. */
	ResourceMemoryUsageCPUToGPU
	/** @brief Host visible memory the device writes, used for readback. */
	ResourceMemoryUsageGPUToCPU
)

// HostVisible reports whether the CPU can map resources with this usage.
func (u ResourceMemoryUsage) HostVisible() bool {
	return u == ResourceMemoryUsageCPUOnly || u == ResourceMemoryUsageCPUToGPU || u == ResourceMemoryUsageGPUToCPU
}

/** @brief Resource state bits, used for the barriers around copies. */
type ResourceState uint32

const (
	ResourceStateUndefined      ResourceState = 0
	ResourceStateVertexBuffer   ResourceState = 0x1
	ResourceStateConstantBuffer ResourceState = 0x2
	ResourceStateIndexBuffer    ResourceState = 0x4
	ResourceStateShaderResource ResourceState = 0x8
	ResourceStateCopyDest       ResourceState = 0x10
	ResourceStateCopySource     ResourceState = 0x20
	ResourceStateCommon         ResourceState = 0x40
)
