package resourceloader

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Configures a resource loader.
 */
type ResourceLoaderDesc struct {
	/** @brief Size in bytes of each staging buffer. */
	BufferSize uint64 `toml:"buffer_size" yaml:"buffer_size"`
	/** @brief Number of staging buffers per renderer. At least 2 keeps the CPU and the copy queue busy at the same time. */
	BufferCount uint32 `toml:"buffer_count" yaml:"buffer_count"`
	/** @brief Run the streamer on the calling goroutine instead of a worker. */
	SingleThreaded bool `toml:"single_threaded" yaml:"single_threaded"`
}

// DefaultResourceLoaderDesc is used by Init when no desc is given.
var DefaultResourceLoaderDesc = ResourceLoaderDesc{
	BufferSize:  8 << 20,
	BufferCount: 2,
}

func (d ResourceLoaderDesc) withDefaults() ResourceLoaderDesc {
	if d.BufferSize == 0 {
		d.BufferSize = DefaultResourceLoaderDesc.BufferSize
	}
	if d.BufferCount == 0 {
		d.BufferCount = DefaultResourceLoaderDesc.BufferCount
	}
	return d
}

// ParseSize reads sizes like "8MiB", "512KiB", "64KB" or "4096".
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		scale  uint64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"GB", 1000 * 1000 * 1000}, {"MB", 1000 * 1000}, {"KB", 1000},
		{"B", 1},
	}
	scale := uint64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			scale = u.scale
			break
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v * scale, nil
}

/**
 * @brief Describes a buffer to create and, optionally, its initial contents.
 */
type BufferLoadDesc struct {
	Desc metadata.BufferDesc
	/** @brief Initial contents, copied before AddBuffer returns. */
	Data []byte
	/** @brief Zero the buffer when Data is nil. */
	ForceReset bool
}

/**
 * @brief Describes a texture to create, either empty from Desc, from decoded
 * data, or from a file decoded on the streamer.
 */
type TextureLoadDesc struct {
	/** @brief Creates an empty texture when set and FileName and Data are empty. */
	Desc *metadata.TextureDesc
	/** @brief Decoded contents, uploaded on the calling goroutine. */
	Data *metadata.TextureData
	/** @brief Path of a texture container or image file. */
	FileName string
	/** @brief Container of FileName. TextureContainerDefault detects it from the contents. */
	Container metadata.TextureContainerType
	/** @brief Build a full mip chain for plain image files. */
	GenerateMips bool
	/** @brief Extra creation flags for textures loaded from files. */
	CreationFlags metadata.TextureCreationFlags
	/** @brief The renderer index in unlinked mode. */
	NodeIndex uint32
}

type GeometryLoadFlags uint32

const (
	GeometryLoadFlagNone GeometryLoadFlags = 0
	/** @brief Keep a CPU copy of indices and vertex streams in Geometry.ShadowData. */
	GeometryLoadFlagShadowed GeometryLoadFlags = 0x1
)

/**
 * @brief Preferred placement of a geometry inside a GeometryBuffer. A zero chunk
 * means no preference.
 */
type GeometryBufferLayoutDesc struct {
	PreferredIndexChunk   metadata.BufferChunk
	PreferredVertexChunks [metadata.MaxVertexBindings]metadata.BufferChunk
}

/**
 * @brief Describes a geometry to load from a file or from CPU data.
 */
type GeometryLoadDesc struct {
	/** @brief Path of a GeometryTF or glTF file. */
	FileName string
	/** @brief CPU data, used when FileName is empty. */
	Data  *metadata.GeometryData
	Flags GeometryLoadFlags
	/** @brief How attributes are arranged in vertex buffers. Nil gives one binding per stream. */
	VertexLayout *metadata.VertexLayout
	/** @brief Shared buffer to sub-allocate from. Nil creates dedicated buffers. */
	GeometryBuffer *GeometryBuffer
	/** @brief Placement hints inside GeometryBuffer. */
	GeometryBufferLayout *GeometryBufferLayoutDesc
	/** @brief The renderer index in unlinked mode. */
	NodeIndex uint32
}

/**
 * @brief Sizes of the buffers owned by a GeometryBuffer.
 */
type GeometryBufferLoadDesc struct {
	Name string
	/** @brief Size in bytes of the shared index buffer. */
	IndicesSize uint32
	/** @brief Size in bytes of each shared vertex buffer. Zero sizes are skipped. */
	VerticesSizes [metadata.MaxVertexBindings]uint32
	/** @brief The renderer index in unlinked mode. */
	NodeIndex uint32
}

/**
 * @brief The staging region a caller writes between begin and end update.
 */
type MappedMemoryRange struct {
	Data   []byte
	Buffer *metadata.Buffer
	Offset uint64
	Size   uint64
}

/**
 * @brief Caller driven update of a buffer range. Begin fills MappedData, the
 * caller writes it, End submits the copy.
 */
type BufferUpdateDesc struct {
	Buffer    *metadata.Buffer
	DstOffset uint64
	/** @brief Bytes to update. Zero means up to the end of the buffer. */
	Size uint64

	/** @brief Filled by BeginUpdateBuffer. */
	MappedData []byte

	staging *stagingAllocation
	direct  bool
	begun   bool
}

/**
 * @brief Caller driven update of one texture subresource. Rows must be written
 * DstRowStride bytes apart and slices DstSliceStride bytes apart.
 */
type TextureUpdateDesc struct {
	Texture    *metadata.Texture
	MipLevel   uint32
	ArrayLayer uint32

	/** @brief Filled by BeginUpdateTexture. */
	MappedData     []byte
	SrcRowStride   uint32
	DstRowStride   uint32
	SrcSliceStride uint32
	DstSliceStride uint32
	RowCount       uint32
	Depth          uint32

	staging *stagingAllocation
	begun   bool
}

// WriteRows copies tightly packed rows from src into MappedData, leaving
// the row and slice padding untouched.
func (d *TextureUpdateDesc) WriteRows(src []byte) error {
	return copyTextureRows(d.MappedData, src, textureStrides{
		SrcRowStride:   d.SrcRowStride,
		DstRowStride:   d.DstRowStride,
		SrcSliceStride: d.SrcSliceStride,
		DstSliceStride: d.DstSliceStride,
		RowCount:       d.RowCount,
		Depth:          d.Depth,
	})
}

/**
 * @brief Copies one texture subresource into a buffer on the copy queue.
 * The buffer receives tightly packed rows at BufferOffset.
 */
type TextureCopyDesc struct {
	Texture      *metadata.Texture
	Buffer       *metadata.Buffer
	MipLevel     uint32
	ArrayLayer   uint32
	BufferOffset uint64
}
