package metadata

import "fmt"

/** @brief Supported texel formats. */
type TextureFormat int

const (
	TextureFormatUndefined TextureFormat = iota
	TextureFormatR8Unorm
	TextureFormatRG8Unorm
	TextureFormatRGBA8Unorm
	TextureFormatRGBA8Srgb
	TextureFormatBGRA8Unorm
	TextureFormatR16Float
	TextureFormatRG16Float
	TextureFormatRGBA16Float
	TextureFormatR32Float
	TextureFormatRG32Float
	TextureFormatRGBA32Float
	TextureFormatR32Uint
	TextureFormatBC1Unorm
	TextureFormatBC2Unorm
	TextureFormatBC3Unorm
	TextureFormatBC4Unorm
	TextureFormatBC5Unorm
	TextureFormatBC6HUfloat
	TextureFormatBC7Unorm
	TextureFormatBC7Srgb
)

/**
 * @brief Block layout of a texel format. Uncompressed formats use 1x1 blocks.
 */
type FormatInfo struct {
	Name          string
	BlockWidth    uint32
	BlockHeight   uint32
	BytesPerBlock uint32
}

var formatInfos = map[TextureFormat]FormatInfo{
	TextureFormatR8Unorm:     {"R8_UNORM", 1, 1, 1},
	TextureFormatRG8Unorm:    {"R8G8_UNORM", 1, 1, 2},
	TextureFormatRGBA8Unorm:  {"R8G8B8A8_UNORM", 1, 1, 4},
	TextureFormatRGBA8Srgb:   {"R8G8B8A8_SRGB", 1, 1, 4},
	TextureFormatBGRA8Unorm:  {"B8G8R8A8_UNORM", 1, 1, 4},
	TextureFormatR16Float:    {"R16_SFLOAT", 1, 1, 2},
	TextureFormatRG16Float:   {"R16G16_SFLOAT", 1, 1, 4},
	TextureFormatRGBA16Float: {"R16G16B16A16_SFLOAT", 1, 1, 8},
	TextureFormatR32Float:    {"R32_SFLOAT", 1, 1, 4},
	TextureFormatRG32Float:   {"R32G32_SFLOAT", 1, 1, 8},
	TextureFormatRGBA32Float: {"R32G32B32A32_SFLOAT", 1, 1, 16},
	TextureFormatR32Uint:     {"R32_UINT", 1, 1, 4},
	TextureFormatBC1Unorm:    {"BC1_UNORM", 4, 4, 8},
	TextureFormatBC2Unorm:    {"BC2_UNORM", 4, 4, 16},
	TextureFormatBC3Unorm:    {"BC3_UNORM", 4, 4, 16},
	TextureFormatBC4Unorm:    {"BC4_UNORM", 4, 4, 8},
	TextureFormatBC5Unorm:    {"BC5_UNORM", 4, 4, 16},
	TextureFormatBC6HUfloat:  {"BC6H_UFLOAT", 4, 4, 16},
	TextureFormatBC7Unorm:    {"BC7_UNORM", 4, 4, 16},
	TextureFormatBC7Srgb:     {"BC7_SRGB", 4, 4, 16},
}

// Info returns the block layout of the format.
func (f TextureFormat) Info() (FormatInfo, bool) {
	info, ok := formatInfos[f]
	return info, ok
}

func (f TextureFormat) String() string {
	if info, ok := formatInfos[f]; ok {
		return info.Name
	}
	return fmt.Sprintf("TextureFormat(%d)", int(f))
}

func (f TextureFormat) IsCompressed() bool {
	info, ok := formatInfos[f]
	return ok && info.BlockWidth > 1
}

/** @brief Texture creation flags. */
type TextureCreationFlags uint32

const (
	TextureCreationFlagNone TextureCreationFlags = 0
	/** @brief The texture is a cube map, ArraySize counts faces. */
	TextureCreationFlagCube TextureCreationFlags = 0x1
	/** @brief Color data is in sRGB space. */
	TextureCreationFlagSrgb TextureCreationFlags = 0x2
	/** @brief The texture can be used as a copy source for readback. */
	TextureCreationFlagReadback TextureCreationFlags = 0x4
)

/**
 * @brief The file container a texture is stored in.
 */
type TextureContainerType int

const (
	/** @brief Detect the container from the file contents. */
	TextureContainerDefault TextureContainerType = iota
	/** @brief .dds */
	TextureContainerDDS
	/** @brief .ktx */
	TextureContainerKTX
	/** @brief .gnf */
	TextureContainerGNF
	/** @brief .basis */
	TextureContainerBasis
	/** @brief .svt */
	TextureContainerSVT
	/** @brief Plain images: png, jpeg, gif, bmp, tiff, webp. */
	TextureContainerImage
)

/**
 * @brief Describes a texture to be created by a renderer backend.
 */
type TextureDesc struct {
	/** @brief Debug name. */
	Name string
	/** @brief Width in texels. */
	Width uint32
	/** @brief Height in texels. */
	Height uint32
	/** @brief Depth in texels, 1 for 2D textures. */
	Depth uint32
	/** @brief Number of array layers (6 per cube). */
	ArraySize uint32
	/** @brief Number of mip levels. */
	MipLevels uint32
	/** @brief Texel format. */
	Format TextureFormat
	/** @brief Creation flags. */
	Flags TextureCreationFlags
	/** @brief State the texture is expected to be in once created. */
	StartState ResourceState
	/** @brief The renderer index in unlinked mode. */
	NodeIndex uint32
}

// Normalized fills zero dimensions with 1.
func (d TextureDesc) Normalized() TextureDesc {
	if d.Depth == 0 {
		d.Depth = 1
	}
	if d.ArraySize == 0 {
		d.ArraySize = 1
	}
	if d.MipLevels == 0 {
		d.MipLevels = 1
	}
	return d
}

/**
 * @brief Represents a texture owned by a renderer backend.
 */
type Texture struct {
	/** @brief The unique texture identifier. */
	ID uint32
	/** @brief The texture Name. */
	Name string
	/** @brief The texture Width. */
	Width uint32
	/** @brief The texture Height. */
	Height uint32
	/** @brief The texture Depth. */
	Depth uint32
	/** @brief The number of array layers. */
	ArraySize uint32
	/** @brief The number of mip levels. */
	MipLevels uint32
	/** @brief The texel format. */
	Format TextureFormat
	/** @brief Holds various Flags for this texture. */
	Flags TextureCreationFlags
	/** @brief The renderer index in unlinked mode. */
	NodeIndex uint32
	/** @brief Backend specific data. */
	InternalData interface{}
}

func NewTextureFromDesc(id uint32, desc TextureDesc) *Texture {
	desc = desc.Normalized()
	return &Texture{
		ID:        id,
		Name:      desc.Name,
		Width:     desc.Width,
		Height:    desc.Height,
		Depth:     desc.Depth,
		ArraySize: desc.ArraySize,
		MipLevels: desc.MipLevels,
		Format:    desc.Format,
		Flags:     desc.Flags,
		NodeIndex: desc.NodeIndex,
	}
}

// MipExtent returns the size of a dimension at the given mip level.
func MipExtent(size, mip uint32) uint32 {
	size >>= mip
	if size == 0 {
		return 1
	}
	return size
}

/**
 * @brief Tightly packed layout of one subresource (mip level of an array layer).
 */
type SubresourceLayout struct {
	Width      uint32
	Height     uint32
	Depth      uint32
	RowBytes   uint32
	RowCount   uint32
	SliceBytes uint32
}

// Size is the byte size of the whole subresource.
func (l SubresourceLayout) Size() uint64 {
	return uint64(l.SliceBytes) * uint64(l.Depth)
}

// SubresourceLayoutOf computes the packed layout of a mip level.
func SubresourceLayoutOf(format TextureFormat, width, height, depth, mip uint32) (SubresourceLayout, error) {
	info, ok := format.Info()
	if !ok {
		return SubresourceLayout{}, fmt.Errorf("format %s has no block layout", format)
	}
	w := MipExtent(width, mip)
	h := MipExtent(height, mip)
	d := MipExtent(depth, mip)
	blocksWide := (w + info.BlockWidth - 1) / info.BlockWidth
	blocksHigh := (h + info.BlockHeight - 1) / info.BlockHeight
	rowBytes := blocksWide * info.BytesPerBlock
	return SubresourceLayout{
		Width:      w,
		Height:     h,
		Depth:      d,
		RowBytes:   rowBytes,
		RowCount:   blocksHigh,
		SliceBytes: rowBytes * blocksHigh,
	}, nil
}

/**
 * @brief Decoded texture contents, produced by texture loaders.
 * Subresources are tightly packed and ordered layer major:
 * index = layer * MipLevels + mip.
 */
type TextureData struct {
	Desc         TextureDesc
	Subresources [][]byte
}

func (td *TextureData) Subresource(mip, layer uint32) []byte {
	idx := layer*td.Desc.MipLevels + mip
	if int(idx) >= len(td.Subresources) {
		return nil
	}
	return td.Subresources[idx]
}
