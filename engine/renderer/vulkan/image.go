package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

var vulkanFormats = map[metadata.TextureFormat]vk.Format{
	metadata.TextureFormatR8Unorm:     vk.FormatR8Unorm,
	metadata.TextureFormatRG8Unorm:    vk.FormatR8g8Unorm,
	metadata.TextureFormatRGBA8Unorm:  vk.FormatR8g8b8a8Unorm,
	metadata.TextureFormatRGBA8Srgb:   vk.FormatR8g8b8a8Srgb,
	metadata.TextureFormatBGRA8Unorm:  vk.FormatB8g8r8a8Unorm,
	metadata.TextureFormatR16Float:    vk.FormatR16Sfloat,
	metadata.TextureFormatRG16Float:   vk.FormatR16g16Sfloat,
	metadata.TextureFormatRGBA16Float: vk.FormatR16g16b16a16Sfloat,
	metadata.TextureFormatR32Float:    vk.FormatR32Sfloat,
	metadata.TextureFormatRG32Float:   vk.FormatR32g32Sfloat,
	metadata.TextureFormatRGBA32Float: vk.FormatR32g32b32a32Sfloat,
	metadata.TextureFormatR32Uint:     vk.FormatR32Uint,
	metadata.TextureFormatBC1Unorm:    vk.FormatBc1RgbaUnormBlock,
	metadata.TextureFormatBC2Unorm:    vk.FormatBc2UnormBlock,
	metadata.TextureFormatBC3Unorm:    vk.FormatBc3UnormBlock,
	metadata.TextureFormatBC4Unorm:    vk.FormatBc4UnormBlock,
	metadata.TextureFormatBC5Unorm:    vk.FormatBc5UnormBlock,
	metadata.TextureFormatBC6HUfloat:  vk.FormatBc6hUfloatBlock,
	metadata.TextureFormatBC7Unorm:    vk.FormatBc7UnormBlock,
	metadata.TextureFormatBC7Srgb:     vk.FormatBc7SrgbBlock,
}

func VulkanFormat(format metadata.TextureFormat) (vk.Format, bool) {
	f, ok := vulkanFormats[format]
	return f, ok
}

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	Format vk.Format
	// Layouts holds the layout of every subresource as last recorded,
	// indexed layer * MipLevels + mip.
	Layouts   []vk.ImageLayout
	MipLevels uint32
}

func NewVulkanImage(context *VulkanContext, desc *metadata.TextureDesc) (*VulkanImage, error) {
	format, ok := VulkanFormat(desc.Format)
	if !ok {
		return nil, fmt.Errorf("vulkan texture %q format %s: %w", desc.Name, desc.Format, core.ErrUnsupportedFormat)
	}

	imageType := vk.ImageType2d
	if desc.Depth > 1 {
		imageType = vk.ImageType3d
	}
	var flags vk.ImageCreateFlags
	if desc.Flags&metadata.TextureCreationFlagCube != 0 {
		flags |= vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
	}
	usage := vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit
	if desc.Flags&metadata.TextureCreationFlagReadback != 0 {
		usage |= vk.ImageUsageTransferSrcBit
	}

	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		Flags:     flags,
		ImageType: imageType,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  desc.Depth,
		},
		MipLevels:     desc.MipLevels,
		ArrayLayers:   desc.ArraySize,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	img := &VulkanImage{
		Format:    format,
		Layouts:   make([]vk.ImageLayout, desc.ArraySize*desc.MipLevels),
		MipLevels: desc.MipLevels,
	}
	var handle vk.Image
	if err := checkResult("create image", vk.CreateImage(context.Device.LogicalDevice, &imageInfo, context.Allocator, &handle)); err != nil {
		return nil, err
	}
	img.Handle = handle

	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(context.Device.LogicalDevice, img.Handle, &requirements)
	requirements.Deref()

	memoryType, ok := context.memoryIndexFor(requirements.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit, 0)
	if !ok {
		img.Destroy(context)
		return nil, fmt.Errorf("vulkan texture %q: no device local memory type", desc.Name)
	}
	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryType,
	}
	var memory vk.DeviceMemory
	if err := checkResult("allocate image memory", vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory)); err != nil {
		img.Destroy(context)
		return nil, err
	}
	img.Memory = memory

	if err := checkResult("bind image memory", vk.BindImageMemory(context.Device.LogicalDevice, img.Handle, img.Memory, 0)); err != nil {
		img.Destroy(context)
		return nil, err
	}
	return img, nil
}

func (vi *VulkanImage) Destroy(context *VulkanContext) {
	if vi.Handle != nil {
		vk.DestroyImage(context.Device.LogicalDevice, vi.Handle, context.Allocator)
		vi.Handle = nil
	}
	if vi.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(context.Device.LogicalDevice, vi.Memory, context.Allocator)
		vi.Memory = vk.NullDeviceMemory
	}
}

/**
 * @brief Records a layout transition of one subresource. Copies on a
 * dedicated transfer queue only synchronize with other transfers, the
 * queue ownership is left to the consumer.
 */
func (vi *VulkanImage) TransitionLayout(cb *VulkanCommandBuffer, mip, layer uint32, newLayout vk.ImageLayout) {
	idx := layer*vi.MipLevels + mip
	oldLayout := vi.Layouts[idx]
	if oldLayout == newLayout {
		return
	}

	srcAccess, srcStage := layoutAccess(oldLayout)
	dstAccess, dstStage := layoutAccess(newLayout)
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(srcAccess),
		DstAccessMask:       vk.AccessFlags(dstAccess),
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               vi.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			BaseMipLevel:   mip,
			LevelCount:     1,
			BaseArrayLayer: layer,
			LayerCount:     1,
		},
	}
	vk.CmdPipelineBarrier(cb.Handle,
		vk.PipelineStageFlags(srcStage), vk.PipelineStageFlags(dstStage),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{barrier})
	vi.Layouts[idx] = newLayout
}

func layoutAccess(layout vk.ImageLayout) (vk.AccessFlagBits, vk.PipelineStageFlagBits) {
	switch layout {
	case vk.ImageLayoutTransferDstOptimal:
		return vk.AccessTransferWriteBit, vk.PipelineStageTransferBit
	case vk.ImageLayoutTransferSrcOptimal:
		return vk.AccessTransferReadBit, vk.PipelineStageTransferBit
	case vk.ImageLayoutUndefined:
		return 0, vk.PipelineStageTopOfPipeBit
	default:
		return 0, vk.PipelineStageBottomOfPipeBit
	}
}

/**
 * @brief Builds the region copying one subresource between a linear buffer
 * laid out with the pitches of desc and the image. Vulkan expresses pitches in
 * texels, compressed formats in whole blocks.
 */
func CopyRegion(texture *metadata.Texture, desc *metadata.SubresourceDataDesc) (vk.BufferImageCopy, error) {
	info, ok := texture.Format.Info()
	if !ok {
		return vk.BufferImageCopy{}, fmt.Errorf("copy region %q: %w", texture.Name, core.ErrUnsupportedFormat)
	}
	if desc.MipLevel >= texture.MipLevels || desc.ArrayLayer >= texture.ArraySize {
		return vk.BufferImageCopy{}, fmt.Errorf("copy region mip %d layer %d: %w", desc.MipLevel, desc.ArrayLayer, core.ErrInvalidDesc)
	}
	layout, err := metadata.SubresourceLayoutOf(texture.Format, texture.Width, texture.Height, texture.Depth, desc.MipLevel)
	if err != nil {
		return vk.BufferImageCopy{}, err
	}

	if desc.RowPitch != 0 && desc.RowPitch%info.BytesPerBlock != 0 {
		return vk.BufferImageCopy{}, fmt.Errorf("copy region %q row pitch %d: %w", texture.Name, desc.RowPitch, core.ErrInvalidDesc)
	}

	var rowLength, imageHeight uint32
	if desc.RowPitch != 0 && desc.RowPitch != layout.RowBytes {
		rowLength = desc.RowPitch / info.BytesPerBlock
		if texture.Format.IsCompressed() {
			rowLength *= info.BlockWidth
		}
	}
	if desc.SlicePitch != 0 && desc.RowPitch != 0 && desc.SlicePitch != desc.RowPitch*layout.RowCount {
		imageHeight = desc.SlicePitch / desc.RowPitch * info.BlockHeight
	}
	if rowLength != 0 && imageHeight == 0 {
		imageHeight = layout.RowCount * info.BlockHeight
	}

	return vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(desc.SrcOffset),
		BufferRowLength:   rowLength,
		BufferImageHeight: imageHeight,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       desc.MipLevel,
			BaseArrayLayer: desc.ArrayLayer,
			LayerCount:     1,
		},
		ImageExtent: vk.Extent3D{
			Width:  layout.Width,
			Height: layout.Height,
			Depth:  layout.Depth,
		},
	}, nil
}
