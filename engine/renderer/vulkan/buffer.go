package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	// Mapped is the persistently mapped memory of host visible buffers.
	Mapped unsafe.Pointer
}

func bufferUsageFlags(usage metadata.BufferUsage) vk.BufferUsageFlagBits {
	flags := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	if usage&metadata.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if usage&metadata.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if usage&metadata.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if usage&metadata.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	return flags
}

// memoryProperties returns the required and the preferred memory properties of a usage.
func memoryProperties(usage metadata.ResourceMemoryUsage) (required, preferred vk.MemoryPropertyFlagBits) {
	switch usage {
	case metadata.ResourceMemoryUsageCPUOnly:
		return vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit, 0
	case metadata.ResourceMemoryUsageCPUToGPU:
		return vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit, vk.MemoryPropertyDeviceLocalBit
	case metadata.ResourceMemoryUsageGPUToCPU:
		return vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit, vk.MemoryPropertyHostCachedBit
	default:
		return vk.MemoryPropertyDeviceLocalBit, 0
	}
}

func NewVulkanBuffer(context *VulkanContext, desc *metadata.BufferDesc) (*VulkanBuffer, error) {
	vb := &VulkanBuffer{Size: desc.Size}

	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       vk.BufferUsageFlags(bufferUsageFlags(desc.Usage)),
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if err := checkResult("create buffer", vk.CreateBuffer(context.Device.LogicalDevice, &bufferInfo, context.Allocator, &handle)); err != nil {
		return nil, err
	}
	vb.Handle = handle

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, vb.Handle, &requirements)
	requirements.Deref()

	required, preferred := memoryProperties(desc.MemoryUsage)
	memoryType, ok := context.memoryIndexFor(requirements.MemoryTypeBits, required, preferred)
	if !ok {
		vb.Destroy(context)
		return nil, fmt.Errorf("vulkan buffer %q: no memory type for usage %d", desc.Name, desc.MemoryUsage)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryType,
	}
	var memory vk.DeviceMemory
	if err := checkResult("allocate buffer memory", vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory)); err != nil {
		vb.Destroy(context)
		return nil, err
	}
	vb.Memory = memory

	if err := checkResult("bind buffer memory", vk.BindBufferMemory(context.Device.LogicalDevice, vb.Handle, vb.Memory, 0)); err != nil {
		vb.Destroy(context)
		return nil, err
	}

	if desc.MemoryUsage.HostVisible() {
		var ptr unsafe.Pointer
		if err := checkResult("map buffer memory", vk.MapMemory(context.Device.LogicalDevice, vb.Memory, 0, vk.DeviceSize(desc.Size), 0, &ptr)); err != nil {
			vb.Destroy(context)
			return nil, err
		}
		vb.Mapped = ptr
	}
	return vb, nil
}

// Bytes views the mapped memory as a slice, nil for device local buffers.
func (vb *VulkanBuffer) Bytes() []byte {
	if vb.Mapped == nil {
		return nil
	}
	return unsafe.Slice((*byte)(vb.Mapped), vb.Size)
}

func (vb *VulkanBuffer) Destroy(context *VulkanContext) {
	if vb.Mapped != nil {
		vk.UnmapMemory(context.Device.LogicalDevice, vb.Memory)
		vb.Mapped = nil
	}
	if vb.Handle != vk.NullBuffer {
		vk.DestroyBuffer(context.Device.LogicalDevice, vb.Handle, context.Allocator)
		vb.Handle = vk.NullBuffer
	}
	if vb.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(context.Device.LogicalDevice, vb.Memory, context.Allocator)
		vb.Memory = vk.NullDeviceMemory
	}
	core.LogDebug("vulkan buffer of %d bytes destroyed", vb.Size)
}
