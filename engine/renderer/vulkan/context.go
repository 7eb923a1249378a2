package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-streamer/engine/core"
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	// only set when the backend runs with validation layers
	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice

	// Index of the device among the ones meeting the transfer requirements.
	NodeIndex uint32
}

func (vc *VulkanContext) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlagBits) int32 {
	memoryProperties := vc.Device.Memory
	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		flags := vk.MemoryPropertyFlagBits(memoryProperties.MemoryTypes[i].PropertyFlags)
		if (typeFilter&(1<<i)) != 0 && flags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// memoryIndexFor tries the preferred property set first and falls back to the required one.
func (vc *VulkanContext) memoryIndexFor(typeFilter uint32, required, preferred vk.MemoryPropertyFlagBits) (uint32, bool) {
	if preferred != 0 {
		if idx := vc.FindMemoryIndex(typeFilter, required|preferred); idx >= 0 {
			return uint32(idx), true
		}
	}
	idx := vc.FindMemoryIndex(typeFilter, required)
	if idx < 0 {
		return 0, false
	}
	return uint32(idx), true
}
