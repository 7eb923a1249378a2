package vulkan

import (
	"math"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

type VulkanFence struct {
	Handle vk.Fence
	// Submitted is set by a queue submission signaling the fence and cleared
	// once the fence was observed signaled and reset.
	Submitted bool
}

func NewFence(context *VulkanContext) (*VulkanFence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}

	var pFence vk.Fence
	if err := checkResult("create fence", vk.CreateFence(context.Device.LogicalDevice, &fenceCreateInfo, context.Allocator, &pFence)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	return &VulkanFence{Handle: pFence}, nil
}

func (vf *VulkanFence) FenceDestroy(context *VulkanContext) {
	if vf.Handle != nil {
		vk.DestroyFence(context.Device.LogicalDevice, vf.Handle, context.Allocator)
		vf.Handle = nil
	}
	vf.Submitted = false
}

// FenceStatus polls the fence without blocking.
func (vf *VulkanFence) FenceStatus(context *VulkanContext) (metadata.FenceStatus, error) {
	if !vf.Submitted {
		return metadata.FenceStatusNotSubmitted, nil
	}
	switch result := vk.GetFenceStatus(context.Device.LogicalDevice, vf.Handle); result {
	case vk.Success:
		return metadata.FenceStatusComplete, vf.FenceReset(context)
	case vk.NotReady:
		return metadata.FenceStatusIncomplete, nil
	default:
		return metadata.FenceStatusIncomplete, checkResult("get fence status", result)
	}
}

func (vf *VulkanFence) FenceReset(context *VulkanContext) error {
	if err := checkResult("reset fence", vk.ResetFences(context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle})); err != nil {
		core.LogError(err.Error())
		return err
	}
	vf.Submitted = false
	return nil
}

// WaitForAll blocks until every fence is signaled. The fences stay signaled.
func WaitForAll(context *VulkanContext, fences []*VulkanFence) error {
	if len(fences) == 0 {
		return nil
	}
	handles := make([]vk.Fence, len(fences))
	for i, f := range fences {
		handles[i] = f.Handle
	}
	if err := checkResult("wait for fences", vk.WaitForFences(context.Device.LogicalDevice, uint32(len(handles)), handles, vk.True, math.MaxUint64)); err != nil {
		core.LogError(err.Error())
		return err
	}
	return nil
}

type VulkanSemaphore struct {
	Handle vk.Semaphore
}

func NewSemaphore(context *VulkanContext) (*VulkanSemaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var handle vk.Semaphore
	if err := checkResult("create semaphore", vk.CreateSemaphore(context.Device.LogicalDevice, &semaphoreCreateInfo, context.Allocator, &handle)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	return &VulkanSemaphore{Handle: handle}, nil
}

func (vs *VulkanSemaphore) Destroy(context *VulkanContext) {
	if vs.Handle != nil {
		vk.DestroySemaphore(context.Device.LogicalDevice, vs.Handle, context.Allocator)
		vs.Handle = nil
	}
}
