package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-streamer/engine/core"
)

// VulkanQueue is a device queue with the command pool its command buffers come from.
type VulkanQueue struct {
	Handle      vk.Queue
	FamilyIndex uint32
	CommandPool vk.CommandPool
}

func NewVulkanQueue(context *VulkanContext) (*VulkanQueue, error) {
	q := &VulkanQueue{
		Handle:      context.Device.TransferQueue,
		FamilyIndex: uint32(context.Device.TransferQueueIndex),
	}

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: q.FamilyIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if err := checkResult("create command pool", vk.CreateCommandPool(
		context.Device.LogicalDevice,
		&poolCreateInfo,
		context.Allocator,
		&pool)); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	q.CommandPool = pool
	core.LogDebug("Transfer command pool created.")
	return q, nil
}

func (q *VulkanQueue) Destroy(context *VulkanContext) {
	if q.CommandPool != nil {
		vk.DestroyCommandPool(context.Device.LogicalDevice, q.CommandPool, context.Allocator)
		q.CommandPool = nil
	}
	q.Handle = nil
}

// Submit hands the command buffers to the queue, one batch per call.
func (q *VulkanQueue) Submit(cmds []*VulkanCommandBuffer, waits, signals []*VulkanSemaphore, fence *VulkanFence) error {
	submitInfo := vk.SubmitInfo{
		SType: vk.StructureTypeSubmitInfo,
	}
	for _, cb := range cmds {
		submitInfo.PCommandBuffers = append(submitInfo.PCommandBuffers, cb.Handle)
	}
	submitInfo.CommandBufferCount = uint32(len(submitInfo.PCommandBuffers))
	for _, s := range waits {
		submitInfo.PWaitSemaphores = append(submitInfo.PWaitSemaphores, s.Handle)
		submitInfo.PWaitDstStageMask = append(submitInfo.PWaitDstStageMask, vk.PipelineStageFlags(vk.PipelineStageTransferBit))
	}
	submitInfo.WaitSemaphoreCount = uint32(len(submitInfo.PWaitSemaphores))
	for _, s := range signals {
		submitInfo.PSignalSemaphores = append(submitInfo.PSignalSemaphores, s.Handle)
	}
	submitInfo.SignalSemaphoreCount = uint32(len(submitInfo.PSignalSemaphores))

	var handle vk.Fence
	if fence != nil {
		handle = fence.Handle
	}
	if err := checkResult("queue submit", vk.QueueSubmit(q.Handle, 1, []vk.SubmitInfo{submitInfo}, handle)); err != nil {
		core.LogError(err.Error())
		return err
	}
	for _, cb := range cmds {
		cb.UpdateSubmitted()
	}
	if fence != nil {
		fence.Submitted = true
	}
	return nil
}

func (q *VulkanQueue) WaitIdle() error {
	return checkResult("queue wait idle", vk.QueueWaitIdle(q.Handle))
}
