package vulkan

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

const minUploadAlignment uint32 = 16

var (
	loaderOnce sync.Once
	loaderErr  error
)

func init() {
	renderer.Register(renderer.Vulkan, func(config renderer.BackendConfig) renderer.RendererBackend {
		return New(config)
	})
}

// VulkanRenderer is a headless Vulkan device used only for transfers. Buffers
// and images are real device allocations and copies run on the transfer queue.
type VulkanRenderer struct {
	config       renderer.BackendConfig
	context      *VulkanContext
	capabilities metadata.GPUCapabilities
	locks        *VulkanLockPool

	mutex       sync.Mutex
	queues      []*VulkanQueue
	initialized bool
}

func New(config renderer.BackendConfig) *VulkanRenderer {
	return &VulkanRenderer{
		config: config,
		context: &VulkanContext{
			NodeIndex: config.NodeIndex,
			Allocator: nil,
		},
		locks: NewVulkanLockPool(),
	}
}

// bootstrap loads the Vulkan entry points through GLFW, once per process.
func bootstrap() error {
	loaderOnce.Do(func() {
		if err := glfw.Init(); err != nil {
			loaderErr = fmt.Errorf("glfw init: %w", err)
			return
		}
		if !glfw.VulkanSupported() {
			loaderErr = fmt.Errorf("no Vulkan loader found")
			return
		}
		procAddr := glfw.GetVulkanGetInstanceProcAddress()
		if procAddr == nil {
			loaderErr = fmt.Errorf("GetInstanceProcAddress is nil")
			return
		}
		vk.SetGetInstanceProcAddr(procAddr)
		loaderErr = vk.Init()
	})
	return loaderErr
}

func (vr *VulkanRenderer) Initialize(appName string) error {
	if err := bootstrap(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return err
	}

	// Setup Vulkan instance.
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Anima Streamer"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{}
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	requiredValidationLayerNames := []string{}
	if vr.config.Debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
		requiredValidationLayerNames = []string{"VK_LAYER_KHRONOS_validation"}
		if err := checkValidationLayers(requiredValidationLayerNames); err != nil {
			return err
		}
	}
	core.LogDebug("Required extensions: %v", requiredExtensions)

	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)
	createInfo.EnabledLayerCount = uint32(len(requiredValidationLayerNames))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(requiredValidationLayerNames)

	var instance vk.Instance
	if err := checkResult("create instance", vk.CreateInstance(&createInfo, vr.context.Allocator, &instance)); err != nil {
		core.LogError(err.Error())
		return err
	}
	vr.context.Instance = instance
	if err := vk.InitInstance(vr.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if vr.config.Debug {
		core.LogDebug("Creating Vulkan debugger...")
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vr.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogError("vk.CreateDebugReportCallback failed with %s", err)
			return err
		}
		vr.context.debugMessenger = dbg
		core.LogDebug("Vulkan debugger created.")
	}

	if err := DeviceCreate(vr.context); err != nil {
		core.LogError("Failed to create device!")
		vr.destroyInstance()
		return err
	}

	vr.capabilities = metadata.GPUCapabilities{
		DeviceName:                      vr.context.Device.Name,
		UploadBufferTextureAlignment:    alignmentOf(uint64(vr.context.Device.Limits.OptimalBufferCopyOffsetAlignment), vr.config.UploadBufferTextureAlignment),
		UploadBufferTextureRowAlignment: alignmentOf(uint64(vr.context.Device.Limits.OptimalBufferCopyRowPitchAlignment), vr.config.UploadBufferTextureRowAlignment),
	}

	vr.mutex.Lock()
	vr.initialized = true
	vr.mutex.Unlock()
	core.LogInfo("%s: Vulkan transfer device %q initialized (node %d)", appName, vr.capabilities.DeviceName, vr.config.NodeIndex)
	return nil
}

// alignmentOf picks the configured alignment if any, the device limit
// otherwise, never below minUploadAlignment.
func alignmentOf(limit uint64, configured uint32) uint32 {
	a := uint32(limit)
	if configured != 0 {
		a = configured
	}
	if a < minUploadAlignment {
		a = minUploadAlignment
	}
	return a
}

func checkValidationLayers(required []string) error {
	core.LogInfo("Validation layers enabled. Enumerating...")
	var availableLayerCount uint32
	if err := checkResult("enumerate instance layers", vk.EnumerateInstanceLayerProperties(&availableLayerCount, nil)); err != nil {
		return err
	}
	availableLayers := make([]vk.LayerProperties, availableLayerCount)
	if err := checkResult("enumerate instance layers", vk.EnumerateInstanceLayerProperties(&availableLayerCount, availableLayers)); err != nil {
		return err
	}

	for _, name := range required {
		found := false
		for j := range availableLayers {
			availableLayers[j].Deref()
			if name == cString(availableLayers[j].LayerName[:]) {
				found = true
				break
			}
		}
		if !found {
			err := fmt.Errorf("required validation layer is missing: %s", name)
			core.LogError(err.Error())
			return err
		}
	}
	core.LogInfo("All required validation layers are present.")
	return nil
}

func (vr *VulkanRenderer) Shutdown() error {
	vr.mutex.Lock()
	if !vr.initialized {
		vr.mutex.Unlock()
		return nil
	}
	vr.initialized = false
	queues := vr.queues
	vr.queues = nil
	vr.mutex.Unlock()

	var err error
	if vr.context.Device != nil && vr.context.Device.LogicalDevice != nil {
		err = checkResult("device wait idle", vk.DeviceWaitIdle(vr.context.Device.LogicalDevice))
		for _, q := range queues {
			q.Destroy(vr.context)
		}
		DeviceDestroy(vr.context)
	}
	vr.destroyInstance()
	core.LogInfo("Vulkan renderer node %d shut down.", vr.config.NodeIndex)
	return err
}

func (vr *VulkanRenderer) destroyInstance() {
	if vr.context.debugMessenger != nil {
		vk.DestroyDebugReportCallback(vr.context.Instance, vr.context.debugMessenger, vr.context.Allocator)
		vr.context.debugMessenger = nil
	}
	if vr.context.Instance != nil {
		vk.DestroyInstance(vr.context.Instance, vr.context.Allocator)
		vr.context.Instance = nil
	}
}

func (vr *VulkanRenderer) Capabilities() metadata.GPUCapabilities {
	return vr.capabilities
}

func (vr *VulkanRenderer) NodeIndex() uint32 {
	return vr.config.NodeIndex
}

func (vr *VulkanRenderer) BufferCreate(desc *metadata.BufferDesc) (*metadata.Buffer, error) {
	if desc == nil || desc.Size == 0 {
		return nil, fmt.Errorf("vulkan buffer create: %w", core.ErrInvalidDesc)
	}
	var vb *VulkanBuffer
	err := vr.locks.SafeCall(MemoryManagement, func() error {
		var err error
		vb, err = NewVulkanBuffer(vr.context, desc)
		return err
	})
	if err != nil {
		core.LogError("vulkan buffer %q: %s", desc.Name, err)
		return nil, err
	}
	buffer := &metadata.Buffer{
		Desc:             *desc,
		Size:             desc.Size,
		CPUMappedAddress: vb.Bytes(),
		InternalData:     vb,
	}
	buffer.ID = core.IdentifierAcquireNewID(buffer)
	return buffer, nil
}

func (vr *VulkanRenderer) BufferDestroy(buffer *metadata.Buffer) {
	if buffer == nil {
		return
	}
	vb, ok := buffer.InternalData.(*VulkanBuffer)
	if !ok {
		return
	}
	_ = vr.locks.SafeCall(MemoryManagement, func() error {
		vb.Destroy(vr.context)
		return nil
	})
	if err := core.IdentifierReleaseID(buffer.ID); err != nil {
		core.LogWarn(err.Error())
	}
	buffer.InternalData = nil
	buffer.CPUMappedAddress = nil
}

func (vr *VulkanRenderer) TextureCreate(desc *metadata.TextureDesc) (*metadata.Texture, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("vulkan texture create: %w", core.ErrInvalidDesc)
	}
	d := desc.Normalized()
	var img *VulkanImage
	err := vr.locks.SafeCall(MemoryManagement, func() error {
		var err error
		img, err = NewVulkanImage(vr.context, &d)
		return err
	})
	if err != nil {
		core.LogError("vulkan texture %q: %s", d.Name, err)
		return nil, err
	}
	texture := metadata.NewTextureFromDesc(0, d)
	texture.InternalData = img
	texture.ID = core.IdentifierAcquireNewID(texture)
	return texture, nil
}

func (vr *VulkanRenderer) TextureDestroy(texture *metadata.Texture) {
	if texture == nil {
		return
	}
	img, ok := texture.InternalData.(*VulkanImage)
	if !ok {
		return
	}
	_ = vr.locks.SafeCall(MemoryManagement, func() error {
		img.Destroy(vr.context)
		return nil
	})
	if err := core.IdentifierReleaseID(texture.ID); err != nil {
		core.LogWarn(err.Error())
	}
	texture.InternalData = nil
}

func (vr *VulkanRenderer) QueueCreate(queueType metadata.QueueType) (*metadata.Queue, error) {
	vr.mutex.Lock()
	defer vr.mutex.Unlock()
	if !vr.initialized {
		return nil, fmt.Errorf("vulkan queue create: %w", core.ErrLoaderNotInitialized)
	}
	if queueType != metadata.QueueTypeTransfer {
		core.LogWarn("vulkan: queue type %d served by the transfer queue", queueType)
	}
	q, err := NewVulkanQueue(vr.context)
	if err != nil {
		return nil, err
	}
	vr.queues = append(vr.queues, q)
	return &metadata.Queue{Type: queueType, NodeIndex: vr.config.NodeIndex, InternalData: q}, nil
}

func (vr *VulkanRenderer) QueueDestroy(queue *metadata.Queue) {
	if queue == nil {
		return
	}
	q, ok := queue.InternalData.(*VulkanQueue)
	if !ok {
		return
	}
	vr.mutex.Lock()
	for i := range vr.queues {
		if vr.queues[i] == q {
			vr.queues = append(vr.queues[:i], vr.queues[i+1:]...)
			break
		}
	}
	vr.mutex.Unlock()

	_ = vr.locks.SafeQueueCall(q.FamilyIndex, q.WaitIdle)
	q.Destroy(vr.context)
	queue.InternalData = nil
}

func (vr *VulkanRenderer) CmdCreate(queue *metadata.Queue) (*metadata.Cmd, error) {
	if queue == nil {
		return nil, fmt.Errorf("vulkan cmd create: %w", core.ErrInvalidDesc)
	}
	q, ok := queue.InternalData.(*VulkanQueue)
	if !ok {
		return nil, fmt.Errorf("vulkan cmd create: %w", core.ErrInvalidDesc)
	}
	var cb *VulkanCommandBuffer
	err := vr.locks.SafeCall(CommandBufferManagement, func() error {
		var err error
		cb, err = NewVulkanCommandBuffer(vr.context, q.CommandPool)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &metadata.Cmd{Queue: queue, InternalData: cb}, nil
}

func (vr *VulkanRenderer) CmdDestroy(cmd *metadata.Cmd) {
	if cmd == nil {
		return
	}
	if cb, ok := cmd.InternalData.(*VulkanCommandBuffer); ok {
		_ = vr.locks.SafeCall(CommandBufferManagement, func() error {
			cb.Free(vr.context)
			return nil
		})
	}
	cmd.InternalData = nil
}

func (vr *VulkanRenderer) FenceCreate() (*metadata.Fence, error) {
	f, err := NewFence(vr.context)
	if err != nil {
		return nil, err
	}
	return &metadata.Fence{InternalData: f}, nil
}

func (vr *VulkanRenderer) FenceDestroy(fence *metadata.Fence) {
	if fence == nil {
		return
	}
	if f, ok := fence.InternalData.(*VulkanFence); ok {
		f.FenceDestroy(vr.context)
	}
	fence.InternalData = nil
}

func (vr *VulkanRenderer) SemaphoreCreate() (*metadata.Semaphore, error) {
	s, err := NewSemaphore(vr.context)
	if err != nil {
		return nil, err
	}
	return &metadata.Semaphore{InternalData: s}, nil
}

func (vr *VulkanRenderer) SemaphoreDestroy(semaphore *metadata.Semaphore) {
	if semaphore == nil {
		return
	}
	if s, ok := semaphore.InternalData.(*VulkanSemaphore); ok {
		s.Destroy(vr.context)
	}
	semaphore.InternalData = nil
}

func commandBuffer(cmd *metadata.Cmd) (*VulkanCommandBuffer, bool) {
	if cmd == nil {
		return nil, false
	}
	cb, ok := cmd.InternalData.(*VulkanCommandBuffer)
	return cb, ok
}

func (vr *VulkanRenderer) CmdBegin(cmd *metadata.Cmd) error {
	cb, ok := commandBuffer(cmd)
	if !ok {
		return fmt.Errorf("vulkan cmd begin: %w", core.ErrInvalidDesc)
	}
	return vr.locks.SafeCall(CommandBufferManagement, cb.Begin)
}

func (vr *VulkanRenderer) CmdEnd(cmd *metadata.Cmd) error {
	cb, ok := commandBuffer(cmd)
	if !ok || !cb.Recording() {
		return fmt.Errorf("vulkan cmd end: %w", core.ErrInvalidDesc)
	}
	return cb.End()
}

func (vr *VulkanRenderer) recording(cmd *metadata.Cmd) (*VulkanCommandBuffer, bool) {
	cb, ok := commandBuffer(cmd)
	if !ok || !cb.Recording() {
		core.LogError("vulkan: command recorded outside of CmdBegin/CmdEnd")
		return nil, false
	}
	return cb, true
}

func (vr *VulkanRenderer) CmdUpdateBuffer(cmd *metadata.Cmd, dst *metadata.Buffer, dstOffset uint64, src *metadata.Buffer, srcOffset, size uint64) {
	cb, ok := vr.recording(cmd)
	if !ok {
		return
	}
	dstBuffer, ok1 := dst.InternalData.(*VulkanBuffer)
	srcBuffer, ok2 := src.InternalData.(*VulkanBuffer)
	if !ok1 || !ok2 {
		core.LogError("vulkan copy buffer: %s", core.ErrInvalidDesc)
		return
	}
	if dstOffset+size > dstBuffer.Size || srcOffset+size > srcBuffer.Size {
		core.LogError("vulkan copy buffer %d bytes: %s", size, core.ErrDestinationTooSmall)
		return
	}
	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(cb.Handle, srcBuffer.Handle, dstBuffer.Handle, 1, []vk.BufferCopy{region})
}

func (vr *VulkanRenderer) CmdUpdateSubresource(cmd *metadata.Cmd, dst *metadata.Texture, src *metadata.Buffer, desc *metadata.SubresourceDataDesc) {
	cb, ok := vr.recording(cmd)
	if !ok {
		return
	}
	img, ok1 := dst.InternalData.(*VulkanImage)
	buffer, ok2 := src.InternalData.(*VulkanBuffer)
	if !ok1 || !ok2 {
		core.LogError("vulkan update subresource: %s", core.ErrInvalidDesc)
		return
	}
	region, err := CopyRegion(dst, desc)
	if err != nil {
		core.LogError("vulkan update subresource %q: %s", dst.Name, err)
		return
	}
	img.TransitionLayout(cb, desc.MipLevel, desc.ArrayLayer, vk.ImageLayoutTransferDstOptimal)
	vk.CmdCopyBufferToImage(cb.Handle, buffer.Handle, img.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
	img.TransitionLayout(cb, desc.MipLevel, desc.ArrayLayer, vk.ImageLayoutShaderReadOnlyOptimal)
}

func (vr *VulkanRenderer) CmdCopySubresource(cmd *metadata.Cmd, dst *metadata.Buffer, src *metadata.Texture, desc *metadata.SubresourceDataDesc) {
	cb, ok := vr.recording(cmd)
	if !ok {
		return
	}
	img, ok1 := src.InternalData.(*VulkanImage)
	buffer, ok2 := dst.InternalData.(*VulkanBuffer)
	if !ok1 || !ok2 {
		core.LogError("vulkan copy subresource: %s", core.ErrInvalidDesc)
		return
	}
	region, err := CopyRegion(src, desc)
	if err != nil {
		core.LogError("vulkan copy subresource %q: %s", src.Name, err)
		return
	}
	img.TransitionLayout(cb, desc.MipLevel, desc.ArrayLayer, vk.ImageLayoutTransferSrcOptimal)
	vk.CmdCopyImageToBuffer(cb.Handle, img.Handle, vk.ImageLayoutTransferSrcOptimal, buffer.Handle, 1, []vk.BufferImageCopy{region})
	img.TransitionLayout(cb, desc.MipLevel, desc.ArrayLayer, vk.ImageLayoutShaderReadOnlyOptimal)
}

func (vr *VulkanRenderer) QueueSubmit(queue *metadata.Queue, desc *metadata.QueueSubmitDesc) error {
	q, ok := queue.InternalData.(*VulkanQueue)
	if !ok {
		return fmt.Errorf("vulkan queue submit: %w", core.ErrInvalidDesc)
	}

	cmds := make([]*VulkanCommandBuffer, 0, len(desc.Cmds))
	for _, cmd := range desc.Cmds {
		cb, ok := commandBuffer(cmd)
		if !ok || cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
			return fmt.Errorf("vulkan queue submit: command buffer not ended: %w", core.ErrInvalidDesc)
		}
		cmds = append(cmds, cb)
	}
	var waits, signals []*VulkanSemaphore
	for _, s := range desc.WaitSemaphores {
		if vs, ok := s.InternalData.(*VulkanSemaphore); ok {
			waits = append(waits, vs)
		}
	}
	for _, s := range desc.SignalSemaphores {
		if vs, ok := s.InternalData.(*VulkanSemaphore); ok {
			signals = append(signals, vs)
		}
	}
	var fence *VulkanFence
	if desc.SignalFence != nil {
		fence, _ = desc.SignalFence.InternalData.(*VulkanFence)
	}

	return vr.locks.SafeQueueCall(q.FamilyIndex, func() error {
		return vr.locks.SafeCall(SynchronizationManagement, func() error {
			return q.Submit(cmds, waits, signals, fence)
		})
	})
}

func (vr *VulkanRenderer) QueueWaitIdle(queue *metadata.Queue) error {
	q, ok := queue.InternalData.(*VulkanQueue)
	if !ok {
		return fmt.Errorf("vulkan queue wait idle: %w", core.ErrInvalidDesc)
	}
	return vr.locks.SafeQueueCall(q.FamilyIndex, q.WaitIdle)
}

func (vr *VulkanRenderer) FenceStatus(fence *metadata.Fence) (metadata.FenceStatus, error) {
	f, ok := fence.InternalData.(*VulkanFence)
	if !ok {
		return metadata.FenceStatusNotSubmitted, fmt.Errorf("vulkan fence status: %w", core.ErrInvalidDesc)
	}
	status := metadata.FenceStatusNotSubmitted
	err := vr.locks.SafeCall(SynchronizationManagement, func() error {
		var err error
		status, err = f.FenceStatus(vr.context)
		return err
	})
	return status, err
}

func (vr *VulkanRenderer) WaitForFences(fences ...*metadata.Fence) error {
	pending := make([]*VulkanFence, 0, len(fences))
	for _, fence := range fences {
		f, ok := fence.InternalData.(*VulkanFence)
		if !ok {
			return fmt.Errorf("vulkan wait for fences: %w", core.ErrInvalidDesc)
		}
		pending = append(pending, f)
	}

	// Snapshot the submitted fences, then wait without holding the lock so
	// other nodes keep submitting.
	var submitted []*VulkanFence
	_ = vr.locks.SafeCall(SynchronizationManagement, func() error {
		for _, f := range pending {
			if f.Submitted {
				submitted = append(submitted, f)
			}
		}
		return nil
	})
	if len(submitted) == 0 {
		return nil
	}
	if err := WaitForAll(vr.context, submitted); err != nil {
		return err
	}
	return vr.locks.SafeCall(SynchronizationManagement, func() error {
		var errs []error
		for _, f := range submitted {
			if f.Submitted {
				errs = append(errs, f.FenceReset(vr.context))
			}
		}
		return errors.Join(errs...)
	})
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
