package software

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

const (
	defaultTextureAlignment    uint32 = 512
	defaultTextureRowAlignment uint32 = 256
	// queueDepth is the number of submissions a queue holds before QueueSubmit blocks.
	queueDepth = 64
)

func init() {
	renderer.Register(renderer.Software, func(config renderer.BackendConfig) renderer.RendererBackend {
		return New(config)
	})
}

// Backend is an in-process device. Buffers and textures are byte slices and
// each queue executes its submissions in order on its own goroutine.
type Backend struct {
	config       renderer.BackendConfig
	capabilities metadata.GPUCapabilities

	// mutex guards fences, semaphores and the device state; cond is broadcast
	// whenever one of them changes.
	mutex       sync.Mutex
	cond        *sync.Cond
	initialized bool
	lost        bool

	queues []*queueState
}

type bufferMemory struct {
	mutex sync.Mutex
	data  []byte
}

type textureMemory struct {
	mutex        sync.Mutex
	subresources [][]byte
}

type cmdState struct {
	recording bool
	ops       []func() error
}

type fenceState struct {
	submitted bool
	signaled  bool
}

type semaphoreState struct {
	signaled bool
}

func New(config renderer.BackendConfig) *Backend {
	b := &Backend{config: config}
	b.cond = sync.NewCond(&b.mutex)
	b.capabilities = metadata.GPUCapabilities{
		DeviceName:                      fmt.Sprintf("software device %d", config.NodeIndex),
		UploadBufferTextureAlignment:    defaultTextureAlignment,
		UploadBufferTextureRowAlignment: defaultTextureRowAlignment,
	}
	if config.UploadBufferTextureAlignment != 0 {
		b.capabilities.UploadBufferTextureAlignment = config.UploadBufferTextureAlignment
	}
	if config.UploadBufferTextureRowAlignment != 0 {
		b.capabilities.UploadBufferTextureRowAlignment = config.UploadBufferTextureRowAlignment
	}
	return b
}

func (b *Backend) Initialize(appName string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.initialized = true
	b.lost = false
	core.LogInfo("%s: %s initialized (copy latency %s)", appName, b.capabilities.DeviceName, b.config.CopyLatency)
	return nil
}

func (b *Backend) Shutdown() error {
	b.mutex.Lock()
	queues := b.queues
	b.queues = nil
	b.initialized = false
	b.mutex.Unlock()

	for _, q := range queues {
		q.stop()
	}

	b.mutex.Lock()
	b.cond.Broadcast()
	b.mutex.Unlock()
	core.LogDebug("%s shut down", b.capabilities.DeviceName)
	return nil
}

func (b *Backend) Capabilities() metadata.GPUCapabilities {
	return b.capabilities
}

func (b *Backend) NodeIndex() uint32 {
	return b.config.NodeIndex
}

// MarkDeviceLost makes every later submission fail with core.ErrDeviceLost.
func (b *Backend) MarkDeviceLost() {
	b.mutex.Lock()
	b.lost = true
	b.cond.Broadcast()
	b.mutex.Unlock()
}

func (b *Backend) BufferCreate(desc *metadata.BufferDesc) (*metadata.Buffer, error) {
	if desc == nil || desc.Size == 0 {
		return nil, fmt.Errorf("software buffer create: %w", core.ErrInvalidDesc)
	}
	mem := &bufferMemory{data: make([]byte, desc.Size)}
	buffer := &metadata.Buffer{
		Desc:         *desc,
		Size:         desc.Size,
		InternalData: mem,
	}
	buffer.ID = core.IdentifierAcquireNewID(buffer)
	if desc.MemoryUsage.HostVisible() {
		buffer.CPUMappedAddress = mem.data
	}
	return buffer, nil
}

func (b *Backend) BufferDestroy(buffer *metadata.Buffer) {
	if buffer == nil || buffer.InternalData == nil {
		return
	}
	if err := core.IdentifierReleaseID(buffer.ID); err != nil {
		core.LogWarn(err.Error())
	}
	buffer.InternalData = nil
	buffer.CPUMappedAddress = nil
}

// ReadBuffer returns a copy of the buffer contents as the device sees them.
func (b *Backend) ReadBuffer(buffer *metadata.Buffer) []byte {
	mem, ok := buffer.InternalData.(*bufferMemory)
	if !ok {
		return nil
	}
	mem.mutex.Lock()
	defer mem.mutex.Unlock()
	out := make([]byte, len(mem.data))
	copy(out, mem.data)
	return out
}

func (b *Backend) TextureCreate(desc *metadata.TextureDesc) (*metadata.Texture, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("software texture create: %w", core.ErrInvalidDesc)
	}
	d := desc.Normalized()
	if _, ok := d.Format.Info(); !ok {
		return nil, fmt.Errorf("software texture create %q: %w", d.Name, core.ErrUnsupportedFormat)
	}

	mem := &textureMemory{subresources: make([][]byte, d.ArraySize*d.MipLevels)}
	for layer := uint32(0); layer < d.ArraySize; layer++ {
		for mip := uint32(0); mip < d.MipLevels; mip++ {
			layout, err := metadata.SubresourceLayoutOf(d.Format, d.Width, d.Height, d.Depth, mip)
			if err != nil {
				return nil, err
			}
			mem.subresources[layer*d.MipLevels+mip] = make([]byte, layout.Size())
		}
	}

	texture := metadata.NewTextureFromDesc(0, d)
	texture.InternalData = mem
	texture.ID = core.IdentifierAcquireNewID(texture)
	return texture, nil
}

func (b *Backend) TextureDestroy(texture *metadata.Texture) {
	if texture == nil || texture.InternalData == nil {
		return
	}
	if err := core.IdentifierReleaseID(texture.ID); err != nil {
		core.LogWarn(err.Error())
	}
	texture.InternalData = nil
}

// ReadSubresource returns a tightly packed copy of one texture subresource.
func (b *Backend) ReadSubresource(texture *metadata.Texture, mip, layer uint32) []byte {
	mem, ok := texture.InternalData.(*textureMemory)
	if !ok || mip >= texture.MipLevels || layer >= texture.ArraySize {
		return nil
	}
	mem.mutex.Lock()
	defer mem.mutex.Unlock()
	src := mem.subresources[layer*texture.MipLevels+mip]
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

func (b *Backend) QueueCreate(queueType metadata.QueueType) (*metadata.Queue, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.initialized {
		return nil, fmt.Errorf("software queue create: %w", core.ErrLoaderNotInitialized)
	}
	q := newQueueState(b)
	b.queues = append(b.queues, q)
	go q.run()
	return &metadata.Queue{Type: queueType, NodeIndex: b.config.NodeIndex, InternalData: q}, nil
}

func (b *Backend) QueueDestroy(queue *metadata.Queue) {
	if queue == nil {
		return
	}
	q, ok := queue.InternalData.(*queueState)
	if !ok {
		return
	}
	b.mutex.Lock()
	for i := range b.queues {
		if b.queues[i] == q {
			b.queues = append(b.queues[:i], b.queues[i+1:]...)
			break
		}
	}
	b.mutex.Unlock()
	q.stop()
	queue.InternalData = nil
}

func (b *Backend) CmdCreate(queue *metadata.Queue) (*metadata.Cmd, error) {
	if queue == nil {
		return nil, fmt.Errorf("software cmd create: %w", core.ErrInvalidDesc)
	}
	return &metadata.Cmd{Queue: queue, InternalData: &cmdState{}}, nil
}

func (b *Backend) CmdDestroy(cmd *metadata.Cmd) {
	if cmd != nil {
		cmd.InternalData = nil
	}
}

func (b *Backend) FenceCreate() (*metadata.Fence, error) {
	return &metadata.Fence{InternalData: &fenceState{}}, nil
}

func (b *Backend) FenceDestroy(fence *metadata.Fence) {
	if fence != nil {
		fence.InternalData = nil
	}
}

func (b *Backend) SemaphoreCreate() (*metadata.Semaphore, error) {
	return &metadata.Semaphore{InternalData: &semaphoreState{}}, nil
}

func (b *Backend) SemaphoreDestroy(semaphore *metadata.Semaphore) {
	if semaphore != nil {
		semaphore.InternalData = nil
	}
}

func (b *Backend) CmdBegin(cmd *metadata.Cmd) error {
	state, ok := cmd.InternalData.(*cmdState)
	if !ok {
		return fmt.Errorf("software cmd begin: %w", core.ErrInvalidDesc)
	}
	state.recording = true
	state.ops = state.ops[:0]
	return nil
}

func (b *Backend) CmdEnd(cmd *metadata.Cmd) error {
	state, ok := cmd.InternalData.(*cmdState)
	if !ok || !state.recording {
		return fmt.Errorf("software cmd end: %w", core.ErrInvalidDesc)
	}
	state.recording = false
	return nil
}

func (b *Backend) record(cmd *metadata.Cmd, op func() error) {
	state, ok := cmd.InternalData.(*cmdState)
	if !ok || !state.recording {
		core.LogError("software: command recorded outside of CmdBegin/CmdEnd")
		return
	}
	state.ops = append(state.ops, op)
}

func (b *Backend) CmdUpdateBuffer(cmd *metadata.Cmd, dst *metadata.Buffer, dstOffset uint64, src *metadata.Buffer, srcOffset, size uint64) {
	b.record(cmd, func() error {
		dstMem, ok1 := dst.InternalData.(*bufferMemory)
		srcMem, ok2 := src.InternalData.(*bufferMemory)
		if !ok1 || !ok2 {
			return fmt.Errorf("copy buffer: %w", core.ErrInvalidDesc)
		}
		if dstOffset+size > uint64(len(dstMem.data)) || srcOffset+size > uint64(len(srcMem.data)) {
			return fmt.Errorf("copy buffer %d bytes: %w", size, core.ErrDestinationTooSmall)
		}
		lockPair(&dstMem.mutex, &srcMem.mutex)
		copy(dstMem.data[dstOffset:dstOffset+size], srcMem.data[srcOffset:srcOffset+size])
		unlockPair(&dstMem.mutex, &srcMem.mutex)
		return nil
	})
}

func (b *Backend) CmdUpdateSubresource(cmd *metadata.Cmd, dst *metadata.Texture, src *metadata.Buffer, desc *metadata.SubresourceDataDesc) {
	d := *desc
	b.record(cmd, func() error {
		return b.copySubresource(dst, src, d, true)
	})
}

func (b *Backend) CmdCopySubresource(cmd *metadata.Cmd, dst *metadata.Buffer, src *metadata.Texture, desc *metadata.SubresourceDataDesc) {
	d := *desc
	b.record(cmd, func() error {
		return b.copySubresource(src, dst, d, false)
	})
}

// copySubresource moves rows between a linear buffer laid out with the
// pitches of desc and the packed texture subresource.
func (b *Backend) copySubresource(texture *metadata.Texture, buffer *metadata.Buffer, desc metadata.SubresourceDataDesc, toTexture bool) error {
	texMem, ok1 := texture.InternalData.(*textureMemory)
	bufMem, ok2 := buffer.InternalData.(*bufferMemory)
	if !ok1 || !ok2 {
		return fmt.Errorf("copy subresource: %w", core.ErrInvalidDesc)
	}
	if desc.MipLevel >= texture.MipLevels || desc.ArrayLayer >= texture.ArraySize {
		return fmt.Errorf("copy subresource mip %d layer %d: %w", desc.MipLevel, desc.ArrayLayer, core.ErrInvalidDesc)
	}
	layout, err := metadata.SubresourceLayoutOf(texture.Format, texture.Width, texture.Height, texture.Depth, desc.MipLevel)
	if err != nil {
		return err
	}
	rowPitch := uint64(desc.RowPitch)
	if rowPitch == 0 {
		rowPitch = uint64(layout.RowBytes)
	}
	slicePitch := uint64(desc.SlicePitch)
	if slicePitch == 0 {
		slicePitch = rowPitch * uint64(layout.RowCount)
	}
	last := desc.SrcOffset + slicePitch*uint64(layout.Depth-1) + rowPitch*uint64(layout.RowCount-1) + uint64(layout.RowBytes)
	if last > uint64(len(bufMem.data)) {
		return fmt.Errorf("copy subresource %q: %w", texture.Name, core.ErrDestinationTooSmall)
	}

	lockPair(&texMem.mutex, &bufMem.mutex)
	defer unlockPair(&texMem.mutex, &bufMem.mutex)
	packed := texMem.subresources[desc.ArrayLayer*texture.MipLevels+desc.MipLevel]
	for z := uint64(0); z < uint64(layout.Depth); z++ {
		for row := uint64(0); row < uint64(layout.RowCount); row++ {
			linear := desc.SrcOffset + z*slicePitch + row*rowPitch
			tight := z*uint64(layout.SliceBytes) + row*uint64(layout.RowBytes)
			if toTexture {
				copy(packed[tight:tight+uint64(layout.RowBytes)], bufMem.data[linear:linear+uint64(layout.RowBytes)])
			} else {
				copy(bufMem.data[linear:linear+uint64(layout.RowBytes)], packed[tight:tight+uint64(layout.RowBytes)])
			}
		}
	}
	return nil
}

func lockPair(a, b *sync.Mutex) {
	a.Lock()
	if a != b {
		b.Lock()
	}
}

func unlockPair(a, b *sync.Mutex) {
	if a != b {
		b.Unlock()
	}
	a.Unlock()
}

func (b *Backend) QueueSubmit(queue *metadata.Queue, desc *metadata.QueueSubmitDesc) error {
	q, ok := queue.InternalData.(*queueState)
	if !ok {
		return fmt.Errorf("software queue submit: %w", core.ErrInvalidDesc)
	}

	b.mutex.Lock()
	if b.lost {
		b.mutex.Unlock()
		return fmt.Errorf("software queue submit: %w", core.ErrDeviceLost)
	}
	if desc.SignalFence != nil {
		if fence, ok := desc.SignalFence.InternalData.(*fenceState); ok {
			fence.submitted = true
			fence.signaled = false
		}
	}
	b.mutex.Unlock()

	sub := &submission{}
	for _, cmd := range desc.Cmds {
		state, ok := cmd.InternalData.(*cmdState)
		if !ok || state.recording {
			return fmt.Errorf("software queue submit: command buffer not ended: %w", core.ErrInvalidDesc)
		}
		sub.ops = append(sub.ops, state.ops...)
	}
	if desc.SignalFence != nil {
		sub.fence, _ = desc.SignalFence.InternalData.(*fenceState)
	}
	for _, s := range desc.WaitSemaphores {
		if st, ok := s.InternalData.(*semaphoreState); ok {
			sub.waits = append(sub.waits, st)
		}
	}
	for _, s := range desc.SignalSemaphores {
		if st, ok := s.InternalData.(*semaphoreState); ok {
			sub.signals = append(sub.signals, st)
		}
	}
	return q.push(sub)
}

func (b *Backend) QueueWaitIdle(queue *metadata.Queue) error {
	q, ok := queue.InternalData.(*queueState)
	if !ok {
		return fmt.Errorf("software queue wait idle: %w", core.ErrInvalidDesc)
	}
	q.waitIdle()
	return nil
}

func (b *Backend) FenceStatus(fence *metadata.Fence) (metadata.FenceStatus, error) {
	state, ok := fence.InternalData.(*fenceState)
	if !ok {
		return metadata.FenceStatusNotSubmitted, fmt.Errorf("software fence status: %w", core.ErrInvalidDesc)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !state.submitted {
		return metadata.FenceStatusNotSubmitted, nil
	}
	if !state.signaled {
		if b.lost {
			return metadata.FenceStatusIncomplete, core.ErrDeviceLost
		}
		return metadata.FenceStatusIncomplete, nil
	}
	state.submitted = false
	state.signaled = false
	return metadata.FenceStatusComplete, nil
}

func (b *Backend) WaitForFences(fences ...*metadata.Fence) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, fence := range fences {
		state, ok := fence.InternalData.(*fenceState)
		if !ok {
			return fmt.Errorf("software wait for fences: %w", core.ErrInvalidDesc)
		}
		for state.submitted && !state.signaled {
			if b.lost || !b.initialized {
				return fmt.Errorf("software wait for fences: %w", core.ErrDeviceLost)
			}
			b.cond.Wait()
		}
		state.submitted = false
		state.signaled = false
	}
	return nil
}
