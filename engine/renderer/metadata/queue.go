package metadata

type QueueType int

const (
	QueueTypeGraphics QueueType = iota
	QueueTypeTransfer
	QueueTypeCompute
)

/** @brief A device queue. */
type Queue struct {
	Type         QueueType
	NodeIndex    uint32
	InternalData interface{}
}

/** @brief A command buffer recording copies for one queue. */
type Cmd struct {
	Queue        *Queue
	InternalData interface{}
}

/** @brief A CPU visible completion primitive signaled by a queue submission. */
type Fence struct {
	InternalData interface{}
}

/** @brief A GPU side synchronization primitive between submissions. */
type Semaphore struct {
	InternalData interface{}
}

type FenceStatus int

const (
	/** @brief The fence was signaled. */
	FenceStatusComplete FenceStatus = iota
	/** @brief The fence was submitted and has not been signaled yet. */
	FenceStatusIncomplete
	/** @brief The fence has never been submitted. */
	FenceStatusNotSubmitted
)

/**
 * @brief Describes one queue submission.
 */
type QueueSubmitDesc struct {
	Cmds             []*Cmd
	SignalFence      *Fence
	WaitSemaphores   []*Semaphore
	SignalSemaphores []*Semaphore
}

/**
 * @brief Locates one texture subresource inside a linear buffer.
 */
type SubresourceDataDesc struct {
	/** @brief Byte offset of the subresource inside the buffer. */
	SrcOffset  uint64
	MipLevel   uint32
	ArrayLayer uint32
	/** @brief Row pitch of the linear data, including padding. */
	RowPitch uint32
	/** @brief Slice pitch of the linear data, including padding. */
	SlicePitch uint32
}

/**
 * @brief Limits of a device that shape staging layouts.
 */
type GPUCapabilities struct {
	/** @brief Device name, for logs. */
	DeviceName string
	/** @brief Required alignment of a subresource start inside an upload buffer. */
	UploadBufferTextureAlignment uint32
	/** @brief Required alignment of a row pitch inside an upload buffer. */
	UploadBufferTextureRowAlignment uint32
	/** @brief Largest buffer the device accepts. Zero when unbounded. */
	MaxBufferSize uint64
}
