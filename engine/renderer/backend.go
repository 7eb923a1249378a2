package renderer

import "github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"

// RendererBackend is one GPU device as seen by the resource loader. The loader
// only ever creates copy queues, records copies and waits on fences.
type RendererBackend interface {
	Initialize(appName string) error
	Shutdown() error
	Capabilities() metadata.GPUCapabilities
	// NodeIndex is the position of the device in an unlinked setup.
	NodeIndex() uint32

	BufferCreate(desc *metadata.BufferDesc) (*metadata.Buffer, error)
	BufferDestroy(buffer *metadata.Buffer)
	TextureCreate(desc *metadata.TextureDesc) (*metadata.Texture, error)
	TextureDestroy(texture *metadata.Texture)

	QueueCreate(queueType metadata.QueueType) (*metadata.Queue, error)
	QueueDestroy(queue *metadata.Queue)
	CmdCreate(queue *metadata.Queue) (*metadata.Cmd, error)
	CmdDestroy(cmd *metadata.Cmd)
	FenceCreate() (*metadata.Fence, error)
	FenceDestroy(fence *metadata.Fence)
	SemaphoreCreate() (*metadata.Semaphore, error)
	SemaphoreDestroy(semaphore *metadata.Semaphore)

	CmdBegin(cmd *metadata.Cmd) error
	CmdEnd(cmd *metadata.Cmd) error
	// CmdUpdateBuffer records a copy of size bytes from src to dst.
	CmdUpdateBuffer(cmd *metadata.Cmd, dst *metadata.Buffer, dstOffset uint64, src *metadata.Buffer, srcOffset, size uint64)
	// CmdUpdateSubresource records a copy of linear buffer data into one texture subresource.
	CmdUpdateSubresource(cmd *metadata.Cmd, dst *metadata.Texture, src *metadata.Buffer, desc *metadata.SubresourceDataDesc)
	// CmdCopySubresource records a copy of one texture subresource into linear buffer data.
	CmdCopySubresource(cmd *metadata.Cmd, dst *metadata.Buffer, src *metadata.Texture, desc *metadata.SubresourceDataDesc)

	QueueSubmit(queue *metadata.Queue, desc *metadata.QueueSubmitDesc) error
	QueueWaitIdle(queue *metadata.Queue) error
	// FenceStatus polls a fence. A completed fence is reset and reported as complete.
	FenceStatus(fence *metadata.Fence) (metadata.FenceStatus, error)
	// WaitForFences blocks until every submitted fence is signaled, then resets them.
	WaitForFences(fences ...*metadata.Fence) error
}
