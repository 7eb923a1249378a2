package software

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

func newTestBackend(t *testing.T, latency time.Duration) *Backend {
	t.Helper()
	b := New(renderer.BackendConfig{CopyLatency: latency})
	require.NoError(t, b.Initialize("test"))
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func submitOne(t *testing.T, b *Backend, queue *metadata.Queue, fence *metadata.Fence, record func(cmd *metadata.Cmd)) {
	t.Helper()
	cmd, err := b.CmdCreate(queue)
	require.NoError(t, err)
	require.NoError(t, b.CmdBegin(cmd))
	record(cmd)
	require.NoError(t, b.CmdEnd(cmd))
	require.NoError(t, b.QueueSubmit(queue, &metadata.QueueSubmitDesc{Cmds: []*metadata.Cmd{cmd}, SignalFence: fence}))
}

func TestBufferCopyAndFenceLifecycle(t *testing.T) {
	b := newTestBackend(t, 5*time.Millisecond)
	queue, err := b.QueueCreate(metadata.QueueTypeTransfer)
	require.NoError(t, err)

	staging, err := b.BufferCreate(&metadata.BufferDesc{Size: 64, MemoryUsage: metadata.ResourceMemoryUsageCPUOnly})
	require.NoError(t, err)
	require.Len(t, staging.CPUMappedAddress, 64)
	dst, err := b.BufferCreate(&metadata.BufferDesc{Size: 64, MemoryUsage: metadata.ResourceMemoryUsageGPUOnly})
	require.NoError(t, err)
	assert.Nil(t, dst.CPUMappedAddress)

	for i := range staging.CPUMappedAddress {
		staging.CPUMappedAddress[i] = byte(i)
	}

	fence, err := b.FenceCreate()
	require.NoError(t, err)
	status, err := b.FenceStatus(fence)
	require.NoError(t, err)
	assert.Equal(t, metadata.FenceStatusNotSubmitted, status)

	submitOne(t, b, queue, fence, func(cmd *metadata.Cmd) {
		b.CmdUpdateBuffer(cmd, dst, 16, staging, 0, 32)
	})
	require.NoError(t, b.WaitForFences(fence))

	got := b.ReadBuffer(dst)
	assert.Equal(t, make([]byte, 16), got[:16])
	assert.Equal(t, staging.CPUMappedAddress[:32], got[16:48])

	status, err = b.FenceStatus(fence)
	require.NoError(t, err)
	assert.Equal(t, metadata.FenceStatusNotSubmitted, status, "waiting resets the fence")
}

func TestFenceStatusResetsOnCompletion(t *testing.T) {
	b := newTestBackend(t, 0)
	queue, err := b.QueueCreate(metadata.QueueTypeTransfer)
	require.NoError(t, err)
	fence, err := b.FenceCreate()
	require.NoError(t, err)

	submitOne(t, b, queue, fence, func(cmd *metadata.Cmd) {})
	require.NoError(t, b.QueueWaitIdle(queue))

	status, err := b.FenceStatus(fence)
	require.NoError(t, err)
	assert.Equal(t, metadata.FenceStatusComplete, status)
	status, err = b.FenceStatus(fence)
	require.NoError(t, err)
	assert.Equal(t, metadata.FenceStatusNotSubmitted, status)
}

func TestSubresourceCopyHonorsPitches(t *testing.T) {
	b := newTestBackend(t, 0)
	queue, err := b.QueueCreate(metadata.QueueTypeTransfer)
	require.NoError(t, err)

	tex, err := b.TextureCreate(&metadata.TextureDesc{Width: 4, Height: 3, Format: metadata.TextureFormatRGBA8Unorm, MipLevels: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tex.MipLevels)

	// 16 bytes of texels per row, laid out with a 32 byte pitch.
	src, err := b.BufferCreate(&metadata.BufferDesc{Size: 128, MemoryUsage: metadata.ResourceMemoryUsageCPUOnly})
	require.NoError(t, err)
	for row := 0; row < 3; row++ {
		for i := 0; i < 32; i++ {
			v := byte(0xEE)
			if i < 16 {
				v = byte(row*16 + i)
			}
			src.CPUMappedAddress[row*32+i] = v
		}
	}

	fence, err := b.FenceCreate()
	require.NoError(t, err)
	submitOne(t, b, queue, fence, func(cmd *metadata.Cmd) {
		b.CmdUpdateSubresource(cmd, tex, src, &metadata.SubresourceDataDesc{RowPitch: 32, SlicePitch: 96})
	})
	require.NoError(t, b.WaitForFences(fence))

	packed := b.ReadSubresource(tex, 0, 0)
	require.Len(t, packed, 48)
	for i := range packed {
		assert.Equal(t, byte(i), packed[i])
	}

	readback, err := b.BufferCreate(&metadata.BufferDesc{Size: 128, MemoryUsage: metadata.ResourceMemoryUsageGPUToCPU})
	require.NoError(t, err)
	submitOne(t, b, queue, fence, func(cmd *metadata.Cmd) {
		b.CmdCopySubresource(cmd, readback, tex, &metadata.SubresourceDataDesc{SrcOffset: 8, RowPitch: 16})
	})
	require.NoError(t, b.WaitForFences(fence))
	assert.Equal(t, packed, b.ReadBuffer(readback)[8:56])
}

func TestDeviceLostFailsSubmissions(t *testing.T) {
	b := newTestBackend(t, 0)
	queue, err := b.QueueCreate(metadata.QueueTypeTransfer)
	require.NoError(t, err)
	b.MarkDeviceLost()

	err = b.QueueSubmit(queue, &metadata.QueueSubmitDesc{})
	assert.ErrorIs(t, err, core.ErrDeviceLost)
}

func TestRegisteredWithRendererFactory(t *testing.T) {
	backends, err := renderer.NewUnlinked(renderer.Software, "test", 2, renderer.BackendConfig{UploadBufferTextureRowAlignment: 64})
	require.NoError(t, err)
	require.Len(t, backends, 2)
	for i, backend := range backends {
		assert.Equal(t, uint32(i), backend.NodeIndex())
		assert.Equal(t, uint32(64), backend.Capabilities().UploadBufferTextureRowAlignment)
		assert.Equal(t, defaultTextureAlignment, backend.Capabilities().UploadBufferTextureAlignment)
		require.NoError(t, backend.Shutdown())
	}
}
