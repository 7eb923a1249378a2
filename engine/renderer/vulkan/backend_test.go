package vulkan

import (
	"sync"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

func TestPickTransferFamily(t *testing.T) {
	tests := []struct {
		name     string
		families []vk.QueueFlagBits
		want     int32
	}{
		{"none", nil, -1},
		{"graphics only", []vk.QueueFlagBits{vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit}, 0},
		{"dedicated transfer wins", []vk.QueueFlagBits{
			vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit,
			vk.QueueComputeBit | vk.QueueTransferBit,
			vk.QueueTransferBit,
		}, 2},
		{"compute before graphics", []vk.QueueFlagBits{
			vk.QueueGraphicsBit | vk.QueueComputeBit,
			vk.QueueComputeBit,
		}, 1},
		{"sparse only family skipped", []vk.QueueFlagBits{vk.QueueSparseBindingBit}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickTransferFamily(tt.families))
		})
	}
}

func TestAlignmentOf(t *testing.T) {
	assert.Equal(t, uint32(16), alignmentOf(1, 0))
	assert.Equal(t, uint32(256), alignmentOf(256, 0))
	assert.Equal(t, uint32(512), alignmentOf(256, 512))
	assert.Equal(t, uint32(16), alignmentOf(256, 4))
}

func TestVulkanFormatCoversEveryFormat(t *testing.T) {
	for f := metadata.TextureFormatR8Unorm; f <= metadata.TextureFormatBC7Srgb; f++ {
		_, ok := VulkanFormat(f)
		assert.True(t, ok, f.String())
	}
	_, ok := VulkanFormat(metadata.TextureFormatUndefined)
	assert.False(t, ok)
}

func TestCopyRegion(t *testing.T) {
	texture := metadata.NewTextureFromDesc(1, metadata.TextureDesc{
		Name:      "region",
		Width:     100,
		Height:    60,
		MipLevels: 3,
		ArraySize: 2,
		Format:    metadata.TextureFormatRGBA8Unorm,
	})

	t.Run("tightly packed", func(t *testing.T) {
		region, err := CopyRegion(texture, &metadata.SubresourceDataDesc{SrcOffset: 512, MipLevel: 1, ArrayLayer: 1})
		require.NoError(t, err)
		assert.Equal(t, vk.DeviceSize(512), region.BufferOffset)
		assert.Zero(t, region.BufferRowLength)
		assert.Zero(t, region.BufferImageHeight)
		assert.Equal(t, uint32(1), region.ImageSubresource.MipLevel)
		assert.Equal(t, uint32(1), region.ImageSubresource.BaseArrayLayer)
		assert.Equal(t, vk.Extent3D{Width: 50, Height: 30, Depth: 1}, region.ImageExtent)
	})

	t.Run("padded rows", func(t *testing.T) {
		region, err := CopyRegion(texture, &metadata.SubresourceDataDesc{RowPitch: 512, SlicePitch: 512 * 60})
		require.NoError(t, err)
		assert.Equal(t, uint32(128), region.BufferRowLength)
		assert.Equal(t, uint32(60), region.BufferImageHeight)
	})

	t.Run("compressed blocks", func(t *testing.T) {
		bc := metadata.NewTextureFromDesc(2, metadata.TextureDesc{
			Width: 64, Height: 64, Format: metadata.TextureFormatBC1Unorm,
		})
		// 16 blocks of 8 bytes per row, padded to 256 bytes
		region, err := CopyRegion(bc, &metadata.SubresourceDataDesc{RowPitch: 256, SlicePitch: 256 * 16})
		require.NoError(t, err)
		assert.Equal(t, uint32(128), region.BufferRowLength)
		assert.Equal(t, uint32(64), region.BufferImageHeight)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := CopyRegion(texture, &metadata.SubresourceDataDesc{MipLevel: 3})
		assert.ErrorIs(t, err, core.ErrInvalidDesc)
		_, err = CopyRegion(texture, &metadata.SubresourceDataDesc{ArrayLayer: 2})
		assert.ErrorIs(t, err, core.ErrInvalidDesc)
	})
}

func TestCheckResult(t *testing.T) {
	assert.NoError(t, checkResult("ok", vk.Success))
	assert.NoError(t, checkResult("not ready", vk.NotReady))
	assert.ErrorIs(t, checkResult("submit", vk.ErrorDeviceLost), core.ErrDeviceLost)

	err := checkResult("allocate", vk.ErrorOutOfDeviceMemory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VK_ERROR_OUT_OF_DEVICE_MEMORY")
	assert.Equal(t, "VkResult(-12345)", VulkanResultString(vk.Result(-12345)))
}

func TestBufferFlags(t *testing.T) {
	flags := bufferUsageFlags(metadata.BufferUsageVertex | metadata.BufferUsageIndex)
	assert.NotZero(t, flags&vk.BufferUsageVertexBufferBit)
	assert.NotZero(t, flags&vk.BufferUsageIndexBufferBit)
	assert.NotZero(t, flags&vk.BufferUsageTransferDstBit)
	assert.Zero(t, flags&vk.BufferUsageUniformBufferBit)

	required, preferred := memoryProperties(metadata.ResourceMemoryUsageGPUOnly)
	assert.Equal(t, vk.MemoryPropertyDeviceLocalBit, required)
	assert.Zero(t, preferred)
	for _, usage := range []metadata.ResourceMemoryUsage{
		metadata.ResourceMemoryUsageCPUOnly,
		metadata.ResourceMemoryUsageCPUToGPU,
		metadata.ResourceMemoryUsageGPUToCPU,
	} {
		required, _ := memoryProperties(usage)
		assert.NotZero(t, required&vk.MemoryPropertyHostVisibleBit, "usage %d", usage)
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "VK_LAYER\x00", VulkanSafeString("VK_LAYER"))
	assert.Equal(t, "\x00", VulkanSafeString(""))
	in := []string{"a", "b\x00"}
	assert.Equal(t, []string{"a\x00", "b\x00"}, VulkanSafeStrings(in))
	assert.Equal(t, "a", in[0])
	assert.Equal(t, "GPU", cString([]byte{'G', 'P', 'U', 0, 'x'}))
}

func TestLockPoolSerializesGroups(t *testing.T) {
	pool := NewVulkanLockPool()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = pool.SafeCall(MemoryManagement, func() error {
				counter++
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = pool.SafeQueueCall(3, func() error {
				return pool.SafeCall(MemoryManagement, func() error {
					counter++
					return nil
				})
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestRegisteredAsVulkanBackend(t *testing.T) {
	vr := New(renderer.BackendConfig{NodeIndex: 2})
	assert.Equal(t, uint32(2), vr.NodeIndex())
	// Shutdown before Initialize is a no-op.
	assert.NoError(t, vr.Shutdown())
	_, err := vr.QueueCreate(metadata.QueueTypeTransfer)
	assert.ErrorIs(t, err, core.ErrLoaderNotInitialized)
}
