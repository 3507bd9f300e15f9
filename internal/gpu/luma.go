package gpu

import (
	"errors"
	"fmt"
	"math"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/maximbaz/wluma/internal/capture"
)

// fenceTimeout bounds the wait for the reduction to finish on the GPU.
const fenceTimeout = 100 * time.Millisecond

// ErrUnsupportedFrame is returned for multi-planar frames or frames with a
// non-default DRM modifier. These layouts cannot be aliased as a plain image,
// so the condition is permanent.
var ErrUnsupportedFrame = errors.New("unsupported frame layout")

// ErrFrameResized is returned when the captured frame no longer matches the
// staging image. Capture resizes are not supported; the loop shuts down.
var ErrFrameResized = errors.New("captured frame was resized")

// ErrFenceTimeout is returned when the GPU does not finish within the
// deadline; the cycle is skipped.
var ErrFenceTimeout = errors.New("timed out waiting for GPU fence")

// LumaPercent imports the frame, reduces it to one pixel via the staging
// image's mip chain and returns the perceived-lightness percentage (0-100).
func (c *Context) LumaPercent(frame *capture.Frame) (int, error) {
	if frame.PlaneCount != 1 || len(frame.Objects) != 1 {
		return 0, fmt.Errorf("%w: %d planes", ErrUnsupportedFrame, frame.PlaneCount)
	}
	if frame.Modifier != 0 {
		return 0, fmt.Errorf("%w: DRM modifier %#x", ErrUnsupportedFrame, frame.Modifier)
	}

	if c.staging == nil {
		staging, err := c.createStaging(frame.Width, frame.Height)
		if err != nil {
			return 0, err
		}
		c.staging = staging
	} else if c.staging.frameW != frame.Width || c.staging.frameH != frame.Height {
		return 0, fmt.Errorf("%w: %dx%d != %dx%d", ErrFrameResized,
			frame.Width, frame.Height, c.staging.frameW, c.staging.frameH)
	}

	image, memory, err := c.importFrame(frame)
	if err != nil {
		return 0, err
	}
	// The transient image lives for exactly one cycle; its memory owns the
	// duplicated descriptor and releases it here.
	defer func() {
		vk.DestroyImage(c.device, image, nil)
		vk.FreeMemory(c.device, memory, nil)
	}()

	if err := c.recordReduction(image, frame.Width, frame.Height); err != nil {
		return 0, err
	}
	if err := c.submitAndWait(); err != nil {
		return 0, err
	}
	return c.readbackLuma()
}

// createStaging builds the persistent half-resolution mip-chain image.
func (c *Context) createStaging(frameW, frameH uint32) (*stagingImage, error) {
	width, height := halfExtent(frameW, frameH)
	levels := mipLevels(frameW, frameH)

	var image vk.Image
	res := vk.CreateImage(c.device, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        vk.FormatB8g8r8a8Unorm,
		Extent:        vk.Extent3D{Width: width, Height: height, Depth: 1},
		MipLevels:     levels,
		ArrayLayers:   1,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageSampledBit),
		SharingMode:   vk.SharingModeExclusive,
		Samples:       vk.SampleCount1Bit,
	}, nil, &image)
	if res != vk.Success {
		return nil, fmt.Errorf("failed to create staging image: %w", vk.Error(res))
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(c.device, image, &memReqs)
	memReqs.Deref()

	var memory vk.DeviceMemory
	res = vk.AllocateMemory(c.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: 0,
	}, nil, &memory)
	if res != vk.Success {
		vk.DestroyImage(c.device, image, nil)
		return nil, fmt.Errorf("failed to allocate staging memory: %w", vk.Error(res))
	}
	if res = vk.BindImageMemory(c.device, image, memory, 0); res != vk.Success {
		vk.DestroyImage(c.device, image, nil)
		vk.FreeMemory(c.device, memory, nil)
		return nil, fmt.Errorf("failed to bind staging memory: %w", vk.Error(res))
	}

	log.Debug().
		Uint32("width", width).
		Uint32("height", height).
		Uint32("mipLevels", levels).
		Msg("Created staging image")

	return &stagingImage{
		image:     image,
		memory:    memory,
		frameW:    frameW,
		frameH:    frameH,
		mipLevels: levels,
	}, nil
}

// importFrame aliases the frame's first plane as an externally-backed image.
// The descriptor is duplicated: the allocation takes ownership of the copy
// while the compositor's original stays with the frame.
func (c *Context) importFrame(frame *capture.Frame) (vk.Image, vk.DeviceMemory, error) {
	extInfo := vk.ExternalMemoryImageCreateInfo{
		SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit),
	}

	var image vk.Image
	res := vk.CreateImage(c.device, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		PNext:         unsafe.Pointer(extInfo.Ref()),
		Flags:         vk.ImageCreateFlags(vk.ImageCreateAliasBit),
		ImageType:     vk.ImageType2d,
		Format:        vk.FormatR8g8b8a8Unorm,
		Extent:        vk.Extent3D{Width: frame.Width, Height: frame.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageSampledBit | vk.ImageUsageTransferSrcBit),
		SharingMode:   vk.SharingModeExclusive,
		Samples:       vk.SampleCount1Bit,
	}, nil, &image)
	if res != vk.Success {
		return nil, nil, fmt.Errorf("failed to create frame image: %w", vk.Error(res))
	}

	fd, err := unix.Dup(frame.Objects[0].FD)
	if err != nil {
		vk.DestroyImage(c.device, image, nil)
		return nil, nil, fmt.Errorf("failed to dup frame descriptor: %w", err)
	}

	importInfo := vk.ImportMemoryFdInfo{
		SType:      vk.StructureTypeImportMemoryFdInfo,
		HandleType: vk.ExternalMemoryHandleTypeDmaBufBit,
		Fd:         int32(fd),
	}

	var memory vk.DeviceMemory
	res = vk.AllocateMemory(c.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           unsafe.Pointer(importInfo.Ref()),
		AllocationSize:  vk.DeviceSize(frame.Objects[0].Size),
		MemoryTypeIndex: 0,
	}, nil, &memory)
	if res != vk.Success {
		vk.DestroyImage(c.device, image, nil)
		_ = unix.Close(fd)
		return nil, nil, fmt.Errorf("failed to import frame memory: %w", vk.Error(res))
	}
	if res = vk.BindImageMemory(c.device, image, memory, 0); res != vk.Success {
		vk.DestroyImage(c.device, image, nil)
		vk.FreeMemory(c.device, memory, nil)
		return nil, nil, fmt.Errorf("failed to bind frame memory: %w", vk.Error(res))
	}

	return image, memory, nil
}

// recordReduction records the one-shot command buffer: blit the frame into
// staging mip 0 at half resolution, walk the chain halving each level, then
// copy the final 1x1 mip into the readback buffer.
func (c *Context) recordReduction(frameImage vk.Image, frameW, frameH uint32) error {
	res := vk.BeginCommandBuffer(c.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if res != vk.Success {
		return fmt.Errorf("failed to begin command buffer: %w", vk.Error(res))
	}

	colorRange := vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}
	colorLayer := vk.ImageSubresourceLayers{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LayerCount: 1,
	}

	// Frame image: undefined -> transfer source.
	c.barrier(vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           vk.ImageLayoutUndefined,
		NewLayout:           vk.ImageLayoutTransferSrcOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               frameImage,
		SubresourceRange:    colorRange,
		DstAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
	}, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit))

	// Staging image: the whole mip chain becomes a transfer destination.
	chainRange := colorRange
	chainRange.LevelCount = c.staging.mipLevels
	c.barrier(vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           vk.ImageLayoutUndefined,
		NewLayout:           vk.ImageLayoutTransferDstOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               c.staging.image,
		SubresourceRange:    chainRange,
		DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
	}, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit))

	// Downsample the frame by two into mip 0.
	mipW, mipH := halfExtent(frameW, frameH)
	srcLayer := colorLayer
	dstLayer := colorLayer
	vk.CmdBlitImage(c.cmd,
		frameImage, vk.ImageLayoutTransferSrcOptimal,
		c.staging.image, vk.ImageLayoutTransferDstOptimal,
		1, []vk.ImageBlit{{
			SrcSubresource: srcLayer,
			SrcOffsets:     [2]vk.Offset3D{{}, {X: int32(frameW), Y: int32(frameH), Z: 1}},
			DstSubresource: dstLayer,
			DstOffsets:     [2]vk.Offset3D{{}, {X: int32(mipW), Y: int32(mipH), Z: 1}},
		}},
		vk.FilterLinear)

	// Halve level by level down to 1x1.
	for level := uint32(1); level < c.staging.mipLevels; level++ {
		prevRange := colorRange
		prevRange.BaseMipLevel = level - 1
		c.barrier(vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			OldLayout:           vk.ImageLayoutTransferDstOptimal,
			NewLayout:           vk.ImageLayoutTransferSrcOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               c.staging.image,
			SubresourceRange:    prevRange,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
		}, vk.PipelineStageFlags(vk.PipelineStageTransferBit))

		nextW, nextH := halfExtent(mipW, mipH)
		srcLayer.MipLevel = level - 1
		dstLayer.MipLevel = level
		vk.CmdBlitImage(c.cmd,
			c.staging.image, vk.ImageLayoutTransferSrcOptimal,
			c.staging.image, vk.ImageLayoutTransferDstOptimal,
			1, []vk.ImageBlit{{
				SrcSubresource: srcLayer,
				SrcOffsets:     [2]vk.Offset3D{{}, {X: int32(mipW), Y: int32(mipH), Z: 1}},
				DstSubresource: dstLayer,
				DstOffsets:     [2]vk.Offset3D{{}, {X: int32(nextW), Y: int32(nextH), Z: 1}},
			}},
			vk.FilterLinear)

		mipW, mipH = nextW, nextH
	}

	// Final mip: transfer source for the buffer copy.
	lastRange := colorRange
	lastRange.BaseMipLevel = c.staging.mipLevels - 1
	c.barrier(vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           vk.ImageLayoutTransferDstOptimal,
		NewLayout:           vk.ImageLayoutTransferSrcOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               c.staging.image,
		SubresourceRange:    lastRange,
		SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
	}, vk.PipelineStageFlags(vk.PipelineStageTransferBit))

	copyLayer := colorLayer
	copyLayer.MipLevel = c.staging.mipLevels - 1
	vk.CmdCopyImageToBuffer(c.cmd, c.staging.image, vk.ImageLayoutTransferSrcOptimal, c.readback,
		1, []vk.BufferImageCopy{{
			ImageSubresource: copyLayer,
			ImageExtent:      vk.Extent3D{Width: 1, Height: 1, Depth: 1},
		}})

	if res := vk.EndCommandBuffer(c.cmd); res != vk.Success {
		return fmt.Errorf("failed to end command buffer: %w", vk.Error(res))
	}
	return nil
}

func (c *Context) barrier(b vk.ImageMemoryBarrier, srcStage vk.PipelineStageFlags) {
	vk.CmdPipelineBarrier(c.cmd,
		srcStage, vk.PipelineStageFlags(vk.PipelineStageTransferBit), 0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{b})
}

// submitAndWait submits the recorded work and waits on the fence with a
// bounded deadline.
func (c *Context) submitAndWait() error {
	res := vk.QueueSubmit(c.queue, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{c.cmd},
	}}, c.fence)
	if res != vk.Success {
		return fmt.Errorf("failed to submit queue: %w", vk.Error(res))
	}

	res = vk.WaitForFences(c.device, 1, []vk.Fence{c.fence}, vk.True, uint64(fenceTimeout.Nanoseconds()))
	if res == vk.Timeout {
		return ErrFenceTimeout
	}
	if res != vk.Success {
		return fmt.Errorf("failed to wait for fence: %w", vk.Error(res))
	}
	return nil
}

// readbackLuma maps the 4-byte buffer and converts the averaged pixel.
func (c *Context) readbackLuma() (int, error) {
	var ptr unsafe.Pointer
	if res := vk.MapMemory(c.device, c.readbackMemory, 0, readbackSize, 0, &ptr); res != vk.Success {
		return 0, fmt.Errorf("failed to map readback memory: %w", vk.Error(res))
	}
	pixel := *(*[readbackSize]byte)(ptr)
	vk.UnmapMemory(c.device, c.readbackMemory)

	if res := vk.ResetFences(c.device, 1, []vk.Fence{c.fence}); res != vk.Success {
		return 0, fmt.Errorf("failed to reset fence: %w", vk.Error(res))
	}

	return lumaPercent(pixel[0], pixel[1], pixel[2]), nil
}

// lumaPercent converts an averaged RGB sample to perceived lightness using
// the HSP weights, which track human brightness perception more closely than
// broadcast luma coefficients.
func lumaPercent(r, g, b byte) int {
	weighted := 0.241*float64(r)*float64(r) + 0.691*float64(g)*float64(g) + 0.068*float64(b)*float64(b)
	return int(math.Round(math.Sqrt(weighted) / 255 * 100))
}

// mipLevels is the length of the staging mip chain for a frame, at least one
// level so a 1x1 frame still reduces cleanly.
func mipLevels(width, height uint32) uint32 {
	max := width
	if height > max {
		max = height
	}
	levels := uint32(math.Floor(math.Log2(float64(max))))
	if levels < 1 {
		levels = 1
	}
	return levels
}

// halfExtent halves a blit extent, clamping each dimension to one.
func halfExtent(width, height uint32) (uint32, uint32) {
	if width > 1 {
		width /= 2
	} else {
		width = 1
	}
	if height > 1 {
		height /= 2
	} else {
		height = 1
	}
	return width, height
}
