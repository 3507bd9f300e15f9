// Package gpu computes the perceived brightness of captured frames on the
// GPU: each DMA-BUF frame is imported as a Vulkan image, reduced to a single
// pixel through a mipmap chain and read back as four bytes.
package gpu

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/rs/zerolog/log"
)

// readbackSize is one RGBA pixel, the only data that ever crosses back over
// the bus.
const readbackSize = 4

var deviceExtensions = []string{
	"VK_KHR_external_memory\x00",
	"VK_KHR_external_memory_fd\x00",
	"VK_EXT_external_memory_dma_buf\x00",
}

// Context owns the long-lived Vulkan handles: instance, device, queue,
// command buffer, readback buffer and fence. They are created once at startup
// and destroyed once at shutdown.
//
// Context is not safe for concurrent use; the dispatcher owns it.
type Context struct {
	instance       vk.Instance
	physical       vk.PhysicalDevice
	device         vk.Device
	queue          vk.Queue
	pool           vk.CommandPool
	cmd            vk.CommandBuffer
	readback       vk.Buffer
	readbackMemory vk.DeviceMemory
	fence          vk.Fence

	// staging is created lazily on the first frame and reused afterwards.
	staging *stagingImage
}

type stagingImage struct {
	image     vk.Image
	memory    vk.DeviceMemory
	frameW    uint32
	frameH    uint32
	mipLevels uint32
}

// New initialises the Vulkan context on the first physical device. Any
// failure is fatal to the process: without a GPU there is no luma signal.
func New() (*Context, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("failed to load Vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize Vulkan: %w", err)
	}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   "wluma\x00",
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        "No Engine\x00",
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.ApiVersion11,
	}

	var instance vk.Instance
	res := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}, nil, &instance)
	if res != vk.Success {
		return nil, fmt.Errorf("failed to create Vulkan instance: %w", vk.Error(res))
	}
	if err := vk.InitInstance(instance); err != nil {
		return nil, fmt.Errorf("failed to load instance procedures: %w", err)
	}

	c := &Context{instance: instance}
	if err := c.initDevice(); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

func (c *Context) initDevice() error {
	var deviceCount uint32
	if res := vk.EnumeratePhysicalDevices(c.instance, &deviceCount, nil); res != vk.Success {
		return fmt.Errorf("failed to enumerate physical devices: %w", vk.Error(res))
	}
	if deviceCount == 0 {
		return fmt.Errorf("no physical device with Vulkan support")
	}

	devices := make([]vk.PhysicalDevice, deviceCount)
	if res := vk.EnumeratePhysicalDevices(c.instance, &deviceCount, devices); res != vk.Success {
		return fmt.Errorf("failed to enumerate physical devices: %w", vk.Error(res))
	}
	c.physical = devices[0]

	// Allocations below hard-code memory type 0. That works on Linux drivers
	// exposing a universal heap, but the readback buffer is mapped every
	// cycle, so verify the assumption instead of reading garbage.
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(c.physical, &memProps)
	memProps.Deref()
	if memProps.MemoryTypeCount == 0 {
		return fmt.Errorf("physical device reports no memory types")
	}
	memType := memProps.MemoryTypes[0]
	memType.Deref()
	hostFlags := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	if memType.PropertyFlags&hostFlags != hostFlags {
		return fmt.Errorf("memory type 0 is not host-visible and host-coherent; unsupported driver")
	}

	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: 0,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}
	res := vk.CreateDevice(c.physical, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    1,
		PQueueCreateInfos:       []vk.DeviceQueueCreateInfo{queueInfo},
		EnabledExtensionCount:   uint32(len(deviceExtensions)),
		PpEnabledExtensionNames: deviceExtensions,
	}, nil, &c.device)
	if res != vk.Success {
		return fmt.Errorf("failed to create logical device: %w", vk.Error(res))
	}

	vk.GetDeviceQueue(c.device, 0, 0, &c.queue)

	res = vk.CreateCommandPool(c.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: 0,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &c.pool)
	if res != vk.Success {
		return fmt.Errorf("failed to create command pool: %w", vk.Error(res))
	}

	cmds := make([]vk.CommandBuffer, 1)
	res = vk.AllocateCommandBuffers(c.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        c.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	if res != vk.Success {
		return fmt.Errorf("failed to allocate command buffer: %w", vk.Error(res))
	}
	c.cmd = cmds[0]

	res = vk.CreateBuffer(c.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        readbackSize,
		Usage:       vk.BufferUsageFlags(vk.BufferUsageTransferDstBit),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &c.readback)
	if res != vk.Success {
		return fmt.Errorf("failed to create readback buffer: %w", vk.Error(res))
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(c.device, c.readback, &memReqs)
	memReqs.Deref()

	res = vk.AllocateMemory(c.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: 0,
	}, nil, &c.readbackMemory)
	if res != vk.Success {
		return fmt.Errorf("failed to allocate readback memory: %w", vk.Error(res))
	}
	if res = vk.BindBufferMemory(c.device, c.readback, c.readbackMemory, 0); res != vk.Success {
		return fmt.Errorf("failed to bind readback memory: %w", vk.Error(res))
	}

	res = vk.CreateFence(c.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &c.fence)
	if res != vk.Success {
		return fmt.Errorf("failed to create fence: %w", vk.Error(res))
	}

	log.Debug().Msg("Vulkan context initialized")
	return nil
}

// Destroy tears down every handle. Outstanding GPU work is awaited first so
// the fence is never destroyed while signalled work is in flight.
func (c *Context) Destroy() {
	if c.device != vk.NullDevice {
		vk.DeviceWaitIdle(c.device)
	}

	if c.staging != nil {
		vk.DestroyImage(c.device, c.staging.image, nil)
		vk.FreeMemory(c.device, c.staging.memory, nil)
		c.staging = nil
	}
	if c.fence != vk.NullFence {
		vk.DestroyFence(c.device, c.fence, nil)
	}
	if c.readback != vk.NullBuffer {
		vk.DestroyBuffer(c.device, c.readback, nil)
	}
	if c.readbackMemory != vk.NullDeviceMemory {
		vk.FreeMemory(c.device, c.readbackMemory, nil)
	}
	if c.cmd != vk.NullCommandBuffer {
		vk.FreeCommandBuffers(c.device, c.pool, 1, []vk.CommandBuffer{c.cmd})
	}
	if c.pool != vk.NullCommandPool {
		vk.DestroyCommandPool(c.device, c.pool, nil)
	}
	if c.device != vk.NullDevice {
		vk.DestroyDevice(c.device, nil)
	}
	if c.instance != vk.NullInstance {
		vk.DestroyInstance(c.instance, nil)
	}
}
