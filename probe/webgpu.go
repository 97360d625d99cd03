package probe

import (
	"github.com/gogpu/gputypes"

	guda "github.com/LynnColeArt/guda-launch"
	"github.com/LynnColeArt/guda-launch/occupancy"
)

// WebGPU does not report these; they are typical of desktop adapters.
const (
	DefaultSubgroupSize              = 32
	webGPUThreadsPerComputeUnit      = 2048
	webGPUWorkgroupsPerComputeUnit   = 32
	webGPURegistersPerComputeUnit    = 64 * 1024
	webGPUSharedMemPerComputeUnit    = 64 * 1024
	webGPUSharedMemAllocationUnit    = 256
	webGPURegisterAllocationUnit     = 256
	webGPUSubgroupAllocationMultiple = 2
)

// LimitsFromWebGPU maps the compute limits of a WebGPU adapter onto the
// occupancy model. A workgroup is a block, workgroup storage is shared
// memory and a subgroup is a warp. computeUnits is the number of
// multiprocessors, which WebGPU does not expose.
func LimitsFromWebGPU(l gputypes.Limits, computeUnits int) occupancy.DeviceLimits {
	maxThreads := int(min(l.MaxComputeInvocationsPerWorkgroup, l.MaxComputeWorkgroupSizeX))
	storage := int(l.MaxComputeWorkgroupStorageSize)
	return occupancy.DeviceLimits{
		WarpSize:                    DefaultSubgroupSize,
		MaxThreadsPerBlock:          maxThreads,
		MaxThreadsPerMultiprocessor: max(webGPUThreadsPerComputeUnit, maxThreads),
		MaxBlocksPerMultiprocessor:  webGPUWorkgroupsPerComputeUnit,
		MultiprocessorCount:         computeUnits,
		RegistersPerMultiprocessor:  webGPURegistersPerComputeUnit,
		SharedMemPerMultiprocessor:  max(webGPUSharedMemPerComputeUnit, storage),
		SharedMemPerBlock:           storage,
		RegisterAllocationUnit:      webGPURegisterAllocationUnit,
		SharedMemAllocationUnit:     webGPUSharedMemAllocationUnit,
		WarpAllocationMultiple:      webGPUSubgroupAllocationMultiple,
	}
}

// DeviceFromWebGPU describes a WebGPU adapter as a runtime device, so a
// guda.Context can be configured with the adapter's limits.
func DeviceFromWebGPU(name string, l gputypes.Limits, computeUnits int) *guda.Device {
	dl := LimitsFromWebGPU(l, computeUnits)
	return &guda.Device{
		Name:                        name,
		TotalMem:                    l.MaxBufferSize,
		NumCores:                    computeUnits,
		MaxThreads:                  dl.MaxThreadsPerMultiprocessor * computeUnits,
		WarpSize:                    dl.WarpSize,
		MaxThreadsPerBlock:          dl.MaxThreadsPerBlock,
		MaxThreadsPerMultiprocessor: dl.MaxThreadsPerMultiprocessor,
		MaxBlocksPerMultiprocessor:  dl.MaxBlocksPerMultiprocessor,
		MultiprocessorCount:         dl.MultiprocessorCount,
		RegistersPerMultiprocessor:  dl.RegistersPerMultiprocessor,
		MaxRegistersPerThread:       guda.MaxRegistersPerThread,
		SharedMemPerMultiprocessor:  dl.SharedMemPerMultiprocessor,
		SharedMemPerBlock:           dl.SharedMemPerBlock,
		RegisterAllocationUnit:      dl.RegisterAllocationUnit,
		SharedMemAllocationUnit:     dl.SharedMemAllocationUnit,
		WarpAllocationMultiple:      dl.WarpAllocationMultiple,
	}
}
