// Package gpu runs the ReSTIR GI passes as WGSL compute kernels on a HAL
// device from gogpu/wgpu.
//
// The kernels mirror the CPU programs in internal/kernels stage for stage:
//
//	clear_grid -> init_reservoirs -> prefix_reduce -> prefix_scan_blocks
//	  -> prefix_downsweep -> scatter -> count_collisions -> resample
//	  -> final_sample
//
// Every stage source is assembled from a define header generated from the
// static configuration, the shared declarations in shaders/common.wgsl and
// the stage body, then compiled to SPIR-V with naga. A configuration change
// therefore means new pipelines, while the device buffers (both reservoir
// parities, both grids) belong to the Builder and survive rebuilds.
//
// The device bucket checksum is a PCG fingerprint rather than the xxhash
// used on the CPU. Both are only ever compared against checksums produced
// by the same backend.
package gpu
