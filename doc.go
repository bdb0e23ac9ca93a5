// Package restir computes world-space global illumination estimates with
// spatiotemporal reservoir resampling over a spatial hash grid.
//
// # Overview
//
// Every frame each GI instance takes one path-traced candidate per pixel,
// turns it into a single-sample reservoir and indexes the visible point in
// a world-space hash grid that is rebuilt from scratch. The resampler then
// merges every pixel's reservoir with its reprojected history and with the
// reservoirs found in the same grid cell, both in this frame's grid and in
// the previous one. The result is one FinalSample per pixel: the selected
// reconnection point and its unbiased contribution.
//
// # Quick Start
//
//	pass, err := restir.NewPass(scene, restir.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer pass.Close()
//
//	for frame := range frames {
//		if err := pass.Execute(ctx, frame.Inputs); err != nil {
//			return err
//		}
//		out := pass.Output()
//		// shade with out.Average or out.Instances[i]
//	}
//
// # Frame Lifecycle
//
// An Instance runs BeginFrame, Update and EndFrame in that order. Update
// runs the four passes: InitReservoir (with the grid counting phase),
// BuildHashGrid (prefix sum and scatter), Resample and FinalSample.
// Calling the methods out of order returns ErrInvalidState.
//
// Reservoirs and grids are double-buffered by frame parity: frame n writes
// parity (n+1)%2 and reads parity n%2 as history.
//
// # Options
//
// Options split into runtime options, read every frame, and static options
// that are baked into the programs. Pass.SetOptions classifies a change;
// static changes rebuild the programs lazily at the next BeginFrame and a
// change of NumInstances recreates the instances.
//
// # Backends
//
// The CPU backend runs every pass on a work-stealing worker pool. With
// WithDeviceProvider the passes run as WGSL compute shaders on the shared
// gogpu device instead. The CPU backend is used when the provider does not
// expose a HAL device.
package restir
