// Package compute provides the device abstraction used to dispatch kernels.
//
// A [Backend] enumerates devices, and each device exposes queue families with
// a set of capabilities. Work flows through the same steps on every backend:
//
//   - [Backend.Enumerate] and [SelectDevice]: pick the first device with a
//     compute-capable queue family
//   - [Device.NewBuffer]: host-visible storage buffers
//   - [Device.NewPipeline]: compile a [Kernel]
//   - [CommandBuilder]: record a dispatch
//   - [Queue.Submit] and [Fence.Wait]: run it and block until it completes
//
// # Backends
//
// The CPU backend is always available and runs workgroups on a bounded set of
// goroutines. The WebGPU backend is compiled in with the webgpu build tag:
//
//	go build -tags webgpu ./cmd/discsim
//
// WebGPU has no 64-bit float support in shaders, so devices it reports have
// Float64 unset and callers are expected to encode data in float32.
package compute
