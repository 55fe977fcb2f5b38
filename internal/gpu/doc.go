// Package gpu provides device memory, host mapping and command submission
// for the path tracer.
//
// It sits directly on the gogpu/wgpu HAL (Pure Go WebGPU, zero CGO) and
// exposes three pieces:
//
//   - Device: an opened adapter plus queue, or one borrowed from a
//     gpucontext.DeviceProvider
//   - Allocator: buffer creation with usage/visibility validation, staged
//     uploads and an optional memory budget
//   - Sequencer: one-shot command contexts submitted as synchronous
//     round-trips guarded by a fence and a deadline
//
// # Host visibility
//
// WebGPU cannot map a storage buffer directly. A HostVisible buffer is
// paired with a MapRead readback buffer and a host mirror. Recording a
// ReadbackBarrier copies the device contents into the readback buffer and
// SubmitAndWait pulls them into the mirror, which is what Map returns.
//
// # Lifetime
//
// Every Buffer has exactly one owner. Release is explicit; releasing twice
// is reported with ErrBufferReleased. Arena releases a session's resources
// newest first.
package gpu
