package compute

import "github.com/pkg/errors"

// Environment errors.
var (
	// ErrBackendUnavailable indicates the backend was not compiled in or has no driver.
	ErrBackendUnavailable = errors.New("compute: backend unavailable")

	// ErrNoDevice indicates enumeration returned no devices.
	ErrNoDevice = errors.New("compute: no device available")

	// ErrNoComputeQueue indicates no device exposes a compute-capable queue family.
	ErrNoComputeQueue = errors.New("compute: no compute-capable queue family")
)

// Resource errors.
var (
	// ErrInvalidBuffer indicates a zero-sized buffer or a usage without storage access.
	ErrInvalidBuffer = errors.New("compute: invalid buffer")

	// ErrOutOfMemory indicates the device memory limit would be exceeded.
	ErrOutOfMemory = errors.New("compute: out of device memory")

	// ErrInvalidKernel indicates a kernel that cannot be compiled for the device.
	ErrInvalidKernel = errors.New("compute: invalid kernel")
)

// Execution errors.
var (
	// ErrInvalidCommand indicates a malformed or already-consumed command buffer.
	ErrInvalidCommand = errors.New("compute: invalid command buffer")

	// ErrDeviceLost indicates the device failed while executing submitted work.
	ErrDeviceLost = errors.New("compute: device lost")

	// ErrFenceTimeout indicates the fence was not signaled before the deadline.
	ErrFenceTimeout = errors.New("compute: fence wait timed out")
)
