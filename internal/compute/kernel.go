package compute

import "github.com/pkg/errors"

type BufferUsage uint8

const (
	UsageStorage BufferUsage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageHostRead

	UsageAll = UsageStorage | UsageCopySrc | UsageCopyDst | UsageHostRead
)

func (u BufferUsage) Has(o BufferUsage) bool { return u&o == o }

func validateBuffer(label string, size int, usage BufferUsage) error {
	if size <= 0 {
		return errors.Wrapf(ErrInvalidBuffer, "%s: size %d", label, size)
	}
	if !usage.Has(UsageStorage) {
		return errors.Wrapf(ErrInvalidBuffer, "%s: storage usage required", label)
	}
	return nil
}

// Invocation runs one kernel invocation on a host-executed device. bindings
// holds the backing memory of each bound buffer in binding order; an
// invocation may only write the slots that belong to its index.
type Invocation func(idx int, bindings [][]byte)

// Kernel describes a one-dimensional compute routine. Host devices run Invoke,
// shader devices compile WGSL with entry point "main".
type Kernel struct {
	Name          string
	WorkgroupSize int
	Bindings      int
	Invoke        Invocation
	WGSL          string
}

func (k *Kernel) Validate(info DeviceInfo) error {
	if k == nil {
		return errors.Wrap(ErrInvalidKernel, "nil kernel")
	}
	if k.WorkgroupSize <= 0 {
		return errors.Wrapf(ErrInvalidKernel, "%s: workgroup size %d", k.Name, k.WorkgroupSize)
	}
	if limit := info.Limits.MaxWorkgroupSize; limit > 0 && k.WorkgroupSize > limit {
		return errors.Wrapf(ErrInvalidKernel, "%s: workgroup size %d exceeds device limit %d", k.Name, k.WorkgroupSize, limit)
	}
	if k.Bindings <= 0 {
		return errors.Wrapf(ErrInvalidKernel, "%s: no bindings", k.Name)
	}
	return nil
}

// GroupCount returns the number of workgroups needed to cover n invocations.
func GroupCount(n, groupSize int) int {
	if n <= 0 || groupSize <= 0 {
		return 0
	}
	return (n + groupSize - 1) / groupSize
}

// ExactGroupCount truncates like a fixed n/groupSize dispatch does, leaving
// any remainder uncovered.
func ExactGroupCount(n, groupSize int) int {
	if n <= 0 || groupSize <= 0 {
		return 0
	}
	return n / groupSize
}
