package compute

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type Backend interface {
	Name() string
	Available() bool
	// Enumerate lists devices in a stable order. Index in the returned
	// DeviceInfo is the position in this list.
	Enumerate() ([]DeviceInfo, error)
	// Open acquires a device and exactly one queue from the given family.
	Open(info DeviceInfo, family QueueFamily) (Device, error)
	Cleanup()
}

type Device interface {
	Info() DeviceInfo
	Queue() Queue
	NewBuffer(label string, contents []byte, usage BufferUsage) (Buffer, error)
	NewPipeline(k *Kernel) (Pipeline, error)
	Close() error
}

type Buffer interface {
	Label() string
	Size() int
	Usage() BufferUsage
	// Read maps the buffer and returns a host copy of its contents.
	Read(ctx context.Context) ([]byte, error)
	Release()
}

type Pipeline interface {
	Kernel() *Kernel
	Release()
}

type Queue interface {
	Family() QueueFamily
	Submit(ctx context.Context, cmd *CommandBuffer) (Fence, error)
}

// Fence is signaled once the submitted work has finished, successfully or not.
type Fence interface {
	Wait(ctx context.Context) error
	Signaled() bool
}

type Capability uint8

const (
	CapCompute Capability = 1 << iota
	CapTransfer
	CapGraphics
)

func (c Capability) Has(o Capability) bool { return c&o == o }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapCompute) {
		parts = append(parts, "compute")
	}
	if c.Has(CapTransfer) {
		parts = append(parts, "transfer")
	}
	if c.Has(CapGraphics) {
		parts = append(parts, "graphics")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

type QueueFamily struct {
	Index  int
	Queues int
	Caps   Capability
}

func (q QueueFamily) String() string {
	return fmt.Sprintf("QueueFamily { id: %d, queues: %d, caps: %s }", q.Index, q.Queues, q.Caps)
}

type DeviceType int

const (
	DeviceOther DeviceType = iota
	DeviceCPU
	DeviceGPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return "other"
	}
}

type Limits struct {
	MaxWorkgroupSize  int
	MaxWorkgroupCount int
	MaxMemory         int64
}

type DeviceInfo struct {
	Index    int
	Name     string
	Type     DeviceType
	Float64  bool
	Limits   Limits
	Families []QueueFamily
	Features []string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("Device { index: %d, name: %q, type: %s, f64: %t }", d.Index, d.Name, d.Type, d.Float64)
}

// ComputeFamily returns the first queue family advertising compute support.
func (d DeviceInfo) ComputeFamily() (QueueFamily, bool) {
	for _, f := range d.Families {
		if f.Queues > 0 && f.Caps.Has(CapCompute) {
			return f, true
		}
	}
	return QueueFamily{}, false
}

// SelectDevice picks the first device, in enumeration order, that has a
// compute-capable queue family.
func SelectDevice(devices []DeviceInfo) (DeviceInfo, QueueFamily, error) {
	if len(devices) == 0 {
		return DeviceInfo{}, QueueFamily{}, ErrNoDevice
	}
	for _, d := range devices {
		if f, ok := d.ComputeFamily(); ok {
			klog.V(1).Infof("selected device %d (%s), queue family %d", d.Index, d.Name, f.Index)
			return d, f, nil
		}
		klog.V(2).Infof("skipping device %d (%s): no compute queue family", d.Index, d.Name)
	}
	return DeviceInfo{}, QueueFamily{}, ErrNoComputeQueue
}

var registry = map[string]func() Backend{
	"cpu":    func() Backend { return NewCPUBackend() },
	"webgpu": func() Backend { return NewWebGPUBackend() },
}

// Names lists the registered backend names plus "auto".
func Names() []string {
	names := []string{"auto"}
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names[1:])
	return names
}

// Lookup returns the named backend. "auto" and "" pick the best available one.
func Lookup(name string) (Backend, error) {
	if name == "" || name == "auto" {
		return AutoSelectBackend(), nil
	}
	fn, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown backend: %s (available: %v)", name, Names())
	}
	b := fn()
	if !b.Available() {
		b.Cleanup()
		return nil, errors.Wrapf(ErrBackendUnavailable, "backend %s", name)
	}
	return b, nil
}

// AutoSelectBackend prefers WebGPU when it was compiled in and found an
// adapter, else the CPU backend.
func AutoSelectBackend() Backend {
	wg := NewWebGPUBackend()
	if wg.Available() {
		return wg
	}
	wg.Cleanup()
	return NewCPUBackend()
}
