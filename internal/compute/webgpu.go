//go:build webgpu

package compute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WebGPU guarantees at least this many invocations per workgroup.
const webgpuMaxWorkgroupSize = 256

type WebGPUBackend struct {
	instance *wgpu.Instance
	adapters []*wgpu.Adapter
}

func NewWebGPUBackend() *WebGPUBackend {
	b := &WebGPUBackend{instance: wgpu.CreateInstance(nil)}
	if b.instance != nil {
		b.adapters = b.instance.EnumerateAdapters(nil)
	}
	return b
}

func (b *WebGPUBackend) Name() string    { return "webgpu" }
func (b *WebGPUBackend) Available() bool { return len(b.adapters) > 0 }

func (b *WebGPUBackend) Cleanup() {
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
	b.adapters = nil
}

func (b *WebGPUBackend) Enumerate() ([]DeviceInfo, error) {
	if b.instance == nil {
		return nil, errors.Wrap(ErrBackendUnavailable, "webgpu instance")
	}
	devices := make([]DeviceInfo, 0, len(b.adapters))
	for i, a := range b.adapters {
		info := a.GetInfo()
		devices = append(devices, DeviceInfo{
			Index: i,
			Name:  fmt.Sprintf("%s (%s)", info.Name, info.VendorName),
			Type:  DeviceGPU,
			Limits: Limits{
				MaxWorkgroupSize:  webgpuMaxWorkgroupSize,
				MaxWorkgroupCount: 65535,
				MaxMemory:         1 << 28,
			},
			// WebGPU exposes a single queue that accepts every command type.
			Families: []QueueFamily{{Index: 0, Queues: 1, Caps: CapCompute | CapTransfer | CapGraphics}},
			Features: []string{fmt.Sprintf("vendor=0x%X", info.VendorId), fmt.Sprintf("device=0x%X", info.DeviceId)},
		})
	}
	return devices, nil
}

func (b *WebGPUBackend) Open(info DeviceInfo, family QueueFamily) (Device, error) {
	if info.Index < 0 || info.Index >= len(b.adapters) {
		return nil, errors.Wrapf(ErrNoDevice, "webgpu adapter %d", info.Index)
	}
	if family.Index != 0 {
		return nil, errors.Wrapf(ErrNoComputeQueue, "webgpu queue family %d", family.Index)
	}
	dev, err := b.adapters[info.Index].RequestDevice(nil)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceLost, "request device: %v", err)
	}
	d := &webgpuDevice{info: info, device: dev}
	d.queue = &webgpuQueue{device: d, queue: dev.GetQueue(), family: info.Families[0]}
	klog.V(1).Infof("opened %s", info)
	return d, nil
}

type webgpuDevice struct {
	info   DeviceInfo
	device *wgpu.Device
	queue  *webgpuQueue

	mu        sync.Mutex
	allocated int64
}

func (d *webgpuDevice) Info() DeviceInfo { return d.info }
func (d *webgpuDevice) Queue() Queue     { return d.queue }

func (d *webgpuDevice) NewBuffer(label string, contents []byte, usage BufferUsage) (Buffer, error) {
	if err := validateBuffer(label, len(contents), usage); err != nil {
		return nil, err
	}
	// Storage bindings must be 4-byte aligned.
	size := int64(len(contents))
	if size%4 != 0 {
		return nil, errors.Wrapf(ErrInvalidBuffer, "%s: size %d not a multiple of 4", label, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocated+size > d.info.Limits.MaxMemory {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s: %d bytes requested", label, size)
	}

	buf, err := d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: contents,
		Usage:    wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "create buffer %s: %v", label, err)
	}
	d.allocated += size
	return &webgpuBuffer{device: d, label: label, usage: usage, size: int(size), buf: buf}, nil
}

func (d *webgpuDevice) NewPipeline(k *Kernel) (Pipeline, error) {
	if err := k.Validate(d.info); err != nil {
		return nil, err
	}
	if k.WGSL == "" {
		return nil, errors.Wrapf(ErrInvalidKernel, "%s: no WGSL source", k.Name)
	}
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          k.Name + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: k.WGSL},
	})
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKernel, "%s: %v", k.Name, err)
	}
	defer module.Release()

	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   k.Name + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKernel, "%s: %v", k.Name, err)
	}
	return &webgpuPipeline{device: d, kernel: k, pipeline: pipeline}, nil
}

func (d *webgpuDevice) Close() error {
	d.device.Release()
	return nil
}

type webgpuBuffer struct {
	device *webgpuDevice
	label  string
	usage  BufferUsage
	size   int
	buf    *wgpu.Buffer
}

func (b *webgpuBuffer) Label() string      { return b.label }
func (b *webgpuBuffer) Size() int          { return b.size }
func (b *webgpuBuffer) Usage() BufferUsage { return b.usage }

// Read copies the buffer into a mappable staging buffer and polls the device
// until the mapping completes or ctx is done.
func (b *webgpuBuffer) Read(ctx context.Context) ([]byte, error) {
	dev := b.device.device
	size := uint64(b.size)

	staging, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + "_Staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "staging for %s: %v", b.label, err)
	}
	defer staging.Destroy()

	enc, err := dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "read %s: %v", b.label, err)
	}
	enc.CopyBufferToBuffer(b.buf, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "read %s: %v", b.label, err)
	}
	b.device.queue.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = errors.Wrapf(ErrDeviceLost, "map %s: status %v", b.label, status)
		}
		close(done)
	})
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceLost, "map %s: %v", b.label, err)
	}

Loop:
	for {
		dev.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-ctx.Done():
			return nil, waitError(ctx)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return nil, errors.Wrapf(ErrDeviceLost, "mapped range of %s", b.label)
	}
	out := make([]byte, len(data))
	copy(out, data)
	staging.Unmap()
	return out, nil
}

func (b *webgpuBuffer) Release() {
	if b.buf == nil {
		return
	}
	b.buf.Destroy()
	b.buf = nil
	b.device.mu.Lock()
	b.device.allocated -= int64(b.size)
	b.device.mu.Unlock()
}

type webgpuPipeline struct {
	device   *webgpuDevice
	kernel   *Kernel
	pipeline *wgpu.ComputePipeline
}

func (p *webgpuPipeline) Kernel() *Kernel { return p.kernel }
func (p *webgpuPipeline) Release()        { p.pipeline.Release() }

type webgpuQueue struct {
	device *webgpuDevice
	queue  *wgpu.Queue
	family QueueFamily
}

func (q *webgpuQueue) Family() QueueFamily { return q.family }

func (q *webgpuQueue) Submit(ctx context.Context, cmd *CommandBuffer) (Fence, error) {
	if err := cmd.markSubmitted(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "submit")
	}
	dev := q.device.device

	enc, err := dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "encoder: %v", err)
	}
	var groups []*wgpu.BindGroup
	defer func() {
		for _, g := range groups {
			g.Release()
		}
	}()

	for i, d := range cmd.Dispatches() {
		p, ok := d.Pipeline.(*webgpuPipeline)
		if !ok || p.device != q.device {
			return nil, errors.Wrapf(ErrInvalidCommand, "dispatch %d: pipeline from another device", i)
		}
		if err := checkGroupLimit(i, d, q.device.info); err != nil {
			return nil, err
		}
		entries := make([]wgpu.BindGroupEntry, len(d.Bindings))
		for j, b := range d.Bindings {
			wb, ok := b.(*webgpuBuffer)
			if !ok || wb.device != q.device || wb.buf == nil {
				return nil, errors.Wrapf(ErrInvalidCommand, "dispatch %d: binding %d not usable", i, j)
			}
			entries[j] = wgpu.BindGroupEntry{Binding: uint32(j), Buffer: wb.buf, Size: wb.buf.GetSize()}
		}
		bg, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   p.kernel.Name + "_Bind",
			Layout:  p.pipeline.GetBindGroupLayout(0),
			Entries: entries,
		})
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidCommand, "dispatch %d: bind group: %v", i, err)
		}
		groups = append(groups, bg)

		pass := enc.BeginComputePass(nil)
		pass.SetPipeline(p.pipeline)
		pass.SetBindGroup(0, bg, nil)
		pass.DispatchWorkgroups(uint32(d.Groups[0]), uint32(d.Groups[1]), uint32(d.Groups[2]))
		pass.End()
	}

	buf, err := enc.Finish(nil)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCommand, "finish: %v", err)
	}
	q.queue.Submit(buf)
	klog.V(2).Infof("submitted %d dispatch(es) to %s", len(cmd.Dispatches()), q.device.info.Name)

	// Poll blocks until the queue drains. A Wait that gives up on its context
	// leaves this goroutine running until the submitted work completes.
	f := newCPUFence()
	go func() {
		dev.Poll(true, nil)
		f.signal(nil)
	}()
	return f, nil
}
