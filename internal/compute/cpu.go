package compute

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

const (
	cpuMaxWorkgroupSize  = 1024
	cpuMaxWorkgroupCount = 65535
	cpuDefaultMemory     = 1 << 30
)

type CPUOption func(*CPUBackend)

// WithWorkers bounds the number of goroutines running workgroups.
func WithWorkers(n int) CPUOption {
	return func(c *CPUBackend) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMemoryLimit caps the bytes a device may have allocated at once.
func WithMemoryLimit(bytes int64) CPUOption {
	return func(c *CPUBackend) {
		if bytes > 0 {
			c.memory = bytes
		}
	}
}

// CPUBackend exposes the host as a single device with two queue families: a
// transfer-only family and a compute family.
type CPUBackend struct {
	workers int
	memory  int64
}

func NewCPUBackend(opts ...CPUOption) *CPUBackend {
	c := &CPUBackend{
		workers: runtime.NumCPU(),
		memory:  cpuDefaultMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CPUBackend) Name() string    { return "cpu" }
func (c *CPUBackend) Available() bool { return true }
func (c *CPUBackend) Cleanup()        {}

func (c *CPUBackend) Enumerate() ([]DeviceInfo, error) {
	return []DeviceInfo{c.deviceInfo()}, nil
}

func (c *CPUBackend) deviceInfo() DeviceInfo {
	return DeviceInfo{
		Index:   0,
		Name:    fmt.Sprintf("host %s/%s (%d workers)", runtime.GOOS, runtime.GOARCH, c.workers),
		Type:    DeviceCPU,
		Float64: true,
		Limits: Limits{
			MaxWorkgroupSize:  cpuMaxWorkgroupSize,
			MaxWorkgroupCount: cpuMaxWorkgroupCount,
			MaxMemory:         c.memory,
		},
		Families: []QueueFamily{
			{Index: 0, Queues: 1, Caps: CapTransfer},
			{Index: 1, Queues: 1, Caps: CapCompute | CapTransfer},
		},
		Features: cpuFeatures(),
	}
}

func cpuFeatures() []string {
	var f []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			f = append(f, "sse4.1")
		}
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fphp")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
	}
	return f
}

func (c *CPUBackend) Open(info DeviceInfo, family QueueFamily) (Device, error) {
	if info.Index != 0 {
		return nil, errors.Wrapf(ErrNoDevice, "cpu device %d", info.Index)
	}
	own := c.deviceInfo()
	if family.Index < 0 || family.Index >= len(own.Families) {
		return nil, errors.Wrapf(ErrNoComputeQueue, "cpu queue family %d", family.Index)
	}
	d := &cpuDevice{info: own}
	d.queue = newCPUQueue(d, own.Families[family.Index], c.workers)
	klog.V(2).Infof("opened %s with %s", own, d.queue.family)
	return d, nil
}

type cpuDevice struct {
	info  DeviceInfo
	queue *cpuQueue

	mu        sync.Mutex
	allocated int64
	closed    bool
}

func (d *cpuDevice) Info() DeviceInfo { return d.info }
func (d *cpuDevice) Queue() Queue     { return d.queue }

func (d *cpuDevice) NewBuffer(label string, contents []byte, usage BufferUsage) (Buffer, error) {
	if err := validateBuffer(label, len(contents), usage); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.Wrapf(ErrDeviceLost, "allocate %s", label)
	}
	size := int64(len(contents))
	if d.allocated+size > d.info.Limits.MaxMemory {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s: %d bytes requested, %d of %d in use",
			label, size, d.allocated, d.info.Limits.MaxMemory)
	}
	d.allocated += size

	mem := make([]byte, len(contents))
	copy(mem, contents)
	klog.V(2).Infof("allocated buffer %s: %d bytes", label, size)
	return &cpuBuffer{device: d, label: label, usage: usage, mem: mem}, nil
}

func (d *cpuDevice) free(size int) {
	d.mu.Lock()
	d.allocated -= int64(size)
	d.mu.Unlock()
}

func (d *cpuDevice) NewPipeline(k *Kernel) (Pipeline, error) {
	if err := k.Validate(d.info); err != nil {
		return nil, err
	}
	if k.Invoke == nil {
		return nil, errors.Wrapf(ErrInvalidKernel, "%s: no host invocation", k.Name)
	}
	return &cpuPipeline{device: d, kernel: k}, nil
}

func (d *cpuDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.queue.close()
	return nil
}

type cpuBuffer struct {
	device *cpuDevice
	label  string
	usage  BufferUsage

	mu  sync.RWMutex
	mem []byte
}

func (b *cpuBuffer) Label() string      { return b.label }
func (b *cpuBuffer) Usage() BufferUsage { return b.usage }

func (b *cpuBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.mem)
}

func (b *cpuBuffer) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.mem == nil {
		return nil, errors.Wrapf(ErrInvalidBuffer, "%s: read after release", b.label)
	}
	out := make([]byte, len(b.mem))
	copy(out, b.mem)
	return out, nil
}

func (b *cpuBuffer) Release() {
	b.mu.Lock()
	size := len(b.mem)
	b.mem = nil
	b.mu.Unlock()
	if size > 0 {
		b.device.free(size)
	}
}

type cpuPipeline struct {
	device *cpuDevice
	kernel *Kernel
}

func (p *cpuPipeline) Kernel() *Kernel { return p.kernel }
func (p *cpuPipeline) Release()        {}

// cpuQueue executes submissions in order on a single goroutine, like a
// device stream.
type cpuQueue struct {
	device  *cpuDevice
	family  QueueFamily
	workers int

	mu     sync.Mutex
	tasks  chan func()
	closed bool
}

func newCPUQueue(d *cpuDevice, family QueueFamily, workers int) *cpuQueue {
	q := &cpuQueue{
		device:  d,
		family:  family,
		workers: workers,
		tasks:   make(chan func(), 16),
	}
	go q.loop()
	return q
}

func (q *cpuQueue) loop() {
	for task := range q.tasks {
		task()
	}
}

func (q *cpuQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}

func (q *cpuQueue) Family() QueueFamily { return q.family }

func (q *cpuQueue) Submit(ctx context.Context, cmd *CommandBuffer) (Fence, error) {
	if err := cmd.markSubmitted(); err != nil {
		return nil, err
	}
	if !q.family.Caps.Has(CapCompute) {
		return nil, errors.Wrapf(ErrInvalidCommand, "dispatch on %s", q.family)
	}
	for i, d := range cmd.Dispatches() {
		if p, ok := d.Pipeline.(*cpuPipeline); !ok || p.device != q.device {
			return nil, errors.Wrapf(ErrInvalidCommand, "dispatch %d: pipeline from another device", i)
		}
		if err := checkGroupLimit(i, d, q.device.info); err != nil {
			return nil, err
		}
		for j, b := range d.Bindings {
			if cb, ok := b.(*cpuBuffer); !ok || cb.device != q.device {
				return nil, errors.Wrapf(ErrInvalidCommand, "dispatch %d: binding %d from another device", i, j)
			}
		}
	}

	f := newCPUFence()
	task := func() { f.signal(q.execute(ctx, cmd)) }

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errors.Wrap(ErrDeviceLost, "submit on closed queue")
	}
	select {
	case q.tasks <- task:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "submit")
	}
	klog.V(2).Infof("submitted %d dispatch(es) to %s", len(cmd.Dispatches()), q.family)
	return f, nil
}

func (q *cpuQueue) execute(ctx context.Context, cmd *CommandBuffer) error {
	for i, d := range cmd.Dispatches() {
		if err := q.run(ctx, d); err != nil {
			return errors.Wrapf(err, "dispatch %d", i)
		}
	}
	return nil
}

// run splits the workgroups of a dispatch across the queue's workers. Within
// a workgroup invocations run sequentially.
func (q *cpuQueue) run(ctx context.Context, d Dispatch) error {
	k := d.Pipeline.Kernel()
	groups := d.Groups[0] * d.Groups[1] * d.Groups[2]

	bindings := make([][]byte, len(d.Bindings))
	for i, b := range d.Bindings {
		cb := b.(*cpuBuffer)
		cb.mu.RLock()
		defer cb.mu.RUnlock()
		if cb.mem == nil {
			return errors.Wrapf(ErrInvalidBuffer, "%s: bound after release", cb.label)
		}
		bindings[i] = cb.mem
	}

	workers := q.workers
	if groups < workers {
		workers = groups
	}
	perWorker := (groups + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < groups; start += perWorker {
		end := min(start+perWorker, groups)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Wrapf(ErrDeviceLost, "kernel %s panicked: %v", k.Name, r)
				}
			}()
			for group := start; group < end; group++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				base := group * k.WorkgroupSize
				for local := 0; local < k.WorkgroupSize; local++ {
					k.Invoke(base+local, bindings)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type cpuFence struct {
	done chan struct{}
	err  error
}

func newCPUFence() *cpuFence {
	return &cpuFence{done: make(chan struct{})}
}

func (f *cpuFence) signal(err error) {
	f.err = err
	close(f.done)
}

func (f *cpuFence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *cpuFence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return waitError(ctx)
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrFenceTimeout
	}
	return errors.Wrap(ctx.Err(), "fence wait")
}
