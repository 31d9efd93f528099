// Package pipeline runs the disc membership test end to end: acquire a
// compute queue, stage the samples, dispatch the kernel once, wait on the
// fence, and sum the flags read back from the device.
//
//	backend, _ := compute.Lookup("cpu")
//	sess, _ := pipeline.Acquire(backend)
//	defer sess.Close()
//	res, _ := sess.Dispatch(ctx, samples, opts)
//	fmt.Println(res.Sum)
//
// A Session is not safe for concurrent use; the whole flow is driven from one
// goroutine and parallelism only exists inside the dispatch.
package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/san-kum/discsim/internal/collide"
	"github.com/san-kum/discsim/internal/compute"
	"github.com/san-kum/discsim/internal/sample"
)

var (
	// ErrInvalidOptions indicates a non-positive sample count or group size.
	ErrInvalidOptions = errors.New("pipeline: invalid options")

	// ErrIncompleteCoverage indicates flags the kernel never wrote.
	ErrIncompleteCoverage = errors.New("pipeline: sentinel flags left after dispatch")
)

type Options struct {
	GroupSize int
	// Timeout bounds submission, fence wait and read-back. Zero waits forever.
	Timeout time.Duration
	// ExactGroups dispatches n/GroupSize groups, leaving any remainder
	// uncomputed.
	ExactGroups bool
}

func DefaultOptions() Options {
	return Options{GroupSize: collide.DefaultGroupSize}
}

func (o Options) Validate() error {
	if o.GroupSize <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "group size %d", o.GroupSize)
	}
	if o.Timeout < 0 {
		return errors.Wrapf(ErrInvalidOptions, "timeout %v", o.Timeout)
	}
	return nil
}

type Result struct {
	Device    compute.DeviceInfo
	Family    compute.QueueFamily
	Precision collide.Precision
	GroupSize int
	Groups    int
	Flags     []int32
	// Sum adds the raw flag values, sentinels included.
	Sum int64
	// Pending counts flags still holding the sentinel.
	Pending int
	Elapsed time.Duration
}

// Session holds an opened device and its compute queue.
type Session struct {
	Backend compute.Backend
	Devices []compute.DeviceInfo
	Device  compute.Device
	Family  compute.QueueFamily
}

// Acquire enumerates devices and opens the first one with a compute queue
// family.
func Acquire(b compute.Backend) (*Session, error) {
	devices, err := b.Enumerate()
	if err != nil {
		return nil, errors.Wrapf(err, "enumerate %s devices", b.Name())
	}
	info, family, err := compute.SelectDevice(devices)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s device", b.Name())
	}
	dev, err := b.Open(info, family)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", info.Name)
	}
	return &Session{Backend: b, Devices: devices, Device: dev, Family: family}, nil
}

func (s *Session) Close() error {
	return s.Device.Close()
}

// Dispatch runs the kernel over samples and reads back the flags. When flags
// are left uncomputed the partial result is returned with
// ErrIncompleteCoverage.
func (s *Session) Dispatch(ctx context.Context, samples []sample.Sample, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := len(samples)
	if n == 0 {
		return nil, errors.Wrap(ErrInvalidOptions, "no samples")
	}

	info := s.Device.Info()
	groupSize := opts.GroupSize
	if limit := info.Limits.MaxWorkgroupSize; limit > 0 && groupSize > limit {
		klog.Warningf("group size %d exceeds %s limit, using %d", groupSize, info.Name, limit)
		groupSize = limit
	}
	groups := compute.GroupCount(n, groupSize)
	if opts.ExactGroups {
		groups = compute.ExactGroupCount(n, groupSize)
	}
	if groups == 0 {
		return nil, errors.Wrapf(ErrInvalidOptions, "%d samples do not fill one group of %d", n, groupSize)
	}
	prec := collide.PrecisionFor(info)
	klog.V(1).Infof("dispatching %d samples as %d x %d (%s) on %s", n, groups, groupSize, prec, info.Name)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	in, err := s.Device.NewBuffer("data_in", collide.EncodeSamples(samples, prec), compute.UsageAll)
	if err != nil {
		return nil, errors.Wrap(err, "allocate input buffer")
	}
	defer in.Release()

	out, err := s.Device.NewBuffer("data_out", collide.SentinelFlags(n), compute.UsageAll)
	if err != nil {
		return nil, errors.Wrap(err, "allocate output buffer")
	}
	defer out.Release()

	pipe, err := s.Device.NewPipeline(collide.NewKernel(groupSize, prec))
	if err != nil {
		return nil, errors.Wrap(err, "create compute pipeline")
	}
	defer pipe.Release()

	cmd, err := compute.NewCommandBuilder(true).
		Dispatch(pipe, [3]int{groups, 1, 1}, in, out).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "build command buffer")
	}

	fence, err := s.Device.Queue().Submit(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "submit")
	}
	if err := fence.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait for fence")
	}

	raw, err := out.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read output buffer")
	}
	flags, err := collide.DecodeFlags(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode output buffer")
	}

	res := &Result{
		Device:    info,
		Family:    s.Family,
		Precision: prec,
		GroupSize: groupSize,
		Groups:    groups,
		Flags:     flags,
		Elapsed:   time.Since(start),
	}
	for _, f := range flags {
		res.Sum += int64(f)
		if f == collide.Sentinel {
			res.Pending++
		}
	}
	klog.V(1).Infof("dispatch finished in %v: sum %d, pending %d", res.Elapsed, res.Sum, res.Pending)

	if res.Pending > 0 {
		return res, errors.Wrapf(ErrIncompleteCoverage, "%d of %d flags", res.Pending, n)
	}
	return res, nil
}

// Run acquires a device from b, dispatches samples and releases the device.
func Run(ctx context.Context, b compute.Backend, samples []sample.Sample, opts Options) (*Result, error) {
	sess, err := Acquire(b)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.Dispatch(ctx, samples, opts)
}
