package pipeline_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/discsim/internal/collide"
	"github.com/san-kum/discsim/internal/compute"
	"github.com/san-kum/discsim/internal/pipeline"
	"github.com/san-kum/discsim/internal/sample"
)

// emptyBackend reports devices with no usable queue family.
type emptyBackend struct {
	devices []compute.DeviceInfo
}

func (b emptyBackend) Name() string                             { return "empty" }
func (b emptyBackend) Available() bool                          { return true }
func (b emptyBackend) Cleanup()                                 {}
func (b emptyBackend) Enumerate() ([]compute.DeviceInfo, error) { return b.devices, nil }
func (b emptyBackend) Open(compute.DeviceInfo, compute.QueueFamily) (compute.Device, error) {
	return nil, compute.ErrNoDevice
}

// stallBackend opens CPU devices whose kernels block every invocation until
// release is closed.
type stallBackend struct {
	*compute.CPUBackend
	release chan struct{}
}

func (b stallBackend) Open(info compute.DeviceInfo, family compute.QueueFamily) (compute.Device, error) {
	dev, err := b.CPUBackend.Open(info, family)
	if err != nil {
		return nil, err
	}
	return stallDevice{Device: dev, release: b.release}, nil
}

type stallDevice struct {
	compute.Device
	release chan struct{}
}

func (d stallDevice) NewPipeline(k *compute.Kernel) (compute.Pipeline, error) {
	stalled := *k
	invoke := k.Invoke
	stalled.Invoke = func(idx int, bindings [][]byte) {
		<-d.release
		invoke(idx, bindings)
	}
	return d.Device.NewPipeline(&stalled)
}

func generate(seed uint64, n int) []sample.Sample {
	g, err := sample.NewGenerator(seed, sample.DefaultXY, sample.DefaultRadius)
	Expect(err).NotTo(HaveOccurred())
	return g.Generate(n)
}

var _ = Describe("Dispatch", func() {
	var (
		ctx  context.Context
		sess *pipeline.Session
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		sess, err = pipeline.Acquire(compute.NewCPUBackend())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sess.Close)
	})

	It("acquires the compute queue family", func() {
		Expect(sess.Devices).To(HaveLen(1))
		Expect(sess.Family.Caps.Has(compute.CapCompute)).To(BeTrue())
		Expect(sess.Device.Queue().Family()).To(Equal(sess.Family))
	})

	It("matches the host predicate for every index at full scale", func() {
		samples := generate(2024, sample.DefaultCount)
		res, err := sess.Dispatch(ctx, samples, pipeline.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Groups).To(Equal(100))
		Expect(res.GroupSize).To(Equal(1024))
		Expect(res.Pending).To(BeZero())
		Expect(res.Flags).To(HaveLen(len(samples)))
		for i, s := range samples {
			if res.Flags[i] != collide.Flag(s, collide.Float64) {
				Fail("flag mismatch at index " + s.String())
			}
		}
		Expect(res.Sum).To(Equal(collide.Count(samples, collide.Float64)))
		Expect(res.Sum).To(BeNumerically(">=", 0))
		Expect(res.Sum).To(BeNumerically("<=", len(samples)))
	})

	It("reproduces the sum for a fixed seed", func() {
		first, err := sess.Dispatch(ctx, generate(99, 8192), pipeline.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
		second, err := sess.Dispatch(ctx, generate(99, 8192), pipeline.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Sum).To(Equal(first.Sum))
	})

	It("flags the boundary samples", func() {
		samples := []sample.Sample{
			{X: 50, Y: 50, R: 1},
			{X: 53, Y: 50, R: 1},
			{X: 53.01, Y: 50, R: 1},
		}
		res, err := sess.Dispatch(ctx, samples, pipeline.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Flags).To(Equal([]int32{1, 1, 0}))
		Expect(res.Sum).To(BeEquivalentTo(2))
		Expect(res.Groups).To(Equal(1))
	})

	DescribeTable("group coverage",
		func(n, groupSize int, exact bool, wantGroups, wantPending int) {
			opts := pipeline.Options{GroupSize: groupSize, ExactGroups: exact}
			samples := generate(5, n)
			res, err := sess.Dispatch(ctx, samples, opts)
			if wantPending > 0 {
				Expect(err).To(MatchError(pipeline.ErrIncompleteCoverage))
			} else {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(res.Groups).To(Equal(wantGroups))
			Expect(res.Pending).To(Equal(wantPending))
			Expect(res.Sum).To(Equal(collide.Count(samples[:n-wantPending], collide.Float64) - int64(wantPending)))
		},
		Entry("exact multiple", 4096, 1024, false, 4, 0),
		Entry("ragged, remainder-aware", 4100, 1024, false, 5, 0),
		Entry("ragged, exact groups", 4100, 1024, true, 4, 4),
		Entry("exact multiple, exact groups", 4096, 1024, true, 4, 0),
	)

	It("rejects a sample count smaller than one exact group", func() {
		opts := pipeline.Options{GroupSize: 1024, ExactGroups: true}
		_, err := sess.Dispatch(ctx, generate(1, 100), opts)
		Expect(err).To(MatchError(pipeline.ErrInvalidOptions))
	})

	It("rejects invalid options", func() {
		_, err := sess.Dispatch(ctx, generate(1, 10), pipeline.Options{})
		Expect(err).To(MatchError(pipeline.ErrInvalidOptions))

		_, err = sess.Dispatch(ctx, nil, pipeline.DefaultOptions())
		Expect(err).To(MatchError(pipeline.ErrInvalidOptions))
	})

	It("clamps the group size to the device limit", func() {
		res, err := sess.Dispatch(ctx, generate(1, 5000), pipeline.Options{GroupSize: 4096})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.GroupSize).To(Equal(1024))
		Expect(res.Groups).To(Equal(5))
	})

	It("leaves the sentinel in flags the kernel never reached", func() {
		samples := generate(9, 4100)
		res, err := sess.Dispatch(ctx, samples, pipeline.Options{GroupSize: 1024, ExactGroups: true})
		Expect(err).To(MatchError(pipeline.ErrIncompleteCoverage))
		Expect(res.Flags).To(HaveLen(4100))
		Expect(res.Flags[4096:]).To(HaveEach(collide.Sentinel))
		Expect(res.Flags[:4096]).To(HaveEach(BeElementOf(int32(0), int32(1))))
	})

	It("stops waiting when the dispatch timeout expires", func() {
		release := make(chan struct{})
		// Let the stalled kernel finish so buffer release can proceed.
		time.AfterFunc(500*time.Millisecond, func() { close(release) })

		stalled, err := pipeline.Acquire(stallBackend{CPUBackend: compute.NewCPUBackend(), release: release})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(stalled.Close)

		start := time.Now()
		_, err = stalled.Dispatch(context.Background(), generate(3, 2048),
			pipeline.Options{GroupSize: 1024, Timeout: 20 * time.Millisecond})
		Expect(err).To(MatchError(compute.ErrFenceTimeout))
		Expect(time.Since(start)).To(BeNumerically("<", 10*time.Second))
	})

	It("honours a timeout that has already expired", func() {
		expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
		defer cancel()
		_, err := sess.Dispatch(expired, generate(1, 2048), pipeline.Options{GroupSize: 1024, Timeout: time.Minute})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Acquire", func() {
	It("fails without devices", func() {
		_, err := pipeline.Acquire(emptyBackend{})
		Expect(err).To(MatchError(compute.ErrNoDevice))
	})

	It("fails without a compute queue family", func() {
		b := emptyBackend{devices: []compute.DeviceInfo{{
			Name:     "copy only",
			Families: []compute.QueueFamily{{Index: 0, Queues: 1, Caps: compute.CapTransfer}},
		}}}
		_, err := pipeline.Acquire(b)
		Expect(err).To(MatchError(compute.ErrNoComputeQueue))
	})

	It("runs end to end", func() {
		samples := generate(11, 3000)
		res, err := pipeline.Run(context.Background(), compute.NewCPUBackend(compute.WithWorkers(2)), samples, pipeline.DefaultOptions())
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Sum).To(Equal(collide.Count(samples, collide.Float64)))
	})
})
