package compute

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

type Dispatch struct {
	Pipeline Pipeline
	Groups   [3]int
	Bindings []Buffer
}

// Invocations is the total number of kernel invocations the dispatch launches.
func (d Dispatch) Invocations() int {
	return d.Groups[0] * d.Groups[1] * d.Groups[2] * d.Pipeline.Kernel().WorkgroupSize
}

type CommandBuffer struct {
	oneTime    bool
	dispatches []Dispatch
	submitted  atomic.Bool
}

func (c *CommandBuffer) Dispatches() []Dispatch { return c.dispatches }
func (c *CommandBuffer) OneTimeSubmit() bool    { return c.oneTime }

// markSubmitted rejects resubmission of a one-time command buffer.
func (c *CommandBuffer) markSubmitted() error {
	if c == nil {
		return errors.Wrap(ErrInvalidCommand, "nil command buffer")
	}
	if c.submitted.Swap(true) && c.oneTime {
		return errors.Wrap(ErrInvalidCommand, "one-time command buffer already submitted")
	}
	return nil
}

// CommandBuilder records dispatches. The first recording error sticks and is
// returned by Build.
type CommandBuilder struct {
	oneTime    bool
	dispatches []Dispatch
	err        error
}

func NewCommandBuilder(oneTimeSubmit bool) *CommandBuilder {
	return &CommandBuilder{oneTime: oneTimeSubmit}
}

func (b *CommandBuilder) Dispatch(p Pipeline, groups [3]int, bindings ...Buffer) *CommandBuilder {
	if b.err != nil {
		return b
	}
	if p == nil {
		b.err = errors.Wrap(ErrInvalidCommand, "dispatch without pipeline")
		return b
	}
	for axis, g := range groups {
		if g <= 0 {
			b.err = errors.Wrapf(ErrInvalidCommand, "dispatch group count %d on axis %d", g, axis)
			return b
		}
	}
	if want := p.Kernel().Bindings; len(bindings) != want {
		b.err = errors.Wrapf(ErrInvalidCommand, "kernel %s expects %d bindings, got %d", p.Kernel().Name, want, len(bindings))
		return b
	}
	for i, buf := range bindings {
		if buf == nil {
			b.err = errors.Wrapf(ErrInvalidCommand, "binding %d is nil", i)
			return b
		}
	}
	b.dispatches = append(b.dispatches, Dispatch{Pipeline: p, Groups: groups, Bindings: bindings})
	return b
}

func (b *CommandBuilder) Build() (*CommandBuffer, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.dispatches) == 0 {
		return nil, errors.Wrap(ErrInvalidCommand, "empty command buffer")
	}
	if b.oneTime && len(b.dispatches) > 1 {
		return nil, errors.Wrapf(ErrInvalidCommand, "one-time command buffer holds %d dispatches", len(b.dispatches))
	}
	return &CommandBuffer{oneTime: b.oneTime, dispatches: b.dispatches}, nil
}

// checkGroupLimit rejects a dispatch launching more workgroups than the
// device allows.
func checkGroupLimit(i int, d Dispatch, info DeviceInfo) error {
	n := d.Groups[0] * d.Groups[1] * d.Groups[2]
	if limit := info.Limits.MaxWorkgroupCount; limit > 0 && n > limit {
		return errors.Wrapf(ErrInvalidCommand, "dispatch %d: %d workgroups exceeds limit %d", i, n, limit)
	}
	return nil
}
