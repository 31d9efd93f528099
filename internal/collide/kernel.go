package collide

import (
	"encoding/binary"
	"fmt"

	"github.com/san-kum/discsim/internal/compute"
)

const (
	KernelName       = "disc_hit"
	DefaultGroupSize = 1024
)

// NewKernel builds the membership kernel. Binding 0 holds encoded samples,
// binding 1 the int32 flags. Invocations past the end of the flag buffer
// return without writing.
func NewKernel(groupSize int, p Precision) *compute.Kernel {
	k := &compute.Kernel{
		Name:          KernelName,
		WorkgroupSize: groupSize,
		Bindings:      2,
		Invoke:        invoke(p),
	}
	if p == Float32 {
		k.WGSL = wgsl(groupSize)
	}
	return k
}

func invoke(p Precision) compute.Invocation {
	return func(idx int, b [][]byte) {
		in, out := b[0], b[1]
		if idx >= len(out)/FlagSize || idx >= len(in)/p.Stride() {
			return
		}
		flag := Flag(DecodeSample(in, idx, p), p)
		binary.LittleEndian.PutUint32(out[idx*FlagSize:], uint32(flag))
	}
}

func wgsl(groupSize int) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> buf_in : array<f32>;
@group(0) @binding(1) var<storage, read_write> buf_out : array<i32>;

@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) gid : vec3<u32>) {
    let idx = gid.x;
    if (idx >= arrayLength(&buf_out)) {
        return;
    }
    let dx = buf_in[idx * 3u] - %.1f;
    let dy = buf_in[idx * 3u + 1u] - %.1f;
    let reach = %.1f + buf_in[idx * 3u + 2u];
    buf_out[idx] = select(0, 1, dx * dx + dy * dy <= reach * reach);
}
`, groupSize, CenterX, CenterY, BaseRadius)
}
