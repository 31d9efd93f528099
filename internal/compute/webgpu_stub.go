//go:build !webgpu

package compute

import "github.com/pkg/errors"

type WebGPUBackend struct{}

func NewWebGPUBackend() *WebGPUBackend {
	return &WebGPUBackend{}
}

func (b *WebGPUBackend) Name() string    { return "webgpu (not available)" }
func (b *WebGPUBackend) Available() bool { return false }
func (b *WebGPUBackend) Cleanup()        {}

func (b *WebGPUBackend) Enumerate() ([]DeviceInfo, error) {
	return nil, errors.Wrap(ErrBackendUnavailable, "built without webgpu tag")
}

func (b *WebGPUBackend) Open(info DeviceInfo, family QueueFamily) (Device, error) {
	return nil, errors.Wrap(ErrBackendUnavailable, "built without webgpu tag")
}
