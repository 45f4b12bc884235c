//go:build !cgo

package gpu

import (
	"context"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// NVMLProbe is unavailable in binaries built without cgo.
type NVMLProbe struct{}

// NewNVMLProbe always fails without cgo; use the smi backend instead.
func NewNVMLProbe() (*NVMLProbe, error) {
	return nil, srvrserrors.New(srvrserrors.CodeProbeUnavailable, "nvml backend requires a cgo build; use the smi backend")
}

func (p *NVMLProbe) Devices(ctx context.Context) ([]Device, error) {
	return nil, srvrserrors.New(srvrserrors.CodeProbeUnavailable, "nvml backend unavailable")
}

func (p *NVMLProbe) Name() string { return BackendNVML }

func (p *NVMLProbe) Close() error { return nil }
