//go:build cgo

package gpu

import (
	"context"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// NVMLProbe reads occupancy from the NVIDIA management library.
type NVMLProbe struct {
	mu sync.Mutex
}

// NewNVMLProbe initializes NVML. The library must stay initialized for the
// lifetime of the probe; Close shuts it down.
func NewNVMLProbe() (*NVMLProbe, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, srvrserrors.Newf(srvrserrors.CodeProbeUnavailable, "nvml init: %s", nvml.ErrorString(ret))
	}
	return &NVMLProbe{}, nil
}

// Devices enumerates accelerators and counts their compute and graphics
// processes.
func (p *NVMLProbe) Devices(ctx context.Context) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, srvrserrors.Newf(srvrserrors.CodeProbeUnavailable, "nvml device count: %s", nvml.ErrorString(ret))
	}

	devices := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, srvrserrors.Newf(srvrserrors.CodeProbeUnavailable, "nvml device %d: %s", i, nvml.ErrorString(ret))
		}

		compute, ret := handle.GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			return nil, srvrserrors.Newf(srvrserrors.CodeProbeUnavailable, "nvml device %d compute processes: %s", i, nvml.ErrorString(ret))
		}
		graphics, ret := handle.GetGraphicsRunningProcesses()
		if ret != nvml.SUCCESS {
			return nil, srvrserrors.Newf(srvrserrors.CodeProbeUnavailable, "nvml device %d graphics processes: %s", i, nvml.ErrorString(ret))
		}

		d := Device{Index: i, Processes: len(compute) + len(graphics)}
		if name, ret := handle.GetName(); ret == nvml.SUCCESS {
			d.Name = name
		}
		if uuid, ret := handle.GetUUID(); ret == nvml.SUCCESS {
			d.UUID = uuid
		}
		if mem, ret := handle.GetMemoryInfo(); ret == nvml.SUCCESS {
			d.MemoryUsed = mem.Used
			d.MemoryTotal = mem.Total
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Name returns "nvml".
func (p *NVMLProbe) Name() string {
	return BackendNVML
}

// Close shuts NVML down.
func (p *NVMLProbe) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return srvrserrors.Newf(srvrserrors.CodeProbeUnavailable, "nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}
