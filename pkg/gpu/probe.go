// Package gpu arbitrates the host's accelerators between activity lanes.
//
// A Probe reports live occupancy, a LeaseStore records which indices have
// been handed to a job, and the Arbiter combines both: an accelerator is
// reservable when the probe reports no workloads on it and no lease holds it.
package gpu

import (
	"context"
	"fmt"
	"sort"
	"strings"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// Device is one accelerator as seen by a probe.
type Device struct {
	Index       int
	UUID        string
	Name        string
	Processes   int
	MemoryUsed  uint64
	MemoryTotal uint64
}

// Idle reports whether no compute or graphics workload is attached.
func (d Device) Idle() bool {
	return d.Processes == 0
}

// Probe queries accelerator occupancy.
type Probe interface {
	// Devices returns every accelerator on the host ordered by index.
	Devices(ctx context.Context) ([]Device, error)
	// Name identifies the backend.
	Name() string
	Close() error
}

// Backend names accepted by NewProbe.
const (
	BackendNVML = "nvml"
	BackendSMI  = "smi"
	BackendNone = "none"
)

// NewProbe opens the named occupancy backend. smiPath is only used by the
// smi backend.
func NewProbe(backend, smiPath string) (Probe, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendNVML, "":
		p, err := NewNVMLProbe()
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendSMI:
		return NewSMIProbe(smiPath), nil
	case BackendNone:
		return NewStaticProbe(0), nil
	default:
		return nil, srvrserrors.Newf(srvrserrors.CodeConfigInvalid, "unknown gpu backend %q", backend)
	}
}

// idleIndices returns the indices of idle devices in ascending order.
func idleIndices(devices []Device) []int {
	idle := make([]int, 0, len(devices))
	for _, d := range devices {
		if d.Idle() {
			idle = append(idle, d.Index)
		}
	}
	sort.Ints(idle)
	return idle
}

// StaticProbe serves a fixed inventory. With zero devices it is the probe of
// hosts without accelerators; tests use it to script occupancy.
type StaticProbe struct {
	devices []Device
	busy    func(index int) int
}

// NewStaticProbe creates an inventory of count idle devices.
func NewStaticProbe(count int) *StaticProbe {
	devices := make([]Device, count)
	for i := range devices {
		devices[i] = Device{Index: i, Name: fmt.Sprintf("static-%d", i)}
	}
	return &StaticProbe{devices: devices}
}

// SetWorkloads installs a function reporting the process count per index.
func (p *StaticProbe) SetWorkloads(fn func(index int) int) {
	p.busy = fn
}

// Devices returns the inventory with current workloads applied.
func (p *StaticProbe) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Device, len(p.devices))
	copy(out, p.devices)
	if p.busy != nil {
		for i := range out {
			out[i].Processes = p.busy(out[i].Index)
		}
	}
	return out, nil
}

// Name returns "none".
func (p *StaticProbe) Name() string {
	return BackendNone
}

// Close is a no-op.
func (p *StaticProbe) Close() error {
	return nil
}
