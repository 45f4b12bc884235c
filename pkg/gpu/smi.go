package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// SMIProbe shells out to nvidia-smi. It is the fallback for hosts where the
// management library cannot be loaded in-process. nvidia-smi only lists
// compute applications, so graphics workloads are not counted.
type SMIProbe struct {
	path string
	exec func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSMIProbe creates a probe running the binary at path ("nvidia-smi" when
// empty).
func NewSMIProbe(path string) *SMIProbe {
	if path == "" {
		path = "nvidia-smi"
	}
	return &SMIProbe{path: path, exec: runOutput}
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Devices queries the GPU list and the compute application list and joins
// them on the device UUID.
func (p *SMIProbe) Devices(ctx context.Context) ([]Device, error) {
	out, err := p.exec(ctx, p.path, "--query-gpu=index,uuid,name,memory.used,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, srvrserrors.Wrapf(err, srvrserrors.CodeProbeUnavailable, "%s gpu query", p.path)
	}
	devices, err := parseGPUQuery(out)
	if err != nil {
		return nil, srvrserrors.Wrap(err, srvrserrors.CodeProbeUnavailable, "parse gpu query")
	}

	out, err = p.exec(ctx, p.path, "--query-compute-apps=gpu_uuid,pid", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, srvrserrors.Wrapf(err, srvrserrors.CodeProbeUnavailable, "%s compute app query", p.path)
	}
	apps, err := parseAppQuery(out)
	if err != nil {
		return nil, srvrserrors.Wrap(err, srvrserrors.CodeProbeUnavailable, "parse compute app query")
	}

	for i := range devices {
		devices[i].Processes = apps[devices[i].UUID]
	}
	return devices, nil
}

// Name returns "smi".
func (p *SMIProbe) Name() string {
	return BackendSMI
}

// Close is a no-op.
func (p *SMIProbe) Close() error {
	return nil
}

func readCSV(out []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		rows = append(rows, rec)
	}
}

func parseGPUQuery(out []byte) ([]Device, error) {
	rows, err := readCSV(out)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("expected 5 fields, got %d: %v", len(row), row)
		}
		index, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("bad index %q: %w", row[0], err)
		}
		d := Device{
			Index: index,
			UUID:  strings.TrimSpace(row[1]),
			Name:  strings.TrimSpace(row[2]),
		}
		// memory is reported in MiB; "[N/A]" on some boards
		if used, err := strconv.ParseUint(strings.TrimSpace(row[3]), 10, 64); err == nil {
			d.MemoryUsed = used << 20
		}
		if total, err := strconv.ParseUint(strings.TrimSpace(row[4]), 10, 64); err == nil {
			d.MemoryTotal = total << 20
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func parseAppQuery(out []byte) (map[string]int, error) {
	rows, err := readCSV(out)
	if err != nil {
		return nil, err
	}

	apps := make(map[string]int)
	for _, row := range rows {
		uuid := strings.TrimSpace(row[0])
		if uuid == "" || strings.HasPrefix(uuid, "No running") {
			continue
		}
		apps[uuid]++
	}
	return apps, nil
}
