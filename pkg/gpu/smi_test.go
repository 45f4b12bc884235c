package gpu

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

const gpuQuery = `0, GPU-aaa, NVIDIA A100-SXM4-40GB, 1024, 40960
1, GPU-bbb, NVIDIA A100-SXM4-40GB, 0, 40960
2, GPU-ccc, NVIDIA A100-SXM4-40GB, [N/A], [N/A]
`

const appQuery = `GPU-aaa, 4242
GPU-aaa, 4243
GPU-ccc, 5000
`

func fakeSMI(gpus, apps string, err error) func(context.Context, string, ...string) ([]byte, error) {
	return func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(args[0], "--query-gpu") {
			return []byte(gpus), nil
		}
		return []byte(apps), nil
	}
}

func TestSMIProbe_Devices(t *testing.T) {
	p := NewSMIProbe("")
	p.exec = fakeSMI(gpuQuery, appQuery, nil)

	devices, err := p.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, 2, devices[0].Processes)
	assert.Equal(t, uint64(1024)<<20, devices[0].MemoryUsed)
	assert.True(t, devices[1].Idle())
	assert.Equal(t, "NVIDIA A100-SXM4-40GB", devices[1].Name)
	assert.Equal(t, 1, devices[2].Processes)
	assert.Zero(t, devices[2].MemoryTotal)

	assert.Equal(t, []int{1}, idleIndices(devices))
}

func TestSMIProbe_NoApps(t *testing.T) {
	p := NewSMIProbe("nvidia-smi")
	p.exec = fakeSMI(gpuQuery, "", nil)

	devices, err := p.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, idleIndices(devices))
}

func TestSMIProbe_Failure(t *testing.T) {
	p := NewSMIProbe("nvidia-smi")
	p.exec = fakeSMI("", "", errors.New("executable file not found"))

	_, err := p.Devices(context.Background())
	require.Error(t, err)
	assert.True(t, srvrserrors.IsCode(err, srvrserrors.CodeProbeUnavailable))
}

func TestParseGPUQuery_Malformed(t *testing.T) {
	_, err := parseGPUQuery([]byte("0, GPU-aaa\n"))
	assert.Error(t, err)

	_, err = parseGPUQuery([]byte("x, GPU-aaa, name, 1, 2\n"))
	assert.Error(t, err)
}
