package service

import (
	"context"
	"testing"

	"gpu-fusion/app/config"

	"github.com/stretchr/testify/require"
)

func TestParseNvidiaSMI(t *testing.T) {
	out := "NVIDIA GeForce RTX 3090, 24576, 1024, 23552, 7, 45, 110.52\n" +
		"NVIDIA GeForce RTX 4090, 24564, 0, 24564, 0, 38, [N/A]\n" +
		"garbage line\n"

	gpus := ParseNvidiaSMI(out)
	require.Len(t, gpus, 2)
	require.Equal(t, "NVIDIA GeForce RTX 3090", gpus[0].Name)
	require.EqualValues(t, 24576*1024*1024, gpus[0].MemoryTotal)
	require.EqualValues(t, 1024*1024*1024, gpus[0].MemoryUsed)
	require.Equal(t, 7, gpus[0].Utilization)
	require.Equal(t, 45, gpus[0].Temperature)
	require.InDelta(t, 110.52, gpus[0].PowerDraw, 0.001)
	require.Zero(t, gpus[1].PowerDraw)
}

func TestParseNvidiaSMIEmpty(t *testing.T) {
	require.Empty(t, ParseNvidiaSMI(""))
}

func TestLocalCUDA(t *testing.T) {
	nvcc := writeScript(t, "nvcc", `echo "nvcc: NVIDIA (R) Cuda compiler driver"
echo "Cuda compilation tools, release 12.4, V12.4.131"
`)
	probe := NewGPUProbe(config.LocalConfig{NVCC: nvcc}, testLogger(t))
	info := probe.LocalCUDA(context.Background())
	require.True(t, info.Available)
	require.Equal(t, "12.4", info.Version)

	missing := NewGPUProbe(config.LocalConfig{NVCC: "/nonexistent/nvcc"}, testLogger(t))
	require.False(t, missing.LocalCUDA(context.Background()).Available)
}

func TestLocalGPUsCommandMissing(t *testing.T) {
	probe := NewGPUProbe(config.LocalConfig{NvidiaSMI: "/nonexistent/nvidia-smi"}, testLogger(t))
	require.Empty(t, probe.LocalGPUs(context.Background()))
}
