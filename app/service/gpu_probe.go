package service

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"
)

const probeTimeout = 5 * time.Second

var nvccReleaseRe = regexp.MustCompile(`release (\d+\.\d+)`)

// GPUProbe 查询本机 GPU 与 CUDA 环境
type GPUProbe struct {
	nvidiaSMI string
	nvcc      string
	logger    *logger.Logger
}

func NewGPUProbe(cfg config.LocalConfig, log *logger.Logger) *GPUProbe {
	return &GPUProbe{nvidiaSMI: cfg.NvidiaSMI, nvcc: cfg.NVCC, logger: log}
}

// LocalGPUs 通过 nvidia-smi 获取本机 GPU 列表，命令失败时返回空列表
func (p *GPUProbe) LocalGPUs(ctx context.Context) []model.GPUInfo {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.nvidiaSMI,
		"--query-gpu=name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		p.logger.Debugf("nvidia-smi 执行失败: %v", err)
		return []model.GPUInfo{}
	}
	return ParseNvidiaSMI(string(out))
}

// ParseNvidiaSMI 解析 nvidia-smi csv 输出，显存单位由 MiB 换算为字节
func ParseNvidiaSMI(out string) []model.GPUInfo {
	gpus := make([]model.GPUInfo, 0)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 7 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		power, _ := strconv.ParseFloat(fields[6], 64)
		gpus = append(gpus, model.GPUInfo{
			Name:        fields[0],
			MemoryTotal: atoi64(fields[1]) * 1024 * 1024,
			MemoryUsed:  atoi64(fields[2]) * 1024 * 1024,
			MemoryFree:  atoi64(fields[3]) * 1024 * 1024,
			Utilization: int(atoi64(fields[4])),
			Temperature: int(atoi64(fields[5])),
			PowerDraw:   power,
		})
	}
	return gpus
}

// LocalCUDA 通过 nvcc --version 检查本机 CUDA
func (p *GPUProbe) LocalCUDA(ctx context.Context) *model.CUDAInfo {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.nvcc, "--version").Output()
	if err != nil {
		return &model.CUDAInfo{Available: false}
	}
	info := &model.CUDAInfo{Available: true, Version: "unknown"}
	if m := nvccReleaseRe.FindStringSubmatch(string(out)); m != nil {
		info.Version = m[1]
		info.CUDAVersion = m[1]
	}
	return info
}

func atoi64(s string) int64 {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(n)
}
