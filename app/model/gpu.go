package model

// GPUInfo 单块 GPU 的状态
type GPUInfo struct {
	Name        string  `json:"name"`
	MemoryTotal int64   `json:"memory_total"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryFree  int64   `json:"memory_free"`
	Utilization int     `json:"utilization"`
	Temperature int     `json:"temperature"`
	PowerDraw   float64 `json:"power_draw"`
}

// RemoteGPUInfo 工作节点 /gpu/info 响应
type RemoteGPUInfo struct {
	GPUs  []GPUInfo `json:"gpus"`
	Count int       `json:"count"`
}

// CUDAInfo CUDA 环境信息
type CUDAInfo struct {
	Available       bool   `json:"available"`
	Version         string `json:"version,omitempty"`
	DriverVersion   string `json:"driver_version,omitempty"`
	CUDAVersion     string `json:"cuda_version,omitempty"`
	PyTorchCUDA     bool   `json:"pytorch_cuda_available,omitempty"`
	PyTorchVersion  string `json:"pytorch_version,omitempty"`
	CUDADeviceCount int    `json:"cuda_device_count,omitempty"`
}

// GPUOverview 本地与远程 GPU 概览
type GPUOverview struct {
	Local    []GPUInfo      `json:"local"`
	Remote   *RemoteGPUInfo `json:"remote"`
	DualMode bool           `json:"dual_mode"`
}

// CUDAOverview 本地与远程 CUDA 环境
type CUDAOverview struct {
	Local  *CUDAInfo `json:"local"`
	Remote *CUDAInfo `json:"remote"`
}

// WorkerStatus 远程守护进程状态
type WorkerStatus struct {
	Running bool           `json:"running"`
	PID     string         `json:"pid,omitempty"`
	GPUInfo *RemoteGPUInfo `json:"gpu_info,omitempty"`
	Error   string         `json:"error,omitempty"`
}
