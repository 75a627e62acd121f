package handler

import (
	"context"

	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"

	"github.com/gin-gonic/gin"
)

// LocalProbe 本机 GPU 查询
type LocalProbe interface {
	LocalGPUs(ctx context.Context) []model.GPUInfo
	LocalCUDA(ctx context.Context) *model.CUDAInfo
}

// RemoteInfo 工作节点 GPU 查询
type RemoteInfo interface {
	GPUInfo(ctx context.Context) (*model.RemoteGPUInfo, error)
	CUDAInfo(ctx context.Context) (*model.CUDAInfo, error)
}

// Availability 工作节点可用标记
type Availability interface {
	Available() bool
}

// GPUHandler GPU 信息处理器
type GPUHandler struct {
	local   LocalProbe
	remote  RemoteInfo
	tracker Availability
	logger  *logger.Logger
}

func NewGPUHandler(local LocalProbe, remote RemoteInfo, tracker Availability, log *logger.Logger) *GPUHandler {
	return &GPUHandler{local: local, remote: remote, tracker: tracker, logger: log}
}

// Info 本机与远程 GPU 概览，工作节点不可用时 remote 为空
func (h *GPUHandler) Info(c *gin.Context) {
	ctx := c.Request.Context()
	overview := model.GPUOverview{Local: h.local.LocalGPUs(ctx)}

	if h.tracker.Available() {
		remote, err := h.remote.GPUInfo(ctx)
		if err != nil {
			h.logger.Warnf("获取远程 GPU 信息失败: %v", err)
		} else {
			overview.Remote = remote
			overview.DualMode = true
		}
	}
	success(c, overview, "success")
}

// CUDA 本机与远程 CUDA 环境
func (h *GPUHandler) CUDA(c *gin.Context) {
	ctx := c.Request.Context()
	overview := model.CUDAOverview{Local: h.local.LocalCUDA(ctx)}

	if h.tracker.Available() {
		remote, err := h.remote.CUDAInfo(ctx)
		if err != nil {
			h.logger.Warnf("获取远程 CUDA 信息失败: %v", err)
		} else {
			overview.Remote = remote
		}
	}
	success(c, overview, "success")
}
