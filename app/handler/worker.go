package handler

import (
	"context"
	"net/http"
	"path/filepath"

	"gpu-fusion/app/model"

	"github.com/gin-gonic/gin"
)

// WorkerController 远程守护进程控制
type WorkerController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	CheckStatus(ctx context.Context) model.WorkerStatus
}

// ConnectivityChecker 手动触发连通性检查
type ConnectivityChecker interface {
	Check(ctx context.Context) bool
	Available() bool
}

// WorkerHandler 远程守护进程处理器
type WorkerHandler struct {
	worker  WorkerController
	checker ConnectivityChecker
}

func NewWorkerHandler(worker WorkerController, checker ConnectivityChecker) *WorkerHandler {
	return &WorkerHandler{worker: worker, checker: checker}
}

// Status 查询守护进程状态
func (h *WorkerHandler) Status(c *gin.Context) {
	status := h.worker.CheckStatus(c.Request.Context())
	success(c, gin.H{
		"worker":    status,
		"available": h.checker.Available(),
	}, "success")
}

// Start 启动守护进程
func (h *WorkerHandler) Start(c *gin.Context) {
	if err := h.worker.Start(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	success(c, nil, "远程守护进程已启动")
}

// Stop 停止守护进程
func (h *WorkerHandler) Stop(c *gin.Context) {
	if err := h.worker.Stop(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	success(c, nil, "远程守护进程已停止")
}

// Restart 重启守护进程
func (h *WorkerHandler) Restart(c *gin.Context) {
	if err := h.worker.Restart(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	success(c, nil, "远程守护进程已重启")
}

// Check 立即检查连通性
func (h *WorkerHandler) Check(c *gin.Context) {
	ok := h.checker.Check(c.Request.Context())
	success(c, gin.H{"available": ok}, "success")
}

// RemoteTasks 按任务 ID 查询或下载工作节点上的任务
type RemoteTasks interface {
	PollStatus(ctx context.Context, taskID string) (*model.RemoteTask, error)
	Download(ctx context.Context, taskID, dst string) error
}

// RemoteTaskHandler 远程任务处理器
type RemoteTaskHandler struct {
	remote    RemoteTasks
	outputDir string
}

func NewRemoteTaskHandler(remote RemoteTasks, outputDir string) *RemoteTaskHandler {
	return &RemoteTaskHandler{remote: remote, outputDir: outputDir}
}

// Status 查询远程任务状态
func (h *RemoteTaskHandler) Status(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	task, err := h.remote.PollStatus(c.Request.Context(), taskID)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	success(c, task, "success")
}

// Download 把远程任务结果下载到输出目录，保存为 remote_<id>.mp4
func (h *RemoteTaskHandler) Download(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}

	dst := filepath.Join(h.outputDir, "remote_"+taskID+".mp4")
	if err := h.remote.Download(c.Request.Context(), taskID, dst); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	success(c, gin.H{"task_id": taskID, "path": dst}, "下载完成")
}

// taskIDParam 任务 ID 只能是单个路径段
func taskIDParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if id == "" || id == "." || id == ".." || id != filepath.Base(id) {
		fail(c, http.StatusBadRequest, "任务 ID 无效")
		return "", false
	}
	return id, true
}
