package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"
	"gpu-fusion/app/service"

	"github.com/gin-gonic/gin"
)

// Generator 执行一次生成
type Generator interface {
	GenerateJob(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error)
}

type runningJob struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	cancel    context.CancelFunc
}

// GenerateHandler 生成任务入口，同一时间只执行一个任务
type GenerateHandler struct {
	generator Generator
	logger    *logger.Logger
	baseCtx   context.Context

	mu      sync.Mutex
	current *runningJob
	wg      sync.WaitGroup
}

// NewGenerateHandler baseCtx 结束时取消正在执行的任务
func NewGenerateHandler(baseCtx context.Context, generator Generator, log *logger.Logger) *GenerateHandler {
	return &GenerateHandler{
		generator: generator,
		logger:    log,
		baseCtx:   baseCtx,
	}
}

// Generate 提交生成任务。默认后台执行并立即返回 JobID；?wait=true 时等待结果
func (h *GenerateHandler) Generate(c *gin.Context) {
	var req model.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	jobID := service.NewJobID()
	ctx, cancel := context.WithCancel(h.baseCtx)
	if !h.acquire(jobID, cancel) {
		cancel()
		fail(c, http.StatusConflict, "已有生成任务在执行")
		return
	}

	if c.Query("wait") == "true" {
		// 客户端断开时取消任务
		stop := context.AfterFunc(c.Request.Context(), cancel)
		defer stop()

		result, err := h.run(ctx, cancel, jobID, req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.Canceled) {
				status = http.StatusRequestTimeout
			}
			c.JSON(status, ApiResponse{Code: status, Message: err.Error(), Data: gin.H{"job_id": jobID}})
			return
		}
		success(c, result, "生成完成")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(ctx, cancel, jobID, req)
	}()

	c.JSON(http.StatusAccepted, response.Success(gin.H{"job_id": jobID}, "任务已提交"))
}

// Current 当前正在执行的任务
func (h *GenerateHandler) Current(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		success(c, nil, "没有正在执行的任务")
		return
	}
	success(c, h.current, "success")
}

// CancelCurrent 取消当前任务
func (h *GenerateHandler) CancelCurrent(c *gin.Context) {
	h.mu.Lock()
	job := h.current
	h.mu.Unlock()

	if job == nil {
		fail(c, http.StatusNotFound, "没有正在执行的任务")
		return
	}

	job.cancel()
	h.logger.Infof("⏹️ 已请求取消任务: JobID=%s", job.JobID)
	success(c, gin.H{"job_id": job.JobID}, "已取消")
}

// Wait 等待后台任务结束
func (h *GenerateHandler) Wait() {
	h.wg.Wait()
}

func (h *GenerateHandler) run(ctx context.Context, cancel context.CancelFunc, jobID string, req model.GenerationRequest) (*model.GenerationResult, error) {
	defer cancel()
	defer h.release(jobID)
	return h.generator.GenerateJob(ctx, jobID, req)
}

func (h *GenerateHandler) acquire(jobID string, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		return false
	}
	h.current = &runningJob{JobID: jobID, StartedAt: time.Now(), cancel: cancel}
	return true
}

func (h *GenerateHandler) release(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil && h.current.JobID == jobID {
		h.current = nil
	}
}
