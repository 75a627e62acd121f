package handler

import (
	"errors"
	"net/http"
	"strconv"

	"gpu-fusion/app/model"
	"gpu-fusion/app/service"

	"github.com/gin-gonic/gin"
)

// JobStore 生成记录查询
type JobStore interface {
	List(filter service.JobFilter) ([]model.GenerationJob, int64, error)
	Get(jobID string) (*model.GenerationJob, error)
	Stats() (map[string]int64, error)
}

// JobsHandler 生成记录处理器
type JobsHandler struct {
	store JobStore
}

func NewJobsHandler(store JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// List 分页查询生成记录
func (h *JobsHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	jobs, total, err := h.store.List(service.JobFilter{
		Status:   c.Query("status"),
		Mode:     model.Mode(c.Query("mode")),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, "查询生成记录失败: "+err.Error())
		return
	}

	success(c, gin.H{
		"list":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	}, "success")
}

// Get 查询单条记录
func (h *JobsHandler) Get(c *gin.Context) {
	job, err := h.store.Get(c.Param("id"))
	if errors.Is(err, service.ErrJobNotFound) {
		fail(c, http.StatusNotFound, "生成记录不存在")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "查询生成记录失败: "+err.Error())
		return
	}
	success(c, job, "success")
}

// Stats 各状态数量
func (h *JobsHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats()
	if err != nil {
		fail(c, http.StatusInternalServerError, "统计失败: "+err.Error())
		return
	}
	success(c, stats, "success")
}
