package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ErrJobNotFound 生成记录不存在
var ErrJobNotFound = errors.New("job not found")

// JobHistory 持久化的生成记录
type JobHistory struct {
	db      *gorm.DB
	cfg     config.HistoryConfig
	log     *logger.Logger
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// JobFilter 列表查询条件
type JobFilter struct {
	Status   string
	Mode     model.Mode
	Page     int
	PageSize int
}

// NewJobHistory 创建生成记录服务
func NewJobHistory(db *gorm.DB, cfg config.HistoryConfig, log *logger.Logger) *JobHistory {
	return &JobHistory{db: db, cfg: cfg, log: log}
}

// RecoverInterrupted 进程重启前仍在执行的记录标记为失败
func (h *JobHistory) RecoverInterrupted() (int64, error) {
	now := time.Now()
	result := h.db.Model(&model.GenerationJob{}).
		Where("status = ?", model.JobStatusProcessing).
		Updates(map[string]any{
			"status":       model.JobStatusFailed,
			"error_msg":    "interrupted by restart",
			"completed_at": &now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		h.log.Warnf("⚠️ %d 条未完成的生成记录已标记为失败", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// Begin 新建一条执行中的记录
func (h *JobHistory) Begin(jobID string, req model.GenerationRequest) error {
	job := &model.GenerationJob{
		JobID:      jobID,
		ModelType:  req.ModelType,
		Prompt:     req.Prompt,
		UseDualGPU: req.UseDualGPU,
		Status:     model.JobStatusProcessing,
	}
	if err := h.db.Create(job).Error; err != nil {
		return fmt.Errorf("创建生成记录失败: %w", err)
	}
	return nil
}

// Finish 写入最终结果
func (h *JobHistory) Finish(jobID string, result *model.GenerationResult, note model.JobNote, err error) error {
	return h.db.Transaction(func(tx *gorm.DB) error {
		var job model.GenerationJob
		if e := tx.Where("job_id = ?", jobID).First(&job).Error; e != nil {
			return e
		}

		job.Apply(note)
		if err != nil {
			job.SetFailed(err)
		} else {
			job.SetCompleted(result)
		}
		return tx.Save(&job).Error
	})
}

// Get 按 JobID 查询
func (h *JobHistory) Get(jobID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := h.db.Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List 分页查询，按创建时间倒序
func (h *JobHistory) List(filter JobFilter) ([]model.GenerationJob, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	query := h.db.Model(&model.GenerationJob{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Mode != "" {
		query = query.Where("mode = ?", filter.Mode)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []model.GenerationJob
	err := query.Order("created_at DESC, id DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Stats 各状态数量
func (h *JobHistory) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, s := range []string{model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed} {
		var count int64
		if err := h.db.Model(&model.GenerationJob{}).Where("status = ?", s).Count(&count).Error; err != nil {
			return nil, err
		}
		stats[s] = count
	}
	return stats, nil
}

// Cleanup 删除过期记录，返回删除条数
func (h *JobHistory) Cleanup(now time.Time) (int64, error) {
	var removed int64

	if h.cfg.KeepCompleted > 0 {
		cutoff := now.AddDate(0, 0, -h.cfg.KeepCompleted)
		result := h.db.Where("status = ? AND completed_at < ?", model.JobStatusCompleted, cutoff).Delete(&model.GenerationJob{})
		if result.Error != nil {
			return removed, fmt.Errorf("清理已完成记录失败: %w", result.Error)
		}
		removed += result.RowsAffected
	}

	if h.cfg.KeepFailed > 0 {
		cutoff := now.AddDate(0, 0, -h.cfg.KeepFailed)
		result := h.db.Where("status = ? AND completed_at < ?", model.JobStatusFailed, cutoff).Delete(&model.GenerationJob{})
		if result.Error != nil {
			return removed, fmt.Errorf("清理失败记录失败: %w", result.Error)
		}
		removed += result.RowsAffected
	}

	if removed > 0 {
		h.log.Infof("🧹 清理了 %d 条过期生成记录", removed)
	}
	return removed, nil
}

// Start 按计划定期清理
func (h *JobHistory) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(h.cfg.CleanupSchedule, func() {
		if _, err := h.Cleanup(time.Now()); err != nil {
			h.log.Errorf("定期清理生成记录失败: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("无效的清理计划 %q: %w", h.cfg.CleanupSchedule, err)
	}
	c.Start()

	h.cron = c
	h.running = true
	h.log.Infof("生成记录清理已启动: %s", h.cfg.CleanupSchedule)
	return nil
}

// Stop 停止定期清理
func (h *JobHistory) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	<-h.cron.Stop().Done()
	h.running = false
	h.log.Info("生成记录清理已停止")
}
