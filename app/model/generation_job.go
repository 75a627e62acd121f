package model

import (
	"time"
)

// 生成记录状态常量
const (
	JobStatusProcessing = "processing" // 执行中
	JobStatusCompleted  = "completed"  // 已完成
	JobStatusFailed     = "failed"     // 失败
)

// GenerationJob 生成任务历史记录
type GenerationJob struct {
	ID           uint       `json:"id" gorm:"primarykey"`
	JobID        string     `json:"job_id" gorm:"not null;uniqueIndex"`
	ModelType    string     `json:"model_type" gorm:"size:32"`
	Prompt       string     `json:"prompt" gorm:"type:text"`
	UseDualGPU   bool       `json:"use_dual_gpu"`
	Status       string     `json:"status" gorm:"size:20;default:processing;index"`
	Mode         Mode       `json:"mode" gorm:"size:10"`
	OutputPath   string     `json:"output_path"`
	RemoteTaskID string     `json:"remote_task_id" gorm:"index"`
	RemoteError  string     `json:"remote_error" gorm:"type:text"`
	LocalError   string     `json:"local_error" gorm:"type:text"`
	MergeError   string     `json:"merge_error" gorm:"type:text"`
	FallbackUsed bool       `json:"fallback_used"`
	ErrorMsg     string     `json:"error_msg" gorm:"type:text"`
	Thumbnail    string     `json:"thumbnail"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// TableName 指定表名
func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// SetCompleted 标记为完成
func (j *GenerationJob) SetCompleted(result *GenerationResult) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.Mode = result.Mode
	j.OutputPath = result.Path
	j.ErrorMsg = ""
	j.CompletedAt = &now
}

// SetFailed 标记为失败
func (j *GenerationJob) SetFailed(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorMsg = err.Error()
	j.CompletedAt = &now
}

// JobNote 协调过程中记录的中间信息
type JobNote struct {
	RemoteTaskID string
	RemoteError  error
	LocalError   error
	MergeError   error
	FallbackUsed bool
	Thumbnail    string
}

// Apply 把中间信息写入记录
func (j *GenerationJob) Apply(n JobNote) {
	if n.RemoteTaskID != "" {
		j.RemoteTaskID = n.RemoteTaskID
	}
	if n.RemoteError != nil {
		j.RemoteError = n.RemoteError.Error()
	}
	if n.LocalError != nil {
		j.LocalError = n.LocalError.Error()
	}
	if n.MergeError != nil {
		j.MergeError = n.MergeError.Error()
	}
	if n.Thumbnail != "" {
		j.Thumbnail = n.Thumbnail
	}
	j.FallbackUsed = j.FallbackUsed || n.FallbackUsed
}
