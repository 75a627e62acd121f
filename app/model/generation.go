package model

import (
	"maps"
	"path/filepath"
	"strings"
)

// PartPrefix 双路半程输出的文件名前缀。合并成功后删除，残留的按过期时间清理；
// 单侧成功时改名为去掉前缀的最终文件
const PartPrefix = "part_"

// IsPartFile 是否为双路半程的中间文件
func IsPartFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), PartPrefix)
}

// FinalPath 去掉中间文件前缀后的路径
func FinalPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, strings.TrimPrefix(name, PartPrefix))
}

// Mode 生成结果来源
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeDual   Mode = "dual"
)

// GenerationRequest 一次视频生成请求，提交后不可修改
type GenerationRequest struct {
	ModelType  string         `json:"model_type" binding:"required"` // T2V, I2V, TI2V, S2V
	Prompt     string         `json:"prompt"`
	ImagePath  string         `json:"image_path,omitempty"`
	AudioPath  string         `json:"audio_path,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UseDualGPU bool           `json:"use_dual_gpu"`
}

// Clone 深拷贝参数表，拆分出的子请求之间互不影响
func (r GenerationRequest) Clone() GenerationRequest {
	c := r
	if r.Parameters != nil {
		c.Parameters = maps.Clone(r.Parameters)
	}
	return c
}

// WithPrompt 返回替换了提示词的副本
func (r GenerationRequest) WithPrompt(prompt string) GenerationRequest {
	c := r.Clone()
	c.Prompt = prompt
	return c
}

// GenerationResult 协调器返回给调用方的结果
type GenerationResult struct {
	Path  string `json:"path"`
	Mode  Mode   `json:"mode"`
	JobID string `json:"job_id,omitempty"`
}

// LocalTask 本地子进程任务，ID 不与远程共享
type LocalTask struct {
	ID         string `json:"id"`
	OutputPath string `json:"output_path"`
}

// HalfResult 双路任务中单侧的结果
type HalfResult struct {
	Success bool
	Path    string
	Err     error
}

// OutcomeState 双路任务汇合后的状态
type OutcomeState int

const (
	OutcomeNone OutcomeState = iota
	OutcomeRemoteOnly
	OutcomeLocalOnly
	OutcomeBoth
)

// DualJobOutcome 双路任务汇合记录
type DualJobOutcome struct {
	Remote HalfResult
	Local  HalfResult
}

// State 计算汇合状态
func (o DualJobOutcome) State() OutcomeState {
	switch {
	case o.Remote.Success && o.Local.Success:
		return OutcomeBoth
	case o.Remote.Success:
		return OutcomeRemoteOnly
	case o.Local.Success:
		return OutcomeLocalOnly
	default:
		return OutcomeNone
	}
}
