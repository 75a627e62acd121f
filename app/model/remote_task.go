package model

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal 是否为终止状态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// RemoteTask 远程工作节点上的一个任务
type RemoteTask struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message"`
	ResultPath string     `json:"result_path,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SubmitPayload 提交到 /task/submit 的请求体
type SubmitPayload struct {
	TaskID     string         `json:"task_id"`
	ModelType  string         `json:"model_type"`
	Prompt     string         `json:"prompt"`
	ImagePath  string         `json:"image_path,omitempty"`
	AudioPath  string         `json:"audio_path,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

// NewSubmitPayload 由生成请求构造提交请求体
func NewSubmitPayload(taskID string, req GenerationRequest) SubmitPayload {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return SubmitPayload{
		TaskID:     taskID,
		ModelType:  req.ModelType,
		Prompt:     req.Prompt,
		ImagePath:  req.ImagePath,
		AudioPath:  req.AudioPath,
		Parameters: params,
	}
}

// Progress 远程任务进度事件
type Progress struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}
