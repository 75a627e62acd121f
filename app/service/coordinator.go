package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"

	"github.com/sourcegraph/conc"
)

// RemoteWorker 远程半程：提交后立即返回任务 ID，再单独等待完成
type RemoteWorker interface {
	Submit(ctx context.Context, req model.GenerationRequest) (string, error)
	WaitForCompletion(ctx context.Context, taskID string, progress chan<- model.Progress) (string, error)
}

// LocalRunner 本地半程。NewTask 的输出是最终文件，NewPartTask 的输出是双路中间文件
type LocalRunner interface {
	NewTask() model.LocalTask
	NewPartTask() model.LocalTask
	Run(ctx context.Context, task model.LocalTask, req model.GenerationRequest) (string, error)
}

// VideoMerger 按顺序拼接两个片段
type VideoMerger interface {
	Merge(ctx context.Context, first, second string) (string, error)
}

// Availability 工作节点可用标记
type Availability interface {
	Available() bool
}

// JobRecorder 记录每次生成的历史
type JobRecorder interface {
	Begin(jobID string, req model.GenerationRequest) error
	Finish(jobID string, result *model.GenerationResult, note model.JobNote, err error) error
}

// Coordinator 双 GPU 任务协调器
type Coordinator struct {
	remote   RemoteWorker
	local    LocalRunner
	merger   VideoMerger
	tracker  Availability
	split    SplitFunc
	hub      *ProgressHub
	recorder JobRecorder
	thumbs   *Thumbnailer
	logger   *logger.Logger
}

// CoordinatorOption 协调器可选项
type CoordinatorOption func(*Coordinator)

// WithSplitFunc 替换默认的拆分策略
func WithSplitFunc(fn SplitFunc) CoordinatorOption {
	return func(c *Coordinator) { c.split = fn }
}

func WithProgressHub(hub *ProgressHub) CoordinatorOption {
	return func(c *Coordinator) { c.hub = hub }
}

func WithRecorder(r JobRecorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

func WithThumbnailer(t *Thumbnailer) CoordinatorOption {
	return func(c *Coordinator) { c.thumbs = t }
}

// NewCoordinator 创建协调器
func NewCoordinator(remote RemoteWorker, local LocalRunner, merger VideoMerger, tracker Availability, log *logger.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		remote:  remote,
		local:   local,
		merger:  merger,
		tracker: tracker,
		split:   SuffixSplit,
		logger:  log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate 执行一次生成请求。
// 不使用双 GPU 或工作节点不可用时只在本地执行；否则拆分为远程与本地两半并发执行，
// 双路流程中的任何错误都会以原始请求在本地完整重跑一次，重跑的结果原样返回。
func (c *Coordinator) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	return c.GenerateJob(ctx, NewJobID(), req)
}

// GenerateJob 与 Generate 相同，由调用方指定 JobID
func (c *Coordinator) GenerateJob(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error) {
	startTime := time.Now()
	c.begin(jobID, req)

	note := model.JobNote{Thumbnail: c.thumbnail(jobID, req)}
	result, err := c.generate(ctx, req, &note)
	if result != nil {
		result.JobID = jobID
	}
	c.finish(jobID, result, note, err)

	if err != nil {
		c.logger.Errorf("💀 生成失败: JobID=%s, 耗时: %v, 错误: %v", jobID, time.Since(startTime), err)
		return nil, err
	}
	c.logger.Infof("✅ 生成完成: JobID=%s, 模式: %s, 输出: %s, 耗时: %v", jobID, result.Mode, result.Path, time.Since(startTime))
	return result, nil
}

func (c *Coordinator) generate(ctx context.Context, req model.GenerationRequest, note *model.JobNote) (*model.GenerationResult, error) {
	if !req.UseDualGPU || !c.tracker.Available() {
		return c.runLocalOnly(ctx, req)
	}

	result, err := c.runDual(ctx, req, note)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	// 回退：原始请求只在本地重跑，不再进入双路流程
	c.logger.Warnf("⚠️ 双 GPU 生成失败，回退到本地 GPU: %v", err)
	note.FallbackUsed = true
	return c.runLocalOnly(ctx, req)
}

func (c *Coordinator) runLocalOnly(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	task := c.local.NewTask()
	path, err := c.local.Run(ctx, task, req)
	if err != nil {
		return nil, err
	}
	return &model.GenerationResult{Path: path, Mode: model.ModeLocal}, nil
}

func (c *Coordinator) runDual(ctx context.Context, req model.GenerationRequest, note *model.JobNote) (*model.GenerationResult, error) {
	first, second := c.split(req)

	// 提交失败按远程半程失败处理，本地半程照常执行
	taskID, submitErr := c.remote.Submit(ctx, first)
	if submitErr != nil {
		c.logger.Warnf("远程任务提交失败: %v", submitErr)
	}
	note.RemoteTaskID = taskID
	localTask := c.local.NewPartTask()

	progress := make(chan model.Progress, 8)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			c.publish(p)
		}
	}()

	var outcome model.DualJobOutcome
	var wg conc.WaitGroup
	wg.Go(func() {
		path, err := c.local.Run(ctx, localTask, second)
		outcome.Local = halfResult(path, err)
	})
	wg.Go(func() {
		if submitErr != nil {
			outcome.Remote = model.HalfResult{Err: submitErr}
			return
		}
		path, err := c.remote.WaitForCompletion(ctx, taskID, progress)
		outcome.Remote = halfResult(path, err)
	})
	recovered := wg.WaitAndRecover()
	close(progress)
	<-forwarded

	if recovered != nil {
		return nil, fmt.Errorf("双路任务异常: %w", recovered.AsError())
	}

	note.RemoteError = outcome.Remote.Err
	note.LocalError = outcome.Local.Err

	switch outcome.State() {
	case model.OutcomeBoth:
		merged, err := c.merger.Merge(ctx, outcome.Remote.Path, outcome.Local.Path)
		if err != nil {
			note.MergeError = err
			return nil, err
		}
		return &model.GenerationResult{Path: merged, Mode: model.ModeDual}, nil
	case model.OutcomeRemoteOnly:
		c.logger.Warnf("本地半程失败，使用远程结果: %v", outcome.Local.Err)
		path, err := promote(outcome.Remote.Path)
		if err != nil {
			return nil, err
		}
		return &model.GenerationResult{Path: path, Mode: model.ModeRemote}, nil
	case model.OutcomeLocalOnly:
		c.logger.Warnf("远程半程失败，使用本地结果: %v", outcome.Remote.Err)
		path, err := promote(outcome.Local.Path)
		if err != nil {
			return nil, err
		}
		return &model.GenerationResult{Path: path, Mode: model.ModeLocal}, nil
	default:
		return nil, fmt.Errorf("%w: remote: %v; local: %v", ErrBothFailed, outcome.Remote.Err, outcome.Local.Err)
	}
}

func (c *Coordinator) publish(p model.Progress) {
	c.logger.Debugf("远程进度: TaskID=%s, %.0f%%, %s", p.TaskID, p.Progress, p.Message)
	if c.hub != nil {
		c.hub.Publish(p)
	}
}

func (c *Coordinator) thumbnail(jobID string, req model.GenerationRequest) string {
	if c.thumbs == nil || req.ImagePath == "" {
		return ""
	}
	path, err := c.thumbs.Make(jobID, req.ImagePath)
	if err != nil {
		c.logger.Warnf("生成缩略图失败: JobID=%s, 错误: %v", jobID, err)
		return ""
	}
	return path
}

func (c *Coordinator) begin(jobID string, req model.GenerationRequest) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Begin(jobID, req); err != nil {
		c.logger.Errorf("写入生成记录失败: JobID=%s, 错误: %v", jobID, err)
	}
}

func (c *Coordinator) finish(jobID string, result *model.GenerationResult, note model.JobNote, err error) {
	if c.recorder == nil {
		return
	}
	if recErr := c.recorder.Finish(jobID, result, note, err); recErr != nil {
		c.logger.Errorf("更新生成记录失败: JobID=%s, 错误: %v", jobID, recErr)
	}
}

// promote 把单侧成功的中间文件改名为最终文件，过期清理只删除中间文件
func promote(path string) (string, error) {
	if !model.IsPartFile(path) {
		return path, nil
	}
	final := model.FinalPath(path)
	if err := os.Rename(path, final); err != nil {
		return "", fmt.Errorf("保存单侧结果失败: %w", err)
	}
	return final, nil
}

func halfResult(path string, err error) model.HalfResult {
	if err != nil {
		return model.HalfResult{Err: err}
	}
	return model.HalfResult{Success: true, Path: path}
}
