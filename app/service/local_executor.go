package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"
)

// maxCapturedOutput 每个输出流最多保留的字节数
const maxCapturedOutput = 64 * 1024

// LocalExecutor 本地推理子进程执行器
type LocalExecutor struct {
	pythonPath string
	scriptPath string
	outputDir  string
	logger     *logger.Logger

	mu      sync.Mutex
	current *exec.Cmd
	curTask string
}

// NewLocalExecutor 创建本地执行器
func NewLocalExecutor(cfg config.LocalConfig, outputDir string, log *logger.Logger) *LocalExecutor {
	return &LocalExecutor{
		pythonPath: cfg.PythonPath,
		scriptPath: cfg.ScriptPath,
		outputDir:  outputDir,
		logger:     log,
	}
}

// NewTask 创建本地任务，输出文件名按 local_<id>.mp4 约定
func (e *LocalExecutor) NewTask() model.LocalTask {
	return e.newTask("")
}

// NewPartTask 创建双路流程中的本地半程任务，输出为 part_local_<id>.mp4
func (e *LocalExecutor) NewPartTask() model.LocalTask {
	return e.newTask(model.PartPrefix)
}

func (e *LocalExecutor) newTask(prefix string) model.LocalTask {
	id := NewLocalTaskID()
	return model.LocalTask{
		ID:         id,
		OutputPath: filepath.Join(e.outputDir, prefix+id+".mp4"),
	}
}

// BuildArgs 构造推理脚本参数
func (e *LocalExecutor) BuildArgs(task model.LocalTask, req model.GenerationRequest) ([]string, error) {
	args := []string{
		e.scriptPath,
		"--model", req.ModelType,
		"--prompt", req.Prompt,
		"--output", task.OutputPath,
	}
	if req.ImagePath != "" {
		args = append(args, "--image", req.ImagePath)
	}
	if req.AudioPath != "" {
		args = append(args, "--audio", req.AudioPath)
	}
	if len(req.Parameters) > 0 {
		params, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, fmt.Errorf("序列化参数失败: %w", err)
		}
		args = append(args, "--params", string(params))
	}
	return args, nil
}

// Run 启动子进程并等待退出。退出码为 0 时返回约定的输出路径，
// 否则返回携带 stderr 的 LocalRunError。
func (e *LocalExecutor) Run(ctx context.Context, task model.LocalTask, req model.GenerationRequest) (string, error) {
	args, err := e.BuildArgs(task, req)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(task.OutputPath), 0755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.pythonPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("获取标准输出失败: %w", err)
	}
	var stderr limitedBuffer
	cmd.Stderr = &stderr

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return "", &LocalRunError{TaskID: task.ID, ExitCode: -1, Err: err, Stderr: err.Error()}
	}
	e.track(task.ID, cmd)
	defer e.untrack(cmd)

	e.logger.Infof("🚀 本地任务已启动: TaskID=%s, PID=%d", task.ID, cmd.Process.Pid)

	e.pipeLines(task.ID, stdout)
	waitErr := cmd.Wait()

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			waitErr = errors.Join(waitErr, ctx.Err())
		}
		e.logger.Warnf("❌ 本地任务失败: TaskID=%s, 退出码: %d, 耗时: %v", task.ID, exitCode, time.Since(startTime))
		return "", &LocalRunError{TaskID: task.ID, ExitCode: exitCode, Stderr: stderr.String(), Err: waitErr}
	}

	e.logger.Infof("✅ 本地任务完成: TaskID=%s, 输出: %s, 耗时: %v", task.ID, task.OutputPath, time.Since(startTime))
	return task.OutputPath, nil
}

// pipeLines 把子进程标准输出逐行写入调试日志
func (e *LocalExecutor) pipeLines(taskID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.logger.Debugf("[%s] %s", taskID, scanner.Text())
	}
	// 读取出错时丢弃剩余输出，避免子进程阻塞
	_, _ = io.Copy(io.Discard, r)
}

func (e *LocalExecutor) track(taskID string, cmd *exec.Cmd) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = cmd
	e.curTask = taskID
}

func (e *LocalExecutor) untrack(cmd *exec.Cmd) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == cmd {
		e.current = nil
		e.curTask = ""
	}
}

// Current 返回当前正在运行的本地任务 ID
func (e *LocalExecutor) Current() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.curTask, e.current != nil
}

// Kill 终止当前正在运行的子进程
func (e *LocalExecutor) Kill() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.Process == nil {
		return nil
	}
	e.logger.Warnf("终止本地任务: TaskID=%s", e.curTask)
	return e.current.Process.Kill()
}

// limitedBuffer 只保留最后 maxCapturedOutput 字节的缓冲区
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - maxCapturedOutput; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
