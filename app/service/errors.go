package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWorkerUnavailable 远程工作节点不可用
	ErrWorkerUnavailable = errors.New("remote worker unavailable")
	// ErrRemoteTimeout 远程任务在最长等待时间内未结束
	ErrRemoteTimeout = errors.New("remote task timeout")
	// ErrBothFailed 远程与本地两侧都失败
	ErrBothFailed = errors.New("both GPU tasks failed")
)

// SubmissionError 远程任务提交失败
type SubmissionError struct {
	TaskID     string
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to submit remote task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("failed to submit remote task %s: status %d: %s", e.TaskID, e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// WorkerTaskError 工作节点报告任务失败
type WorkerTaskError struct {
	TaskID string
	Reason string
}

func (e *WorkerTaskError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "remote task failed"
	}
	return fmt.Sprintf("remote task %s failed: %s", e.TaskID, reason)
}

// LocalRunError 本地子进程以非零状态退出
type LocalRunError struct {
	TaskID   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *LocalRunError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "video generation failed"
	}
	return fmt.Sprintf("local task %s exited with code %d: %s", e.TaskID, e.ExitCode, msg)
}

func (e *LocalRunError) Unwrap() error { return e.Err }

// MergeError 视频合并失败，两个输入文件保留在磁盘上
type MergeError struct {
	Inputs [2]string
	Output string
	Stderr string
	Err    error
}

func (e *MergeError) Error() string {
	msg := fmt.Sprintf("failed to merge videos %s + %s", e.Inputs[0], e.Inputs[1])
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *MergeError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
