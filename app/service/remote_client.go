package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"

	"github.com/patrickmn/go-cache"
	"resty.dev/v3"
)

const (
	// requestTimeout 提交与状态查询的单次请求超时
	requestTimeout = 30 * time.Second

	cacheKeyGPUInfo  = "gpu_info"
	cacheKeyCUDAInfo = "cuda_info"
)

// RemoteClient 远程 GPU 工作节点 HTTP 客户端
type RemoteClient struct {
	client        *resty.Client
	logger        *logger.Logger
	outputDir     string
	pollInterval  time.Duration
	maxWait       time.Duration
	healthTimeout time.Duration
	infoCache     *cache.Cache
}

// NewRemoteClient 创建远程工作节点客户端
func NewRemoteClient(cfg config.WorkerConfig, outputDir string, log *logger.Logger) *RemoteClient {
	client := resty.New()
	client.SetBaseURL(cfg.URL)
	client.SetHeader("Accept", "application/json")

	ttl := cfg.InfoCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	return &RemoteClient{
		client:        client,
		logger:        log,
		outputDir:     outputDir,
		pollInterval:  cfg.PollInterval,
		maxWait:       cfg.MaxWait,
		healthTimeout: cfg.HealthTimeout,
		infoCache:     cache.New(ttl, time.Minute),
	}
}

// Close 释放底层连接
func (c *RemoteClient) Close() error {
	return c.client.Close()
}

// Submit 提交任务，立即返回任务 ID，不等待任务完成
func (c *RemoteClient) Submit(ctx context.Context, req model.GenerationRequest) (string, error) {
	taskID := NewTaskID()
	payload := model.NewSubmitPayload(taskID, req)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/task/submit")
	if err != nil {
		return "", &SubmissionError{TaskID: taskID, Err: err}
	}
	if !isSuccess(resp.StatusCode()) {
		return "", &SubmissionError{TaskID: taskID, StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	c.logger.Infof("远程任务已提交: TaskID=%s, Model=%s", taskID, req.ModelType)
	return taskID, nil
}

// PollStatus 查询任务当前状态
func (c *RemoteClient) PollStatus(ctx context.Context, taskID string) (*model.RemoteTask, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var task model.RemoteTask
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&task).
		SetPathParam("id", taskID).
		Get("/task/status/{id}")
	if err != nil {
		return nil, fmt.Errorf("查询任务状态失败: %w", err)
	}
	if !isSuccess(resp.StatusCode()) {
		return nil, fmt.Errorf("查询任务状态失败，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	if task.TaskID == "" {
		task.TaskID = taskID
	}
	return &task, nil
}

// WaitForCompletion 每个轮询周期查询一次状态，直到任务结束或超过最长等待时间。
// 非终止状态会向 progress 发送一次进度事件；progress 为 nil 时不发送。
// 任务完成后把结果下载为输出目录中的 part_remote_<id>.mp4 并返回路径。
func (c *RemoteClient) WaitForCompletion(ctx context.Context, taskID string, progress chan<- model.Progress) (string, error) {
	timeout := time.NewTimer(c.maxWait)
	defer timeout.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		task, err := c.PollStatus(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// 查询失败时在下一个周期重试
			c.logger.Warnf("轮询远程任务失败: TaskID=%s, 错误: %v", taskID, err)
		case task.Status == model.TaskStatusCompleted:
			dst := filepath.Join(c.outputDir, model.PartPrefix+"remote_"+taskID+".mp4")
			if err := c.Download(ctx, taskID, dst); err != nil {
				return "", err
			}
			return dst, nil
		case task.Status == model.TaskStatusFailed:
			return "", &WorkerTaskError{TaskID: taskID, Reason: task.Error}
		default:
			if progress != nil {
				select {
				case progress <- model.Progress{TaskID: taskID, Progress: task.Progress, Message: task.Message}:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout.C:
			c.logger.Warnf("远程任务等待超时: TaskID=%s, 最长等待: %v", taskID, c.maxWait)
			return "", fmt.Errorf("%w: %s after %v", ErrRemoteTimeout, taskID, c.maxWait)
		case <-ticker.C:
		}
	}
}

// Download 下载任务结果视频到 dst，先写临时文件再重命名
func (c *RemoteClient) Download(ctx context.Context, taskID, dst string) (err error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("id", taskID).
		Get("/task/result/{id}")
	if err != nil {
		return fmt.Errorf("下载任务结果失败: %w", err)
	}
	body := resp.Body
	defer body.Close()

	if !isSuccess(resp.StatusCode()) {
		msg, _ := io.ReadAll(io.LimitReader(body, 1024))
		return fmt.Errorf("下载任务结果失败，状态码: %d, 响应: %s", resp.StatusCode(), string(msg))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("创建保存目录失败: %w", err)
	}

	tmp := dst + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmp)
		}
	}()

	startTime := time.Now()
	written, err := io.Copy(file, body)
	if err != nil {
		return fmt.Errorf("写入文件内容失败: %w", err)
	}
	if contentLength := resp.RawResponse.ContentLength; contentLength > 0 && written != contentLength {
		err = fmt.Errorf("下载不完整: 期望 %d bytes, 实际 %d bytes", contentLength, written)
		return err
	}
	if written == 0 {
		err = fmt.Errorf("下载的文件为空: %s", taskID)
		return err
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("刷新文件到磁盘失败: %w", err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("关闭文件失败: %w", err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("重命名文件失败: %w", err)
	}

	c.logger.Infof("远程结果下载完成: %s, 大小: %.2f MB, 耗时: %.2fs",
		dst, float64(written)/(1024*1024), time.Since(startTime).Seconds())
	return nil
}

// CheckConnection 探测工作节点根路径，任何 2xx 都视为可用
func (c *RemoteClient) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	resp, err := c.client.R().SetContext(ctx).Get("/")
	if err != nil {
		c.logger.Debugf("工作节点连通性检查失败: %v", err)
		return false
	}
	return isSuccess(resp.StatusCode())
}

// GPUInfo 获取工作节点 GPU 信息，结果短时间缓存
func (c *RemoteClient) GPUInfo(ctx context.Context) (*model.RemoteGPUInfo, error) {
	if v, ok := c.infoCache.Get(cacheKeyGPUInfo); ok {
		return v.(*model.RemoteGPUInfo), nil
	}

	var info model.RemoteGPUInfo
	if err := c.getJSON(ctx, "/gpu/info", &info); err != nil {
		return nil, err
	}
	c.infoCache.SetDefault(cacheKeyGPUInfo, &info)
	return &info, nil
}

// CUDAInfo 获取工作节点 CUDA 环境
func (c *RemoteClient) CUDAInfo(ctx context.Context) (*model.CUDAInfo, error) {
	if v, ok := c.infoCache.Get(cacheKeyCUDAInfo); ok {
		return v.(*model.CUDAInfo), nil
	}

	var info model.CUDAInfo
	if err := c.getJSON(ctx, "/gpu/cuda", &info); err != nil {
		return nil, err
	}
	info.Available = true
	info.Version = info.CUDAVersion
	c.infoCache.SetDefault(cacheKeyCUDAInfo, &info)
	return &info, nil
}

// ProbeGPUInfo 绕过缓存请求 /gpu/info，成功时刷新缓存
func (c *RemoteClient) ProbeGPUInfo(ctx context.Context, timeout time.Duration) (*model.RemoteGPUInfo, error) {
	var info model.RemoteGPUInfo
	if err := c.getJSONTimeout(ctx, "/gpu/info", &info, timeout); err != nil {
		return nil, err
	}
	c.infoCache.SetDefault(cacheKeyGPUInfo, &info)
	return &info, nil
}

func (c *RemoteClient) getJSON(ctx context.Context, path string, out any) error {
	return c.getJSONTimeout(ctx, path, out, requestTimeout)
}

func (c *RemoteClient) getJSONTimeout(ctx context.Context, path string, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.client.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	if !isSuccess(resp.StatusCode()) {
		return fmt.Errorf("请求 %s 失败，状态码: %d", path, resp.StatusCode())
	}
	return nil
}

// IsTimeout 判断远程失败是否为等待超时
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRemoteTimeout)
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
