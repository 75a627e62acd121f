package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// CommandRunner 在工作节点主机上执行 shell 命令
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// GPUInfoProber 绕过缓存探测 /gpu/info
type GPUInfoProber interface {
	ProbeGPUInfo(ctx context.Context, timeout time.Duration) (*model.RemoteGPUInfo, error)
}

// AvailabilitySetter 可写的可用标记
type AvailabilitySetter interface {
	Set(available bool)
}

// SSHRunner 通过 SSH 执行命令
type SSHRunner struct {
	cfg config.SSHConfig
}

func NewSSHRunner(cfg config.SSHConfig) *SSHRunner {
	return &SSHRunner{cfg: cfg}
}

// Run 建立一次连接执行命令，返回合并后的标准输出和标准错误
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	clientConfig, err := r.clientConfig()
	if err != nil {
		return "", err
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("连接 %s 失败: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("SSH 握手失败: %w", err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	// ctx 结束时关闭连接以中断正在执行的命令
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("创建 SSH 会话失败: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), ctxErr
	}
	if err != nil {
		return string(out), fmt.Errorf("执行远程命令失败: %w", err)
	}
	return string(out), nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if r.cfg.KeyFile != "" {
		key, err := os.ReadFile(expandHome(r.cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("读取私钥失败: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("解析私钥失败: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auths = append(auths, ssh.Password(r.cfg.Password))
	}
	if len(auths) == 0 {
		return nil, errors.New("未配置 SSH 私钥或密码")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if r.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(expandHome(r.cfg.KnownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("加载 known_hosts 失败: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.cfg.ConnectTimeout,
	}, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// WorkerLifecycle 管理远程 GPU 守护进程的启动、停止和健康检查
type WorkerLifecycle struct {
	runner        CommandRunner
	prober        GPUInfoProber
	tracker       AvailabilitySetter
	cfg           config.SSHConfig
	statusTimeout time.Duration
	logger        *logger.Logger

	// wait 可在测试中替换
	wait func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	pid       string
	isRunning bool

	healthMu     sync.Mutex
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewWorkerLifecycle 创建守护进程管理器
func NewWorkerLifecycle(runner CommandRunner, prober GPUInfoProber, tracker AvailabilitySetter, cfg config.SSHConfig, statusTimeout time.Duration, log *logger.Logger) *WorkerLifecycle {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if statusTimeout <= 0 {
		statusTimeout = 3 * time.Second
	}
	return &WorkerLifecycle{
		runner:        runner,
		prober:        prober,
		tracker:       tracker,
		cfg:           cfg,
		statusTimeout: statusTimeout,
		logger:        log,
		wait:          sleepContext,
	}
}

// Start 启动守护进程。已在运行时直接返回；否则最多重试 MaxRetries 次，
// 每次先结束残留进程再后台启动，等待 2s+n*1s 后探测。
func (w *WorkerLifecycle) Start(ctx context.Context) error {
	if status := w.CheckStatus(ctx); status.Running {
		w.markRunning(true)
		w.startHealthCheck()
		w.logger.Info("远程守护进程已在运行")
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		w.killExisting(ctx)

		out, err := w.runner.Run(ctx, w.launchCommand())
		if err != nil {
			lastErr = err
			w.logger.Warnf("启动远程守护进程失败 (第 %d/%d 次): %v", attempt, w.cfg.MaxRetries, err)
		} else {
			w.mu.Lock()
			w.pid = strings.TrimSpace(out)
			w.mu.Unlock()

			if err := w.wait(ctx, 2*time.Second+time.Duration(attempt)*time.Second); err != nil {
				return err
			}

			status := w.CheckStatus(ctx)
			if status.Running {
				w.markRunning(true)
				w.startHealthCheck()
				w.logger.Infof("✅ 远程守护进程启动成功 (第 %d 次), PID=%s", attempt, w.PID())
				return nil
			}
			lastErr = errors.New(status.Error)
			w.logger.Warnf("远程守护进程未响应 (第 %d/%d 次): %s", attempt, w.cfg.MaxRetries, status.Error)
		}

		if attempt < w.cfg.MaxRetries {
			if err := w.wait(ctx, w.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}

	w.markRunning(false)
	return fmt.Errorf("%w: 启动守护进程失败，已重试 %d 次: %w", ErrWorkerUnavailable, w.cfg.MaxRetries, lastErr)
}

// Stop 停止健康检查并结束守护进程
func (w *WorkerLifecycle) Stop(ctx context.Context) error {
	w.stopHealthCheck()

	_, err := w.runner.Run(ctx, "pkill -f "+w.processPattern())

	w.mu.Lock()
	w.pid = ""
	w.mu.Unlock()
	w.markRunning(false)

	if err != nil {
		return fmt.Errorf("停止远程守护进程失败: %w", err)
	}
	w.logger.Info("远程守护进程已停止")
	return nil
}

// Restart 通过 systemd 重启守护进程
func (w *WorkerLifecycle) Restart(ctx context.Context) error {
	if w.cfg.ServiceUnit == "" {
		return errors.New("未配置 systemd 服务名")
	}
	if _, err := w.runner.Run(ctx, "sudo systemctl restart "+w.cfg.ServiceUnit); err != nil {
		return fmt.Errorf("重启远程守护进程失败: %w", err)
	}
	w.logger.Infof("远程守护进程已重启: %s", w.cfg.ServiceUnit)
	return nil
}

// CheckStatus 请求 /gpu/info 判断守护进程是否在运行
func (w *WorkerLifecycle) CheckStatus(ctx context.Context) model.WorkerStatus {
	info, err := w.prober.ProbeGPUInfo(ctx, w.statusTimeout)
	if err != nil {
		return model.WorkerStatus{Running: false, Error: classifyWorkerError(err, w.cfg.Host)}
	}
	return model.WorkerStatus{Running: true, PID: w.PID(), GPUInfo: info}
}

// Running 最近一次记录的运行状态
func (w *WorkerLifecycle) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

// PID 最近一次启动返回的进程号
func (w *WorkerLifecycle) PID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// Close 停止健康检查，不结束远程进程
func (w *WorkerLifecycle) Close() {
	w.stopHealthCheck()
}

func (w *WorkerLifecycle) launchCommand() string {
	return fmt.Sprintf("nohup python3 %s > %s 2>&1 & echo $!", w.cfg.WorkerScript, w.cfg.WorkerLog)
}

func (w *WorkerLifecycle) processPattern() string {
	return filepath.Base(w.cfg.WorkerScript)
}

func (w *WorkerLifecycle) killExisting(ctx context.Context) {
	// 进程可能不存在，忽略错误
	if _, err := w.runner.Run(ctx, fmt.Sprintf("pkill -f %s || true", w.processPattern())); err != nil {
		w.logger.Debugf("结束残留进程失败: %v", err)
	}
	_ = w.wait(ctx, 500*time.Millisecond)
}

func (w *WorkerLifecycle) markRunning(running bool) {
	w.mu.Lock()
	w.isRunning = running
	w.mu.Unlock()
	if w.tracker != nil {
		w.tracker.Set(running)
	}
}

func (w *WorkerLifecycle) startHealthCheck() {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()

	if w.healthCancel != nil {
		return
	}

	interval := w.cfg.HealthCheckEvery
	if interval <= 0 {
		interval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.healthCancel = cancel
	w.healthWg.Add(1)
	go func() {
		defer w.healthWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.healthCheckOnce(ctx)
			}
		}
	}()
}

func (w *WorkerLifecycle) healthCheckOnce(ctx context.Context) {
	status := w.CheckStatus(ctx)
	if ctx.Err() != nil {
		return
	}
	if !status.Running && w.Running() {
		w.logger.Warnf("⚠️ 远程守护进程无响应: %s", status.Error)
	}
	w.markRunning(status.Running)
}

func (w *WorkerLifecycle) stopHealthCheck() {
	w.healthMu.Lock()
	cancel := w.healthCancel
	w.healthCancel = nil
	w.healthMu.Unlock()

	if cancel != nil {
		cancel()
		w.healthWg.Wait()
	}
}

// classifyWorkerError 把探测错误归类为可读信息
func classifyWorkerError(err error, host string) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "Connection timeout - server may be starting up"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused - server not running"
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return fmt.Sprintf("Network unreachable - check connection to %s", host)
	default:
		return err.Error()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
