package service

import (
	"context"
	"sync"
	"sync/atomic"

	"gpu-fusion/app/logger"

	"github.com/robfig/cron/v3"
)

// ConnectionChecker 能探测工作节点连通性的对象
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) bool
}

// ConnectivityTracker 维护“工作节点可用”标记。
// 写入方是周期性探测和守护进程健康检查，读取方是协调器。
type ConnectivityTracker struct {
	checker   ConnectionChecker
	logger    *logger.Logger
	schedule  string
	available atomic.Bool
	cron      *cron.Cron
	mu        sync.Mutex
}

// NewConnectivityTracker 创建连通性跟踪器，schedule 为 cron 表达式（如 @every 30s）
func NewConnectivityTracker(checker ConnectionChecker, schedule string, log *logger.Logger) *ConnectivityTracker {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &ConnectivityTracker{
		checker:  checker,
		logger:   log,
		schedule: schedule,
	}
}

// Available 工作节点当前是否被标记为可用
func (t *ConnectivityTracker) Available() bool {
	return t.available.Load()
}

// Set 直接设置可用标记
func (t *ConnectivityTracker) Set(available bool) {
	if old := t.available.Swap(available); old != available {
		if available {
			t.logger.Info("远程工作节点已连接")
		} else {
			t.logger.Warn("远程工作节点已断开")
		}
	}
}

// Check 立即探测一次并更新标记
func (t *ConnectivityTracker) Check(ctx context.Context) bool {
	ok := t.checker.CheckConnection(ctx)
	t.Set(ok)
	return ok
}

// Start 立即探测一次，然后按计划周期探测
func (t *ConnectivityTracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(t.schedule, func() {
		t.Check(context.Background())
	}); err != nil {
		return err
	}

	t.Check(context.Background())
	c.Start()
	t.cron = c

	t.logger.Infof("连通性检查已启动，计划: %s", t.schedule)
	return nil
}

// Stop 停止周期探测
func (t *ConnectivityTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron == nil {
		return
	}
	<-t.cron.Stop().Done()
	t.cron = nil
	t.logger.Info("连通性检查已停止")
}
