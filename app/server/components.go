package server

import (
	"fmt"

	"gpu-fusion/app/config"
	"gpu-fusion/app/database"
	"gpu-fusion/app/filewatcher"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/service"

	"go.uber.org/zap"
)

// Components 进程内共享的服务实例
type Components struct {
	Config      *config.Config
	Logger      *logger.Logger
	History     *service.JobHistory
	Remote      *service.RemoteClient
	Tracker     *service.ConnectivityTracker
	Local       *service.LocalExecutor
	Merger      *service.Merger
	Hub         *service.ProgressHub
	Lifecycle   *service.WorkerLifecycle
	Probe       *service.GPUProbe
	Coordinator *service.Coordinator
	Watcher     *filewatcher.ArtifactWatcher
}

// Build 按配置创建所有服务，不启动任何后台任务
func Build(cfg *config.Config, log *logger.Logger) (*Components, error) {
	db, err := database.Init(cfg.History, log)
	if err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}

	c := &Components{
		Config:  cfg,
		Logger:  log,
		History: service.NewJobHistory(db, cfg.History, log.Named("history")),
		Remote:  service.NewRemoteClient(cfg.Worker, cfg.Output.Dir, log.Named("remote")),
		Local:   service.NewLocalExecutor(cfg.Local, cfg.Output.Dir, log.Named("local")),
		Merger:  service.NewMerger(cfg.Merge.FFmpegPath, cfg.Output.Dir, log.Named("merge")),
		Hub:     service.NewProgressHub(),
		Probe:   service.NewGPUProbe(cfg.Local, log),
	}
	c.Tracker = service.NewConnectivityTracker(c.Remote, cfg.Worker.HealthInterval, log.Named("connectivity"))
	c.Lifecycle = service.NewWorkerLifecycle(
		service.NewSSHRunner(cfg.SSH),
		c.Remote,
		c.Tracker,
		cfg.SSH,
		cfg.Worker.StatusTimeout,
		log.Named("lifecycle").With(zap.String("host", cfg.SSH.Host)),
	)
	c.Coordinator = service.NewCoordinator(c.Remote, c.Local, c.Merger, c.Tracker, log.Named("coordinator"),
		service.WithProgressHub(c.Hub),
		service.WithRecorder(c.History),
		service.WithThumbnailer(service.NewThumbnailer(cfg.Output.Dir, cfg.Output.ThumbnailWidth)),
	)

	if cfg.Output.Watch {
		watcher, err := filewatcher.NewArtifactWatcher(cfg.Output.Dir, log.Named("artifacts"))
		if err != nil {
			return nil, err
		}
		c.Watcher = watcher
	}

	if _, err := c.History.RecoverInterrupted(); err != nil {
		log.Errorf("恢复中断的生成记录失败: %v", err)
	}
	return c, nil
}

// StartBackground 启动连通性检查、记录清理和输出目录监控
func (c *Components) StartBackground() error {
	if err := c.Tracker.Start(); err != nil {
		return fmt.Errorf("启动连通性检查失败: %w", err)
	}
	if err := c.History.Start(); err != nil {
		return err
	}
	if c.Watcher != nil {
		if err := c.Watcher.Start(); err != nil {
			return err
		}
		c.Watcher.StartCleanup(c.Config.Output.StaleAfter/4, c.Config.Output.StaleAfter)
	}
	return nil
}

// Close 停止后台任务并释放资源
func (c *Components) Close() {
	c.Lifecycle.Close()
	c.Tracker.Stop()
	c.History.Stop()
	if c.Watcher != nil {
		if err := c.Watcher.Stop(); err != nil {
			c.Logger.Errorf("停止输出目录监控失败: %v", err)
		}
	}
	if err := c.Remote.Close(); err != nil {
		c.Logger.Debugf("关闭 HTTP 客户端失败: %v", err)
	}
	if err := c.Local.Kill(); err != nil {
		c.Logger.Debugf("结束本地子进程失败: %v", err)
	}
	// 关闭数据库连接
	if err := database.Close(); err != nil {
		c.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
}
