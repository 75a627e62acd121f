package server

import (
	"context"
	"fmt"
	"net/http"

	"gpu-fusion/app/auth"
	"gpu-fusion/app/config"
	"gpu-fusion/app/handler"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/middleware"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config     *config.Config
	Logger     *logger.Logger
	components *Components
	gin        *gin.Engine
	http       *http.Server
	generate   *handler.GenerateHandler
	cancel     context.CancelFunc
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger, components *Components) (*Server, error) {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:     cfg,
		Logger:     log,
		components: components,
		generate:   handler.NewGenerateHandler(ctx, components.Coordinator, log.Named("api")),
		cancel:     cancel,
	}

	// 设置路由
	if err := s.setupRoutes(); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

// Handler 返回路由，测试中配合 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动后台任务和 HTTP 服务
func (s *Server) Start() error {
	if err := s.components.StartBackground(); err != nil {
		return err
	}

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 取消正在执行的任务，停止 HTTP 服务和后台任务
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.cancel()
	s.generate.Wait()
	s.components.Close()
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() error {
	c := s.components
	jwtService := auth.NewJWTService(s.Config.JWT)

	authHandler, err := handler.NewAuthHandler(s.Config.Server, jwtService)
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}
	jobsHandler := handler.NewJobsHandler(c.History)
	progressHandler := handler.NewProgressHandler(c.Hub)
	workerHandler := handler.NewWorkerHandler(c.Lifecycle, c.Tracker)
	taskHandler := handler.NewRemoteTaskHandler(c.Remote, s.Config.Output.Dir)
	gpuHandler := handler.NewGPUHandler(c.Probe, c.Remote, c.Tracker, s.Logger.Named("api"))
	healthHandler := handler.NewHealthHandler(c.Tracker)

	var lister handler.ArtifactLister
	if c.Watcher != nil {
		lister = c.Watcher
	}
	artifactHandler := handler.NewArtifactHandler(lister, s.Config.Output.Dir)

	// API路由组
	api := s.gin.Group("/api")
	api.GET("/health", healthHandler.Health)

	// 认证相关路由（不需要JWT验证）
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(jwtService))
	{
		protected.GET("/me", authHandler.Me)

		protected.POST("/generate", s.generate.Generate)
		protected.GET("/progress", progressHandler.Stream)

		jobs := protected.Group("/jobs")
		{
			jobs.GET("", jobsHandler.List)
			jobs.GET("/stats", jobsHandler.Stats)
			jobs.GET("/current", s.generate.Current)
			jobs.POST("/current/cancel", s.generate.CancelCurrent)
			jobs.GET("/:id", jobsHandler.Get)
		}

		worker := protected.Group("/worker")
		{
			worker.GET("/status", workerHandler.Status)
			worker.POST("/start", workerHandler.Start)
			worker.POST("/stop", workerHandler.Stop)
			worker.POST("/restart", workerHandler.Restart)
			worker.POST("/check", workerHandler.Check)
			worker.GET("/tasks/:id", taskHandler.Status)
			worker.POST("/tasks/:id/download", taskHandler.Download)
		}

		gpu := protected.Group("/gpu")
		{
			gpu.GET("/info", gpuHandler.Info)
			gpu.GET("/cuda", gpuHandler.CUDA)
		}

		artifacts := protected.Group("/artifacts")
		{
			artifacts.GET("", artifactHandler.List)
			artifacts.GET("/:name", artifactHandler.Download)
		}
	}
	return nil
}
