package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/service"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "管理远程 GPU 守护进程",
}

// newLifecycle 只创建守护进程管理所需的部分，不打开数据库
func newLifecycle() (*service.WorkerLifecycle, *service.RemoteClient, *logger.Logger) {
	cfg := config.Load()
	log := logger.New(cfg.Log)
	remote := service.NewRemoteClient(cfg.Worker, cfg.Output.Dir, log.Named("remote"))
	tracker := service.NewConnectivityTracker(remote, cfg.Worker.HealthInterval, log.Named("connectivity"))
	lifecycle := service.NewWorkerLifecycle(service.NewSSHRunner(cfg.SSH), remote, tracker, cfg.SSH, cfg.Worker.StatusTimeout, log.Named("lifecycle"))
	return lifecycle, remote, log
}

func workerAction(action func(ctx context.Context, w *service.WorkerLifecycle) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		lifecycle, remote, log := newLifecycle()
		defer log.Close()
		defer remote.Close()
		defer lifecycle.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		return action(ctx, lifecycle)
	}
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动守护进程",
	RunE: workerAction(func(ctx context.Context, w *service.WorkerLifecycle) error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		fmt.Println("远程守护进程已启动, PID:", w.PID())
		return nil
	}),
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止守护进程",
	RunE: workerAction(func(ctx context.Context, w *service.WorkerLifecycle) error {
		return w.Stop(ctx)
	}),
}

var workerRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "通过 systemd 重启守护进程",
	RunE: workerAction(func(ctx context.Context, w *service.WorkerLifecycle) error {
		return w.Restart(ctx)
	}),
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "查询守护进程状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerAction(func(ctx context.Context, w *service.WorkerLifecycle) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(w.CheckStatus(ctx))
		})(cmd, args)
	},
}

func init() {
	workerCmd.AddCommand(workerStartCmd, workerStopCmd, workerRestartCmd, workerStatusCmd)
	rootCmd.AddCommand(workerCmd)
}
