package cmd

import (
	"encoding/json"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"
	"gpu-fusion/app/service"

	"github.com/spf13/cobra"
)

var gpuCmd = &cobra.Command{
	Use:   "gpu",
	Short: "查看 GPU 信息",
}

var gpuInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "本机与远程 GPU 概览",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		ctx := cmd.Context()
		remote := service.NewRemoteClient(cfg.Worker, cfg.Output.Dir, log.Named("remote"))
		defer remote.Close()
		probe := service.NewGPUProbe(cfg.Local, log)

		overview := model.GPUOverview{Local: probe.LocalGPUs(ctx)}
		if remote.CheckConnection(ctx) {
			if info, err := remote.GPUInfo(ctx); err == nil {
				overview.Remote = info
				overview.DualMode = true
			} else {
				log.Warnf("获取远程 GPU 信息失败: %v", err)
			}
		}

		cuda := model.CUDAOverview{Local: probe.LocalCUDA(ctx)}
		if overview.DualMode {
			if info, err := remote.CUDAInfo(ctx); err == nil {
				cuda.Remote = info
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"gpu": overview, "cuda": cuda})
	},
}

func init() {
	gpuCmd.AddCommand(gpuInfoCmd)
	rootCmd.AddCommand(gpuCmd)
}
