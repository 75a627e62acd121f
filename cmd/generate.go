package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gpu-fusion/app/config"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"
	"gpu-fusion/app/server"

	"github.com/spf13/cobra"
)

var (
	genModel  string
	genPrompt string
	genImage  string
	genAudio  string
	genParams string
	genDual   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "执行一次视频生成",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := model.GenerationRequest{
			ModelType:  genModel,
			Prompt:     genPrompt,
			ImagePath:  genImage,
			AudioPath:  genAudio,
			UseDualGPU: genDual,
		}
		if genParams != "" {
			if err := json.Unmarshal([]byte(genParams), &req.Parameters); err != nil {
				return fmt.Errorf("解析 --params 失败: %w", err)
			}
		}

		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		components, err := server.Build(cfg, log)
		if err != nil {
			return err
		}
		defer components.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// 生成前探测一次，不启动周期检查
		if genDual {
			components.Tracker.Check(ctx)
		}

		result, err := components.Coordinator.Generate(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	generateCmd.Flags().StringVarP(&genModel, "model", "m", "T2V", "模型类型: T2V, I2V, TI2V, S2V")
	generateCmd.Flags().StringVarP(&genPrompt, "prompt", "p", "", "提示词")
	generateCmd.Flags().StringVar(&genImage, "image", "", "源图片路径")
	generateCmd.Flags().StringVar(&genAudio, "audio", "", "源音频路径")
	generateCmd.Flags().StringVar(&genParams, "params", "", "JSON 格式的附加参数")
	generateCmd.Flags().BoolVar(&genDual, "dual", false, "使用双 GPU")
	_ = generateCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(generateCmd)
}
