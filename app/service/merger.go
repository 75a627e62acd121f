package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gpu-fusion/app/logger"
)

// concatFilter 按输入顺序拼接两路视频流
const concatFilter = "[0:v][1:v]concat=n=2:v=1[outv]"

// Merger 使用 ffmpeg 拼接两个视频片段
type Merger struct {
	ffmpegPath string
	outputDir  string
	logger     *logger.Logger
}

func NewMerger(ffmpegPath, outputDir string, log *logger.Logger) *Merger {
	return &Merger{ffmpegPath: ffmpegPath, outputDir: outputDir, logger: log}
}

// Merge 把 first、second 依次拼接为一个新文件。
// 只有确认输出文件已写入后才删除两个输入；失败时输入保持不变。
func (m *Merger) Merge(ctx context.Context, first, second string) (string, error) {
	output := filepath.Join(m.outputDir, fmt.Sprintf("merged_%d.mp4", time.Now().UnixNano()))
	inputs := [2]string{first, second}

	if err := os.MkdirAll(m.outputDir, 0755); err != nil {
		return "", &MergeError{Inputs: inputs, Output: output, Err: err}
	}

	var stderr limitedBuffer
	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-i", first,
		"-i", second,
		"-filter_complex", concatFilter,
		"-map", "[outv]",
		output,
	)
	cmd.Stderr = &stderr

	m.logger.Infof("🎬 开始合并视频: %s + %s -> %s", first, second, output)
	startTime := time.Now()

	if err := cmd.Run(); err != nil {
		os.Remove(output)
		return "", &MergeError{Inputs: inputs, Output: output, Stderr: stderr.String(), Err: err}
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", &MergeError{Inputs: inputs, Output: output, Err: fmt.Errorf("合并输出不存在: %w", err)}
	}
	if info.Size() == 0 {
		os.Remove(output)
		return "", &MergeError{Inputs: inputs, Output: output, Err: errors.New("合并输出为空")}
	}

	// 清理中间文件
	for _, p := range inputs {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warnf("删除中间文件失败: %s, 错误: %v", p, err)
		}
	}

	m.logger.Infof("✅ 视频合并完成: %s, 耗时: %v", output, time.Since(startTime))
	return output, nil
}
