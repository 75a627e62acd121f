package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Thumbnailer 为带源图的请求生成缩略图
type Thumbnailer struct {
	outputDir string
	width     int
}

func NewThumbnailer(outputDir string, width int) *Thumbnailer {
	return &Thumbnailer{outputDir: outputDir, width: width}
}

// Make 按宽度等比缩放源图，保存为 <jobID>_thumb.jpg
func (t *Thumbnailer) Make(jobID, imagePath string) (string, error) {
	if t == nil || t.width <= 0 || imagePath == "" {
		return "", nil
	}

	src, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("打开源图失败: %w", err)
	}

	thumb := src
	if src.Bounds().Dx() > t.width {
		thumb = imaging.Resize(src, t.width, 0, imaging.Lanczos)
	}

	if err := os.MkdirAll(t.outputDir, 0755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}
	dst := filepath.Join(t.outputDir, strings.ReplaceAll(jobID, string(filepath.Separator), "_")+"_thumb.jpg")
	if err := imaging.Save(thumb, dst, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("保存缩略图失败: %w", err)
	}
	return dst, nil
}
