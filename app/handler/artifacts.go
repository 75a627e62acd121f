package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"gpu-fusion/app/filewatcher"

	"github.com/gin-gonic/gin"
)

// ArtifactLister 输出文件索引
type ArtifactLister interface {
	List() []filewatcher.Artifact
}

// ArtifactHandler 输出文件处理器
type ArtifactHandler struct {
	lister    ArtifactLister
	outputDir string
}

// NewArtifactHandler lister 为 nil 时列表为空，下载仍可用
func NewArtifactHandler(lister ArtifactLister, outputDir string) *ArtifactHandler {
	return &ArtifactHandler{lister: lister, outputDir: outputDir}
}

// List 列出输出文件
func (h *ArtifactHandler) List(c *gin.Context) {
	list := []filewatcher.Artifact{}
	if h.lister != nil {
		list = h.lister.List()
	}
	kind := c.Query("kind")
	if kind != "" {
		filtered := list[:0]
		for _, a := range list {
			if a.Kind == kind {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	success(c, list, "success")
}

// Download 下载输出文件，只允许输出目录下的文件名
func (h *ArtifactHandler) Download(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	if name == "." || name == string(filepath.Separator) {
		fail(c, http.StatusBadRequest, "文件名无效")
		return
	}

	path := filepath.Join(h.outputDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		fail(c, http.StatusNotFound, "文件不存在")
		return
	}
	c.FileAttachment(path, name)
}
