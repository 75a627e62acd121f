package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gpu-fusion/app/logger"
	"gpu-fusion/app/model"

	"github.com/fsnotify/fsnotify"
)

// Artifact 输出目录中的一个视频文件
type Artifact struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Kind    string    `json:"kind"` // merged, remote, local, part, other
}

// ArtifactWatcher 监控输出目录，维护已写完的视频文件索引
type ArtifactWatcher struct {
	dir        string
	extensions []string
	watcher    *fsnotify.Watcher
	logger     *logger.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	watching   bool
	mu         sync.RWMutex

	indexMu sync.RWMutex
	index   map[string]Artifact
	pending map[string]bool

	readyInterval time.Duration
	readyTimeout  time.Duration
}

// NewArtifactWatcher 创建输出目录监控器
func NewArtifactWatcher(dir string, log *logger.Logger) (*ArtifactWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &ArtifactWatcher{
		dir:           dir,
		extensions:    []string{".mp4"},
		watcher:       watcher,
		logger:        log,
		stopCh:        make(chan struct{}),
		index:         make(map[string]Artifact),
		pending:       make(map[string]bool),
		readyInterval: 500 * time.Millisecond,
		readyTimeout:  30 * time.Second,
	}, nil
}

// Start 启动监控，先同步扫描一遍已存在的文件
func (fw *ArtifactWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.watching {
		return fmt.Errorf("输出目录监控器已经在运行")
	}

	if err := os.MkdirAll(fw.dir, 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	if err := fw.watcher.Add(fw.dir); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	if err := fw.scan(); err != nil {
		fw.logger.Warnf("扫描输出目录失败: %v", err)
	}

	fw.watching = true
	fw.wg.Add(1)
	go fw.watchLoop()

	fw.logger.Infof("输出目录监控已启动: %s, 已索引 %d 个文件", fw.dir, fw.Count())
	return nil
}

// StartCleanup 按周期清理过期的中间文件，必须在 Start 之后调用
func (fw *ArtifactWatcher) StartCleanup(every, maxAge time.Duration) {
	if every <= 0 || maxAge <= 0 {
		return
	}

	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-fw.stopCh:
				return
			case now := <-ticker.C:
				if _, err := fw.CleanupStale(maxAge, now); err != nil {
					fw.logger.Errorf("清理过期中间文件失败: %v", err)
				}
			}
		}
	}()
}

// Stop 停止监控
func (fw *ArtifactWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.watching {
		fw.watcher.Close()
		return nil
	}

	close(fw.stopCh)
	fw.watcher.Close()
	fw.wg.Wait()
	fw.watching = false

	fw.logger.Info("输出目录监控已停止")
	return nil
}

// List 按修改时间倒序返回已索引的文件
func (fw *ArtifactWatcher) List() []Artifact {
	fw.indexMu.RLock()
	list := make([]Artifact, 0, len(fw.index))
	for _, a := range fw.index {
		list = append(list, a)
	}
	fw.indexMu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].ModTime.Equal(list[j].ModTime) {
			return list[i].Name < list[j].Name
		}
		return list[i].ModTime.After(list[j].ModTime)
	})
	return list
}

// Count 已索引的文件数量
func (fw *ArtifactWatcher) Count() int {
	fw.indexMu.RLock()
	defer fw.indexMu.RUnlock()
	return len(fw.index)
}

// CleanupStale 删除修改时间早于 now-maxAge 的双路中间文件（part_ 前缀），
// 返回给调用方的最终文件不受影响
func (fw *ArtifactWatcher) CleanupStale(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(fw.dir)
	if err != nil {
		return 0, fmt.Errorf("读取输出目录失败: %w", err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !model.IsPartFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(fw.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			fw.logger.Warnf("删除过期中间文件失败: %s, 错误: %v", path, err)
			continue
		}
		fw.forget(path)
		removed++
	}

	if removed > 0 {
		fw.logger.Infof("🧹 清理了 %d 个过期中间文件", removed)
	}
	return removed, nil
}

func (fw *ArtifactWatcher) scan() error {
	entries, err := os.ReadDir(fw.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !fw.shouldProcessFile(entry.Name()) {
			continue
		}
		fw.record(filepath.Join(fw.dir, entry.Name()))
	}
	return nil
}

// watchLoop 监控事件循环
func (fw *ArtifactWatcher) watchLoop() {
	defer fw.wg.Done()

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Errorf("输出目录监控错误: %v", err)

		case <-fw.stopCh:
			return
		}
	}
}

// handleEvent 处理文件系统事件
func (fw *ArtifactWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		fw.forget(event.Name)
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !fw.shouldProcessFile(event.Name) {
		return
	}

	fw.indexMu.Lock()
	if fw.pending[event.Name] {
		fw.indexMu.Unlock()
		return
	}
	fw.pending[event.Name] = true
	fw.indexMu.Unlock()

	// 等待写入完成，不阻塞事件循环
	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		defer func() {
			fw.indexMu.Lock()
			delete(fw.pending, event.Name)
			fw.indexMu.Unlock()
		}()

		if err := fw.waitForFileReady(event.Name); err != nil {
			fw.logger.Debugf("等待文件就绪失败: %s, 错误: %v", event.Name, err)
			return
		}
		fw.record(event.Name)
	}()
}

func (fw *ArtifactWatcher) record(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return
	}

	name := filepath.Base(path)
	fw.indexMu.Lock()
	fw.index[path] = Artifact{
		Name:    name,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Kind:    kindOf(name),
	}
	fw.indexMu.Unlock()
	fw.logger.Debugf("已索引输出文件: %s", path)
}

func (fw *ArtifactWatcher) forget(path string) {
	fw.indexMu.Lock()
	delete(fw.index, path)
	fw.indexMu.Unlock()
}

// shouldProcessFile 检查扩展名，忽略下载中的临时文件
func (fw *ArtifactWatcher) shouldProcessFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, allowedExt := range fw.extensions {
		if allowedExt == ext {
			return true
		}
	}
	return false
}

// waitForFileReady 等待文件大小稳定
func (fw *ArtifactWatcher) waitForFileReady(filePath string) error {
	timeout := time.After(fw.readyTimeout)

	var lastSize int64 = -1

	for {
		select {
		case <-fw.stopCh:
			return fmt.Errorf("监控器已停止")
		case <-timeout:
			return fmt.Errorf("等待文件就绪超时: %s", filePath)
		case <-time.After(fw.readyInterval):
			info, err := os.Stat(filePath)
			if err != nil {
				return fmt.Errorf("获取文件信息失败: %w", err)
			}

			currentSize := info.Size()
			if currentSize == lastSize && currentSize > 0 {
				// 文件大小没有变化，认为写入完成
				return nil
			}
			lastSize = currentSize
		}
	}
}

func kindOf(name string) string {
	switch {
	case model.IsPartFile(name):
		return "part"
	case strings.HasPrefix(name, "merged_"):
		return "merged"
	case strings.HasPrefix(name, "remote_"):
		return "remote"
	case strings.HasPrefix(name, "local_"):
		return "local"
	default:
		return "other"
	}
}
