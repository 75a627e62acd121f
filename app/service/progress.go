package service

import (
	"sync"

	"gpu-fusion/app/model"
)

// ProgressHub 把远程任务进度广播给订阅者，慢订阅者会丢弃事件
type ProgressHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan model.Progress
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[int]chan model.Progress)}
}

// Subscribe 注册订阅者，返回事件通道和取消函数
func (h *ProgressHub) Subscribe(buffer int) (<-chan model.Progress, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.Progress, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish 发布事件，不阻塞
func (h *ProgressHub) Publish(p model.Progress) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Subscribers 当前订阅者数量
func (h *ProgressHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
