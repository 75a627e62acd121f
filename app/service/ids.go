package service

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idSeq atomic.Uint64

// NewTaskID 生成远程任务 ID：时间戳 + 进程内序号 + 随机串
// 同一毫秒内的并发调用由序号区分
func NewTaskID() string {
	return fmt.Sprintf("task_%d_%d_%s", time.Now().UnixMilli(), idSeq.Add(1), randomSuffix())
}

// NewLocalTaskID 生成本地任务 ID
func NewLocalTaskID() string {
	return fmt.Sprintf("local_%d_%d", time.Now().UnixMilli(), idSeq.Add(1))
}

// NewJobID 生成历史记录 ID
func NewJobID() string {
	return uuid.NewString()
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}
