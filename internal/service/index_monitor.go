package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/user/moviesearch/internal/catalog"
)

// IndexMonitor 定时检查已打开目录的向量索引，索引被删除后及时在日志中给出处理建议
type IndexMonitor struct {
	manager  *ConnectionManager
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewIndexMonitor 创建索引检查服务
func NewIndexMonitor(manager *ConnectionManager, interval time.Duration) *IndexMonitor {
	return &IndexMonitor{manager: manager, interval: interval, stop: make(chan struct{})}
}

// Start 启动定时检查任务，interval 不大于 0 时不启动
func (m *IndexMonitor) Start() {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckNow(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop 停止定时任务
func (m *IndexMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CheckNow 立即检查所有支持索引探测的连接，返回连接 ID 到检查结果的映射
func (m *IndexMonitor) CheckNow(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, conn := range m.manager.Connections() {
		checker, ok := conn.Store.(catalog.IndexChecker)
		if !ok {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := checker.CheckIndex(checkCtx)
		cancel()

		results[conn.ID] = err
		if err == nil {
			continue
		}
		var idx *catalog.IndexNotReadyError
		if errors.As(err, &idx) {
			log.Printf("[IndexMonitor] %s 向量索引不可用: %v。%s", conn.URL, err, idx.Guidance())
		} else {
			log.Printf("[IndexMonitor] %s 检查索引失败: %v", conn.URL, err)
		}
	}
	return results
}
