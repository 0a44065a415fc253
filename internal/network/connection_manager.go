package network

import (
	"sync"
	"sync/atomic"
	"time"
)

// trackedConn 连接管理器可管理的连接
type trackedConn interface {
	LastActive() time.Time
	Close() error
}

// ConnectionManager 分片连接表
type ConnectionManager[C trackedConn] struct {
	// 使用分片锁减少锁竞争
	shards    []*connectionShard[C]
	shardMask uint64
	count     atomic.Int64
}

// connectionShard 连接分片
type connectionShard[C trackedConn] struct {
	mu          sync.RWMutex
	connections map[string]C
}

// NewConnectionManager 创建连接管理器，分片数向上取整为 2 的幂
func NewConnectionManager[C trackedConn](shardCount int) *ConnectionManager[C] {
	if shardCount <= 0 {
		shardCount = 16
	}

	actualShardCount := 1
	for actualShardCount < shardCount {
		actualShardCount <<= 1
	}

	shards := make([]*connectionShard[C], actualShardCount)
	for i := range shards {
		shards[i] = &connectionShard[C]{
			connections: make(map[string]C),
		}
	}

	return &ConnectionManager[C]{
		shards:    shards,
		shardMask: uint64(actualShardCount - 1),
	}
}

func (cm *ConnectionManager[C]) getShard(connID string) *connectionShard[C] {
	return cm.shards[fnv1aHash(connID)&cm.shardMask]
}

// Store 存储连接，重复 ID 覆盖旧值且不重复计数
func (cm *ConnectionManager[C]) Store(connID string, conn C) {
	shard := cm.getShard(connID)
	shard.mu.Lock()
	_, exists := shard.connections[connID]
	shard.connections[connID] = conn
	shard.mu.Unlock()
	if !exists {
		cm.count.Add(1)
	}
}

// Load 加载连接
func (cm *ConnectionManager[C]) Load(connID string) (C, bool) {
	shard := cm.getShard(connID)
	shard.mu.RLock()
	conn, exists := shard.connections[connID]
	shard.mu.RUnlock()
	return conn, exists
}

// Delete 删除连接
func (cm *ConnectionManager[C]) Delete(connID string) {
	shard := cm.getShard(connID)
	shard.mu.Lock()
	if _, exists := shard.connections[connID]; exists {
		delete(shard.connections, connID)
		cm.count.Add(-1)
	}
	shard.mu.Unlock()
}

// Count 获取连接数量
func (cm *ConnectionManager[C]) Count() int64 {
	return cm.count.Load()
}

// Snapshot 当前全部连接的副本
func (cm *ConnectionManager[C]) Snapshot() []C {
	out := make([]C, 0, cm.count.Load())
	for _, shard := range cm.shards {
		shard.mu.RLock()
		for _, conn := range shard.connections {
			out = append(out, conn)
		}
		shard.mu.RUnlock()
	}
	return out
}

// CleanupExpired 移除并关闭超过 maxIdleTime 未收到数据的连接。
// Close 在分片锁外调用，关闭回调可以安全地再次 Delete
func (cm *ConnectionManager[C]) CleanupExpired(maxIdleTime time.Duration) int {
	now := time.Now()
	var expired []C

	for _, shard := range cm.shards {
		shard.mu.Lock()
		for id, conn := range shard.connections {
			if now.Sub(conn.LastActive()) > maxIdleTime {
				delete(shard.connections, id)
				expired = append(expired, conn)
			}
		}
		shard.mu.Unlock()
	}

	cm.count.Add(int64(-len(expired)))
	for _, conn := range expired {
		conn.Close()
	}
	return len(expired)
}

// fnv1aHash FNV-1a 哈希函数
func fnv1aHash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}
