package session

import (
	"errors"
	"sync"
	"time"
)

var errUnexpectedKeepAlive = errors.New("unexpected keepalive response")

// keepAliveTracker 同一时刻最多一个未应答的心跳挑战
type keepAliveTracker struct {
	mu      sync.Mutex
	pending bool
	id      int64
	sentAt  time.Time
}

// challenge 没有未应答挑战时分配新的挑战 ID
func (k *keepAliveTracker) challenge(now time.Time) (int64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pending {
		return 0, false
	}
	k.pending = true
	k.id = now.UnixMilli()
	k.sentAt = now
	return k.id, true
}

// expired 未应答挑战是否已超过 timeout
func (k *keepAliveTracker) expired(now time.Time, timeout time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pending && now.Sub(k.sentAt) > timeout
}

// ack 校验客户端回显，返回往返延迟
func (k *keepAliveTracker) ack(id int64, now time.Time) (time.Duration, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.pending || id != k.id {
		return 0, errUnexpectedKeepAlive
	}
	k.pending = false
	return now.Sub(k.sentAt), nil
}

// maxPendingTeleports 未确认传送的上限，超出时丢弃最早的记录
const maxPendingTeleports = 64

// teleportTracker 记录已下发但未确认的传送 ID
type teleportTracker struct {
	mu      sync.Mutex
	next    int32
	pending map[int32]time.Time
	order   []int32
}

func newTeleportTracker() *teleportTracker {
	return &teleportTracker{pending: make(map[int32]time.Time)}
}

// allocate 分配一个新的传送 ID
func (t *teleportTracker) allocate(now time.Time) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.pending[id] = now
	t.order = append(t.order, id)
	for len(t.order) > maxPendingTeleports {
		delete(t.pending, t.order[0])
		t.order = t.order[1:]
	}
	return id
}

// confirm 确认传送，未知 ID 返回 false
func (t *teleportTracker) confirm(id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// pendingCount 未确认的传送数量
func (t *teleportTracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
