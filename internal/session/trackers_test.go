package session

import (
	"errors"
	"testing"
	"time"
)

func TestKeepAliveTracker(t *testing.T) {
	var k keepAliveTracker
	now := time.Unix(1700000000, 0)

	id, ok := k.challenge(now)
	if !ok {
		t.Fatal("首次挑战应成功")
	}
	if id != now.UnixMilli() {
		t.Errorf("挑战 ID 应为毫秒时间戳，实际为 %d", id)
	}
	if _, ok := k.challenge(now.Add(time.Second)); ok {
		t.Error("存在未应答挑战时不应再次挑战")
	}

	if k.expired(now.Add(10*time.Second), 15*time.Second) {
		t.Error("未到超时时间不应过期")
	}
	if !k.expired(now.Add(16*time.Second), 15*time.Second) {
		t.Error("超过超时时间应过期")
	}

	if _, err := k.ack(id+1, now); !errors.Is(err, errUnexpectedKeepAlive) {
		t.Errorf("错误的 ID 应返回 errUnexpectedKeepAlive，实际为 %v", err)
	}
	rtt, err := k.ack(id, now.Add(40*time.Millisecond))
	if err != nil {
		t.Fatalf("正确的回显不应失败: %v", err)
	}
	if rtt != 40*time.Millisecond {
		t.Errorf("期望延迟 40ms，实际为 %v", rtt)
	}
	if _, err := k.ack(id, now); !errors.Is(err, errUnexpectedKeepAlive) {
		t.Error("重复回显应返回错误")
	}
	if k.expired(now.Add(time.Hour), time.Second) {
		t.Error("应答后不应过期")
	}
	if _, ok := k.challenge(now.Add(time.Second)); !ok {
		t.Error("应答后应允许新的挑战")
	}
}

func TestTeleportTracker(t *testing.T) {
	tr := newTeleportTracker()
	now := time.Now()

	a := tr.allocate(now)
	b := tr.allocate(now)
	if a == b {
		t.Fatalf("传送 ID 不应重复: %d", a)
	}
	if tr.pendingCount() != 2 {
		t.Errorf("期望 2 个待确认，实际为 %d", tr.pendingCount())
	}
	if !tr.confirm(a) {
		t.Error("已分配的 ID 应能确认")
	}
	if tr.confirm(a) {
		t.Error("同一 ID 不应确认两次")
	}
	if tr.confirm(b + 1) {
		t.Error("未分配的 ID 不应确认")
	}
	if tr.pendingCount() != 1 {
		t.Errorf("期望 1 个待确认，实际为 %d", tr.pendingCount())
	}
}

func TestTeleportTrackerBounded(t *testing.T) {
	tr := newTeleportTracker()
	now := time.Now()

	first := tr.allocate(now)
	for i := 0; i < maxPendingTeleports+10; i++ {
		tr.allocate(now)
	}
	if got := tr.pendingCount(); got != maxPendingTeleports {
		t.Errorf("待确认数应限制在 %d，实际为 %d", maxPendingTeleports, got)
	}
	if tr.confirm(first) {
		t.Error("最早的记录应已被丢弃")
	}
}
