package pool

import (
	"sync"
)

// BufferPool 固定大小的读缓冲池
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool 创建缓冲区池
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
		size: size,
	}
}

// Get 获取缓冲区
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put 归还缓冲区，容量不符的直接丢弃
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

// FramePool 出站帧缓冲池。帧会经过加密，归还前清零
type FramePool struct {
	pool    sync.Pool
	maxKeep int
}

// NewFramePool 创建出站帧缓冲池，超过 maxKeep 容量的缓冲不回收
func NewFramePool(initial, maxKeep int) *FramePool {
	return &FramePool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, initial)
				return &buf
			},
		},
		maxKeep: maxKeep,
	}
}

// Get 获取长度为 0 的缓冲区
func (p *FramePool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put 归还缓冲区
func (p *FramePool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) > p.maxKeep {
		return
	}
	clear((*buf)[:cap(*buf)])
	p.pool.Put(buf)
}
