package gotun2vless

// mtubuf.go 提供固定 MTU 大小的字节池，热路径上的包拷贝与序列化
// 均复用这里的缓冲区。

import (
	"sync"
)

var (
	bufPool = &sync.Pool{
		New: func() interface{} {
			return make([]byte, MTU)
		},
	}
)

// newBuffer 从池中取一块 MTU 大小的缓冲区。
func newBuffer() []byte {
	return bufPool.Get().([]byte)
}

// releaseBuffer 将缓冲区放回池中。
func releaseBuffer(buf []byte) {
	if buf != nil {
		bufPool.Put(buf)
	}
}
