package gotun2vless

// pipe.go 实现 TCP flow 的宿主→隧道字节管道：SYN 之后、隧道就绪之前
// 到达的数据先停在这里，写满 64 KiB 后写端阻塞。

import (
	"bytes"
	"errors"
	"sync"
)

const (
	pipeLimit = 64 * 1024
)

var (
	errPipeClosed = errors.New("flow pipe closed")
)

// bytePipe 是一个有上限的内存字节队列。写端是 flow 事件循环，
// 读端是 host→tunnel 中继协程，关闭后两端都立即解除阻塞。
type bytePipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newBytePipe() *bytePipe {
	p := &bytePipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write 追加数据，缓冲达到上限时阻塞，直到读端腾出空间或管道关闭。
func (p *bytePipe) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.buf.Len() >= pipeLimit {
		p.cond.Wait()
	}
	if p.closed {
		return errPipeClosed
	}
	p.buf.Write(data)
	p.cond.Broadcast()
	return nil
}

// TryWrite 与 Write 相同，但缓冲已满时立即返回 false 而不阻塞。
func (p *bytePipe) TryWrite(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.buf.Len() >= pipeLimit {
		return false
	}
	p.buf.Write(data)
	p.cond.Broadcast()
	return true
}

// Read 取出至多 len(out) 字节，管道为空时阻塞。关闭且读空后返回错误。
func (p *bytePipe) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, errPipeClosed
	}
	n, _ := p.buf.Read(out)
	p.cond.Broadcast()
	return n, nil
}

// Len 返回当前滞留的字节数。
func (p *bytePipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// Close 关闭管道并唤醒所有等待者，滞留数据被丢弃。可重复调用。
func (p *bytePipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.buf.Reset()
	p.cond.Broadcast()
}
