package gotun2vless

import (
	"bytes"
	"testing"
	"time"
)

func TestPipeReadWrite(t *testing.T) {
	p := newBytePipe()
	if err := p.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("read %q", buf[:n])
	}
}

func TestPipeTryWriteFull(t *testing.T) {
	p := newBytePipe()
	chunk := make([]byte, 16*1024)
	for i := 0; i < 4; i++ {
		if !p.TryWrite(chunk) {
			t.Fatalf("TryWrite %d rejected below the limit", i)
		}
	}
	if p.TryWrite([]byte{0x01}) {
		t.Fatal("TryWrite accepted beyond the limit")
	}
	if p.Len() != 64*1024 {
		t.Errorf("len = %d", p.Len())
	}
}

func TestPipeWriteBlocksUntilRead(t *testing.T) {
	p := newBytePipe()
	p.Write(make([]byte, pipeLimit))

	released := make(chan struct{})
	go func() {
		p.Write([]byte{0x01})
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("write did not block on a full pipe")
	case <-time.After(100 * time.Millisecond):
	}

	buf := make([]byte, 32*1024)
	p.Read(buf)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("write still blocked after space freed")
	}
}

func TestPipeCloseUnblocks(t *testing.T) {
	p := newBytePipe()
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, err := p.Read(buf)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	p.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("read succeeded on a closed empty pipe")
		}
	case <-time.After(time.Second):
		t.Fatal("read still blocked after close")
	}

	if err := p.Write([]byte{0x01}); err == nil {
		t.Error("write succeeded on a closed pipe")
	}
	// 重复关闭无副作用
	p.Close()
}
