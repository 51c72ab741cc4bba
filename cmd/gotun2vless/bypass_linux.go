package main

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/robin/gotun2vless/internal/tunnel"
)

// bypassFn 返回基于 SO_MARK 的旁路实现：配合策略路由规则，带
// fwmark 的 socket 不会再被路由回 TUN。mark 为 0 时不做任何事。
func bypassFn(mark int) tunnel.BypassFn {
	if mark == 0 {
		return nil
	}
	return func(fd uintptr) bool {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
			logrus.Warnf("SO_MARK on fd %d: %v", fd, err)
			return false
		}
		return true
	}
}
