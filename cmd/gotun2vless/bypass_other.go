//go:build !linux

package main

import (
	"github.com/robin/gotun2vless/internal/tunnel"
)

// bypassFn 在非 Linux 平台上不可用，旁路交给宿主环境处理。
func bypassFn(mark int) tunnel.BypassFn {
	return nil
}
