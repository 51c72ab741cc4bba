// Package vless 实现 VLESS v0 的请求/响应封帧：首个上行帧携带
// 版本、用户 UUID、命令与目的地址，首个下行帧带 2+N 字节响应前缀。
package vless

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/google/uuid"
)

const (
	Version = 0x00

	CmdTCP = 0x01
	CmdUDP = 0x02

	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x02
	AddrTypeIPv6   = 0x03

	// minRequestLength 是 IPv4 目的地址时的请求头长度。
	minRequestLength = 26
)

var (
	ErrResponseTooShort = errors.New("vless: response header truncated")
	ErrDomainTooLong    = errors.New("vless: domain name exceeds 255 bytes")
)

// ParseUUID 校验并解析带连字符的 UUID 文本。
func ParseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// BuildRequest 构造 VLESS v0 请求头。host 依次尝试 IPv4、IPv6、域名，
// IPv6 文本由 net.ParseIP 归一化（接受 :: 缩写）。
func BuildRequest(id uuid.UUID, host string, port uint16) ([]byte, error) {
	buf := make([]byte, 0, minRequestLength+len(host))
	buf = append(buf, Version)
	buf = append(buf, id[:]...)
	buf = append(buf, 0x00) // addon length
	buf = append(buf, CmdTCP)
	buf = binary.BigEndian.AppendUint16(buf, port)

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			buf = append(buf, AddrTypeIPv4)
			buf = append(buf, ip4...)
		} else {
			buf = append(buf, AddrTypeIPv6)
			buf = append(buf, ip.To16()...)
		}
		return buf, nil
	}
	if len(host) > 255 {
		return nil, ErrDomainTooLong
	}
	buf = append(buf, AddrTypeDomain)
	buf = append(buf, byte(len(host)))
	buf = append(buf, host...)
	return buf, nil
}

// StripResponse 从首个下行帧剥离响应头（版本 + addon 长度 + addon），
// 返回其后的负载。帧不足以容纳声明的 addon 时返回错误。
func StripResponse(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, ErrResponseTooShort
	}
	n := 2 + int(frame[1])
	if len(frame) < n {
		return nil, ErrResponseTooShort
	}
	return frame[n:], nil
}
