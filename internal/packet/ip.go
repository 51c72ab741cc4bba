package packet

// ip.go 实现 IPv4 头部的解析与序列化，并提供 Internet 校验和、
// 伪头部以及 IPID 计数器等底层工具，供 TCP/UDP/ICMP 复用。

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

type IPProtocol uint8

const (
	IPProtocolICMP IPProtocol = 0x01
	IPProtocolTCP  IPProtocol = 0x06
	IPProtocolUDP  IPProtocol = 0x11

	// IPv4_PSEUDO_LENGTH 是 TCP/UDP 校验和所需伪头部的长度。
	IPv4_PSEUDO_LENGTH = 12

	minIPv4HeaderLength = 20
)

var (
	ErrorTooShort   = errors.New("packet too short")
	ErrorNotIPv4    = errors.New("not an IPv4 packet")
	ErrorFieldRange = errors.New("header field out of range")

	ipid uint32
)

// IPv4 表示一个已解析的 IPv4 头部。Options 只保留原始字节，序列化时不回写。
type IPv4 struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	Length     uint16
	Id         uint16
	Flags      uint8
	FragOffset uint16
	TTL        uint8
	Protocol   IPProtocol
	Checksum   uint16
	SrcIP      net.IP
	DstIP      net.IP
	Options    []byte
	Payload    []byte
}

var (
	// ipv4Pool 复用 IPv4 头部对象，降低解析热路径上的分配。
	ipv4Pool = &sync.Pool{
		New: func() interface{} {
			return &IPv4{}
		},
	}
)

// NewIPv4 从池中取出一个干净的 IPv4 头部。
func NewIPv4() *IPv4 {
	ip := ipv4Pool.Get().(*IPv4)
	*ip = IPv4{}
	return ip
}

// ReleaseIPv4 归还头部对象。调用后不得再访问其字段。
func ReleaseIPv4(ip *IPv4) {
	if ip != nil {
		ipv4Pool.Put(ip)
	}
}

// IPID 返回下一个 IP 标识字段，全局单调递增并自然回绕。
func IPID() uint16 {
	return uint16(atomic.AddUint32(&ipid, 1))
}

// Checksum 计算 RFC 1071 的反码和：16 位大端求和、奇数尾字节补零、
// 进位折返、最后取反。
func Checksum(data []byte) uint16 {
	return checksumFold(checksumAdd(data, 0))
}

// HeaderLength 返回头部的序列化长度。选项在发出时被丢弃，因此恒为 20。
func (ip *IPv4) HeaderLength() int {
	return minIPv4HeaderLength
}

// PseudoHeader 把 TCP/UDP 校验和所需的伪头部写入 buf（12 字节）。
func (ip *IPv4) PseudoHeader(buf []byte, proto IPProtocol, dataLen int) error {
	if len(buf) != IPv4_PSEUDO_LENGTH {
		return ErrorFieldRange
	}
	copy(buf[0:4], ip.SrcIP.To4())
	copy(buf[4:8], ip.DstIP.To4())
	buf[8] = 0
	buf[9] = byte(proto)
	binary.BigEndian.PutUint16(buf[10:12], uint16(dataLen))
	return nil
}

// Serialize 将头部写入 hdr（20 字节），dataLen 为头部之后的载荷长度。
// 校验和只覆盖头部自身。
func (ip *IPv4) Serialize(hdr []byte, dataLen int) error {
	if len(hdr) != minIPv4HeaderLength {
		return ErrorFieldRange
	}
	hdr[0] = (4 << 4) | uint8(minIPv4HeaderLength/4)
	hdr[1] = ip.TOS
	ip.Length = uint16(minIPv4HeaderLength + dataLen)
	binary.BigEndian.PutUint16(hdr[2:4], ip.Length)
	binary.BigEndian.PutUint16(hdr[4:6], ip.Id)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(ip.Flags)<<13|ip.FragOffset)
	hdr[8] = ip.TTL
	hdr[9] = byte(ip.Protocol)
	hdr[10] = 0
	hdr[11] = 0
	copy(hdr[12:16], ip.SrcIP.To4())
	copy(hdr[16:20], ip.DstIP.To4())
	ip.Checksum = Checksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], ip.Checksum)
	return nil
}

// ParseIPv4 解析原始包到 ip，Payload 直接引用 pkt 的切片，不做拷贝。
// 版本不为 4、IHL 越界或长度不足都会返回错误。
func ParseIPv4(pkt []byte, ip *IPv4) error {
	if len(pkt) < minIPv4HeaderLength {
		return ErrorTooShort
	}
	if pkt[0]>>4 != 4 {
		return ErrorNotIPv4
	}
	ihl := pkt[0] & 0x0f
	hl := int(ihl) * 4
	if ihl < 5 || len(pkt) < hl {
		return ErrorTooShort
	}
	ip.Version = 4
	ip.IHL = ihl
	ip.TOS = pkt[1]
	ip.Length = binary.BigEndian.Uint16(pkt[2:4])
	ip.Id = binary.BigEndian.Uint16(pkt[4:6])
	flagsFrag := binary.BigEndian.Uint16(pkt[6:8])
	ip.Flags = uint8(flagsFrag >> 13)
	ip.FragOffset = flagsFrag & 0x1fff
	ip.TTL = pkt[8]
	ip.Protocol = IPProtocol(pkt[9])
	ip.Checksum = binary.BigEndian.Uint16(pkt[10:12])
	ip.SrcIP = net.IPv4(pkt[12], pkt[13], pkt[14], pkt[15]).To4()
	ip.DstIP = net.IPv4(pkt[16], pkt[17], pkt[18], pkt[19]).To4()
	if hl > minIPv4HeaderLength {
		// 带选项的头部照常解析，选项本身跳过。
		ip.Options = pkt[minIPv4HeaderLength:hl]
	} else {
		ip.Options = nil
	}
	ip.Payload = pkt[hl:]
	return nil
}
