package packet

// udp.go 实现 UDP 头部的解析与序列化。

import (
	"encoding/binary"
	"sync"
)

const (
	udpHeaderLength = 8
)

// UDP 表示一个已解析的 UDP 数据报。
type UDP struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Payload  []byte
}

var (
	udpPool = &sync.Pool{
		New: func() interface{} {
			return &UDP{}
		},
	}
)

// NewUDP 从池中取出一个干净的 UDP 头部。
func NewUDP() *UDP {
	u := udpPool.Get().(*UDP)
	*u = UDP{}
	return u
}

// ReleaseUDP 归还头部对象。
func ReleaseUDP(u *UDP) {
	if u != nil {
		udpPool.Put(u)
	}
}

// HeaderLength 恒为 8，UDP 无选项。
func (udp *UDP) HeaderLength() int {
	return udpHeaderLength
}

// Serialize 将头部写入 hdr（8 字节）。校验和覆盖伪头部、UDP 头与完整
// 载荷；分片场景下调用方传入的 payload 仍是完整报文。
func (udp *UDP) Serialize(hdr []byte, pseudoAndHdr []byte, payload []byte) error {
	if len(hdr) != udpHeaderLength {
		return ErrorFieldRange
	}
	binary.BigEndian.PutUint16(hdr[0:2], udp.SrcPort)
	binary.BigEndian.PutUint16(hdr[2:4], udp.DstPort)
	udp.Length = uint16(udpHeaderLength + len(payload))
	binary.BigEndian.PutUint16(hdr[4:6], udp.Length)
	hdr[6] = 0
	hdr[7] = 0

	var sum uint32
	sum = checksumAdd(pseudoAndHdr, sum)
	sum = checksumAdd(payload, sum)
	udp.Checksum = checksumFold(sum)
	if udp.Checksum == 0 {
		// all-zero checksum means "no checksum" on the wire
		udp.Checksum = 0xffff
	}
	binary.BigEndian.PutUint16(hdr[6:8], udp.Checksum)
	return nil
}

// ParseUDP 解析 data（IP 载荷）到 udp。
func ParseUDP(data []byte, udp *UDP) error {
	if len(data) < udpHeaderLength {
		return ErrorTooShort
	}
	udp.SrcPort = binary.BigEndian.Uint16(data[0:2])
	udp.DstPort = binary.BigEndian.Uint16(data[2:4])
	udp.Length = binary.BigEndian.Uint16(data[4:6])
	udp.Checksum = binary.BigEndian.Uint16(data[6:8])
	udp.Payload = data[udpHeaderLength:]
	return nil
}

// checksumAdd 对 data 做 16 位大端累加，不折返，供分段计算使用。
func checksumAdd(data []byte, sum uint32) uint32 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

// checksumFold 折返进位并取反。
func checksumFold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
