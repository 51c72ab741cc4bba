package packet

// icmp.go 实现 ICMP 报文的解析与序列化，引擎只关心 Echo 请求/应答，
// 但编解码保留完整的 type/code/id/seq 字段。

import (
	"encoding/binary"
	"sync"
)

const (
	icmpHeaderLength = 8

	ICMPEchoReply   uint8 = 0
	ICMPEchoRequest uint8 = 8
)

// ICMP 表示一个已解析的 ICMP 报文，Id/Seq 仅对 Echo 类报文有意义。
type ICMP struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Id       uint16
	Seq      uint16
	Payload  []byte
}

var (
	icmpPool = &sync.Pool{
		New: func() interface{} {
			return &ICMP{}
		},
	}
)

// NewICMP 从池中取出一个干净的 ICMP 头部。
func NewICMP() *ICMP {
	ic := icmpPool.Get().(*ICMP)
	*ic = ICMP{}
	return ic
}

// ReleaseICMP 归还头部对象。
func ReleaseICMP(ic *ICMP) {
	if ic != nil {
		icmpPool.Put(ic)
	}
}

// HeaderLength 恒为 8。
func (ic *ICMP) HeaderLength() int {
	return icmpHeaderLength
}

// Serialize 将头部写入 hdr（8 字节），校验和覆盖头部与 payload。
// ICMP 校验和不含伪头部。
func (ic *ICMP) Serialize(hdr []byte, payload []byte) error {
	if len(hdr) != icmpHeaderLength {
		return ErrorFieldRange
	}
	hdr[0] = ic.Type
	hdr[1] = ic.Code
	hdr[2] = 0
	hdr[3] = 0
	binary.BigEndian.PutUint16(hdr[4:6], ic.Id)
	binary.BigEndian.PutUint16(hdr[6:8], ic.Seq)

	var sum uint32
	sum = checksumAdd(hdr, sum)
	sum = checksumAdd(payload, sum)
	ic.Checksum = checksumFold(sum)
	binary.BigEndian.PutUint16(hdr[2:4], ic.Checksum)
	return nil
}

// ParseICMP 解析 data（IP 载荷）到 ic。
func ParseICMP(data []byte, ic *ICMP) error {
	if len(data) < icmpHeaderLength {
		return ErrorTooShort
	}
	ic.Type = data[0]
	ic.Code = data[1]
	ic.Checksum = binary.BigEndian.Uint16(data[2:4])
	ic.Id = binary.BigEndian.Uint16(data[4:6])
	ic.Seq = binary.BigEndian.Uint16(data[6:8])
	ic.Payload = data[icmpHeaderLength:]
	return nil
}
