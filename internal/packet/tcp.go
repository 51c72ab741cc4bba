package packet

// tcp.go 实现 TCP 头部的解析与序列化。序列化按引擎需要支持 MSS 选项，
// 解析端把所有选项原样保留但不参与状态机。

import (
	"encoding/binary"
	"sync"
)

const (
	minTCPHeaderLength = 20
)

// TCPOption 保存单个 TCP 选项（kind/length/data），NOP 与 EOL 的
// Length 为 0 且无数据。
type TCPOption struct {
	Kind   uint8
	Length uint8
	Data   []byte
}

// TCP 表示一个已解析的 TCP 段。
type TCP struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	FIN      bool
	SYN      bool
	RST      bool
	PSH      bool
	ACK      bool
	URG      bool
	ECE      bool
	CWR      bool
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []TCPOption
	Payload  []byte
}

var (
	tcpPool = &sync.Pool{
		New: func() interface{} {
			return &TCP{}
		},
	}
)

// NewTCP 从池中取出一个干净的 TCP 头部。
func NewTCP() *TCP {
	t := tcpPool.Get().(*TCP)
	*t = TCP{Options: t.Options[:0]}
	return t
}

// ReleaseTCP 归还头部对象。
func ReleaseTCP(t *TCP) {
	if t != nil {
		tcpPool.Put(t)
	}
}

// optionsLength 返回序列化选项所需字节数，按 4 字节对齐。
func (tcp *TCP) optionsLength() int {
	n := 0
	for _, opt := range tcp.Options {
		if opt.Kind == 0 || opt.Kind == 1 {
			n += 1
		} else {
			n += 2 + len(opt.Data)
		}
	}
	return (n + 3) &^ 3
}

// HeaderLength 返回头部（含选项与填充）的字节长度。
func (tcp *TCP) HeaderLength() int {
	return minTCPHeaderLength + tcp.optionsLength()
}

func (tcp *TCP) flagsByte() byte {
	var f byte
	if tcp.FIN {
		f |= 0x01
	}
	if tcp.SYN {
		f |= 0x02
	}
	if tcp.RST {
		f |= 0x04
	}
	if tcp.PSH {
		f |= 0x08
	}
	if tcp.ACK {
		f |= 0x10
	}
	if tcp.URG {
		f |= 0x20
	}
	return f
}

// Serialize 将头部写入 hdr，并基于 csum（伪头部+TCP 头+载荷的连续区域）
// 计算校验和。hdr 长度必须等于 HeaderLength()。
func (tcp *TCP) Serialize(hdr []byte, csum []byte) error {
	hl := tcp.HeaderLength()
	if len(hdr) != hl {
		return ErrorFieldRange
	}
	binary.BigEndian.PutUint16(hdr[0:2], tcp.SrcPort)
	binary.BigEndian.PutUint16(hdr[2:4], tcp.DstPort)
	binary.BigEndian.PutUint32(hdr[4:8], tcp.Seq)
	binary.BigEndian.PutUint32(hdr[8:12], tcp.Ack)
	hdr[12] = uint8(hl/4) << 4
	hdr[13] = tcp.flagsByte()
	if tcp.ECE {
		hdr[13] |= 0x40
	}
	if tcp.CWR {
		hdr[13] |= 0x80
	}
	binary.BigEndian.PutUint16(hdr[14:16], tcp.Window)
	hdr[16] = 0
	hdr[17] = 0
	binary.BigEndian.PutUint16(hdr[18:20], tcp.Urgent)
	i := minTCPHeaderLength
	for _, opt := range tcp.Options {
		hdr[i] = opt.Kind
		i++
		if opt.Kind != 0 && opt.Kind != 1 {
			hdr[i] = opt.Length
			i++
			i += copy(hdr[i:], opt.Data)
		}
	}
	for ; i < hl; i++ {
		// pad with EOL
		hdr[i] = 0
	}
	tcp.Checksum = Checksum(csum)
	binary.BigEndian.PutUint16(hdr[16:18], tcp.Checksum)
	return nil
}

// ParseTCP 解析 data（IP 载荷）到 tcp。长度不足 DataOffset 声称的
// 头部长度时返回错误。
func ParseTCP(data []byte, tcp *TCP) error {
	if len(data) < minTCPHeaderLength {
		return ErrorTooShort
	}
	hl := int(data[12]>>4) * 4
	if hl < minTCPHeaderLength || len(data) < hl {
		return ErrorTooShort
	}
	tcp.SrcPort = binary.BigEndian.Uint16(data[0:2])
	tcp.DstPort = binary.BigEndian.Uint16(data[2:4])
	tcp.Seq = binary.BigEndian.Uint32(data[4:8])
	tcp.Ack = binary.BigEndian.Uint32(data[8:12])
	flags := data[13]
	tcp.FIN = flags&0x01 != 0
	tcp.SYN = flags&0x02 != 0
	tcp.RST = flags&0x04 != 0
	tcp.PSH = flags&0x08 != 0
	tcp.ACK = flags&0x10 != 0
	tcp.URG = flags&0x20 != 0
	tcp.ECE = flags&0x40 != 0
	tcp.CWR = flags&0x80 != 0
	tcp.Window = binary.BigEndian.Uint16(data[14:16])
	tcp.Checksum = binary.BigEndian.Uint16(data[16:18])
	tcp.Urgent = binary.BigEndian.Uint16(data[18:20])
	tcp.Options = tcp.Options[:0]
	opts := data[minTCPHeaderLength:hl]
	for len(opts) > 0 {
		kind := opts[0]
		if kind == 0 {
			break
		}
		if kind == 1 {
			tcp.Options = append(tcp.Options, TCPOption{Kind: 1})
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		l := int(opts[1])
		if l < 2 || len(opts) < l {
			break
		}
		tcp.Options = append(tcp.Options, TCPOption{Kind: kind, Length: opts[1], Data: opts[2:l]})
		opts = opts[l:]
	}
	tcp.Payload = data[hl:]
	return nil
}
