package gotun2vless

// icmp.go 实现本地 Echo 应答：收到 Echo 请求时就地交换源目地址、
// 改写类型并重算校验和，不经过隧道。其余 ICMP 类型一律丢弃。

import (
	"net"

	"github.com/robin/gotun2vless/internal/packet"
)

// echoReply 根据请求合成一个可写回 TUN 的 Echo 应答。
func echoReply(reqIP *packet.IPv4, req *packet.ICMP) *ipPacket {
	ip := packet.NewIPv4()
	icmp := packet.NewICMP()

	ip.Version = 4
	ip.Id = packet.IPID()
	ip.SrcIP = make(net.IP, len(reqIP.DstIP))
	copy(ip.SrcIP, reqIP.DstIP)
	ip.DstIP = make(net.IP, len(reqIP.SrcIP))
	copy(ip.DstIP, reqIP.SrcIP)
	ip.TTL = 64
	ip.Protocol = packet.IPProtocolICMP

	icmp.Type = packet.ICMPEchoReply
	icmp.Code = 0
	icmp.Id = req.Id
	icmp.Seq = req.Seq
	icmp.Payload = req.Payload

	pkt := &ipPacket{ip: ip}
	pkt.mtuBuf = newBuffer()

	payloadL := len(icmp.Payload)
	payloadStart := MTU - payloadL
	if payloadL != 0 {
		copy(pkt.mtuBuf[payloadStart:], icmp.Payload)
	}
	icmpHL := icmp.HeaderLength()
	icmpStart := payloadStart - icmpHL
	icmp.Serialize(pkt.mtuBuf[icmpStart:payloadStart], pkt.mtuBuf[payloadStart:MTU])
	ipHL := ip.HeaderLength()
	ipStart := icmpStart - ipHL
	ip.Serialize(pkt.mtuBuf[ipStart:icmpStart], icmpHL+payloadL)
	pkt.wire = pkt.mtuBuf[ipStart:]
	return pkt
}

// icmp 为 TUN 层入口，只应答 Echo 请求。应答属于合成包，不计入统计。
func (t2v *Tun2VLESS) icmp(ip *packet.IPv4, icmp *packet.ICMP) {
	if icmp.Type != packet.ICMPEchoRequest || icmp.Code != 0 {
		return
	}
	t2v.writeCh <- echoReply(ip, icmp)
}
