package gotun2vless

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/robin/gotun2vless/internal/packet"
)

func TestICMPEchoReply(t *testing.T) {
	relay := newTestRelay(t)
	_, ft := newTestEngine(t, relay)

	src := net.ParseIP("10.0.0.2").To4()
	dst := net.ParseIP("8.8.8.8").To4()
	ft.inject(hostICMPEcho(t, src, dst, 7, 1, []byte{0xaa, 0xbb}))

	wire := ft.nextPacket(t)
	ip := &packet.IPv4{}
	if err := packet.ParseIPv4(wire, ip); err != nil {
		t.Fatal(err)
	}
	if ip.Protocol != packet.IPProtocolICMP {
		t.Fatalf("protocol = %d", ip.Protocol)
	}
	if !ip.SrcIP.Equal(dst) || !ip.DstIP.Equal(src) {
		t.Errorf("reply addressed %s->%s", ip.SrcIP, ip.DstIP)
	}
	// IP 头校验和验证
	if got := packet.Checksum(wire[:20]); got != 0 {
		t.Errorf("ip checksum verify = %#x", got)
	}

	icmp := &packet.ICMP{}
	if err := packet.ParseICMP(ip.Payload, icmp); err != nil {
		t.Fatal(err)
	}
	if icmp.Type != packet.ICMPEchoReply || icmp.Code != 0 {
		t.Errorf("type/code = %d/%d", icmp.Type, icmp.Code)
	}
	if icmp.Id != 7 || icmp.Seq != 1 {
		t.Errorf("id/seq = %d/%d", icmp.Id, icmp.Seq)
	}
	if !bytes.Equal(icmp.Payload, []byte{0xaa, 0xbb}) {
		t.Errorf("payload = % x", icmp.Payload)
	}
	// ICMP 校验和验证
	if got := packet.Checksum(ip.Payload); got != 0 {
		t.Errorf("icmp checksum verify = %#x", got)
	}
}

func TestNonEchoICMPDropped(t *testing.T) {
	relay := newTestRelay(t)
	_, ft := newTestEngine(t, relay)

	src := net.ParseIP("10.0.0.2").To4()
	dst := net.ParseIP("8.8.8.8").To4()
	pkt := hostICMPEcho(t, src, dst, 9, 1, nil)
	// rewrite type to destination-unreachable and fix the checksum
	off := 20
	pkt[off] = 3
	pkt[off+2] = 0
	pkt[off+3] = 0
	c := packet.Checksum(pkt[off:])
	pkt[off+2] = byte(c >> 8)
	pkt[off+3] = byte(c)
	ft.inject(pkt)

	select {
	case got := <-ft.out:
		t.Fatalf("unexpected TUN write: % x", got)
	case <-time.After(300 * time.Millisecond):
	}
}
