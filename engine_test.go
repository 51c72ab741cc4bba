package gotun2vless

// engine_test.go 提供引擎级测试的共用脚手架：内存 TUN、宿主侧
// 包构造器和一个基于 gorilla 的 mock 中继。

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/robin/gotun2vless/internal/packet"
	"github.com/robin/gotun2vless/internal/tunnel"
)

var testUUID = uuid.MustParse("86c50e3a-5b87-49dd-bd20-03c7f2735e40")

// fakeTun 是内存里的 TUN 设备：in 注入宿主发出的包，out 捕获引擎
// 写回的包。
type fakeTun struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTun() *fakeTun {
	return &fakeTun{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (ft *fakeTun) Read(p []byte) (int, error) {
	select {
	case pkt := <-ft.in:
		return copy(p, pkt), nil
	case <-ft.closed:
		return 0, io.EOF
	}
}

func (ft *fakeTun) Write(p []byte) (int, error) {
	dup := make([]byte, len(p))
	copy(dup, p)
	select {
	case ft.out <- dup:
	case <-ft.closed:
	}
	return len(p), nil
}

func (ft *fakeTun) Close() error {
	ft.once.Do(func() { close(ft.closed) })
	return nil
}

// inject 模拟宿主向 TUN 写入一个包。
func (ft *fakeTun) inject(pkt []byte) {
	ft.in <- pkt
}

// nextPacket 取引擎写回的下一个包。
func (ft *fakeTun) nextPacket(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-ft.out:
		return pkt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a TUN write")
		return nil
	}
}

// nextTCP 取下一个写回的包并按 TCP 解析。
func (ft *fakeTun) nextTCP(t *testing.T) (*packet.IPv4, *packet.TCP) {
	t.Helper()
	wire := ft.nextPacket(t)
	ip := &packet.IPv4{}
	if err := packet.ParseIPv4(wire, ip); err != nil {
		t.Fatalf("parse reply IP: %v", err)
	}
	if ip.Protocol != packet.IPProtocolTCP {
		t.Fatalf("reply protocol = %d, want TCP", ip.Protocol)
	}
	tcp := &packet.TCP{}
	if err := packet.ParseTCP(ip.Payload, tcp); err != nil {
		t.Fatalf("parse reply TCP: %v", err)
	}
	return ip, tcp
}

// hostTCP 构造一个宿主→远端方向的 IPv4/TCP 包。
func hostTCP(t *testing.T, src, dst net.IP, sport, dport uint16, seq, ack uint32, syn, ackf, fin, psh bool, payload []byte) []byte {
	t.Helper()
	ip := packet.NewIPv4()
	tcp := packet.NewTCP()
	ip.Version = 4
	ip.Id = packet.IPID()
	ip.TTL = 64
	ip.Protocol = packet.IPProtocolTCP
	ip.SrcIP = src
	ip.DstIP = dst
	tcp.SrcPort = sport
	tcp.DstPort = dport
	tcp.Seq = seq
	tcp.Ack = ack
	tcp.SYN = syn
	tcp.ACK = ackf
	tcp.FIN = fin
	tcp.PSH = psh
	tcp.Window = 65535
	tcp.Payload = payload

	buf := make([]byte, MTU)
	payloadStart := MTU - len(payload)
	copy(buf[payloadStart:], payload)
	tcpHL := tcp.HeaderLength()
	tcpStart := payloadStart - tcpHL
	pseudoStart := tcpStart - packet.IPv4_PSEUDO_LENGTH
	ip.PseudoHeader(buf[pseudoStart:tcpStart], packet.IPProtocolTCP, tcpHL+len(payload))
	tcp.Serialize(buf[tcpStart:payloadStart], buf[pseudoStart:])
	ipStart := tcpStart - ip.HeaderLength()
	ip.Serialize(buf[ipStart:tcpStart], tcpHL+len(payload))
	wire := make([]byte, MTU-ipStart)
	copy(wire, buf[ipStart:])
	packet.ReleaseIPv4(ip)
	packet.ReleaseTCP(tcp)
	return wire
}

// hostUDP 构造一个宿主→远端方向的 IPv4/UDP 包。
func hostUDP(t *testing.T, src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := packet.NewIPv4()
	udp := packet.NewUDP()
	ip.Version = 4
	ip.Id = packet.IPID()
	ip.TTL = 64
	ip.Protocol = packet.IPProtocolUDP
	ip.SrcIP = src
	ip.DstIP = dst
	udp.SrcPort = sport
	udp.DstPort = dport
	udp.Payload = payload

	buf := make([]byte, MTU)
	payloadStart := MTU - len(payload)
	copy(buf[payloadStart:], payload)
	udpStart := payloadStart - 8
	pseudoStart := udpStart - packet.IPv4_PSEUDO_LENGTH
	ip.PseudoHeader(buf[pseudoStart:udpStart], packet.IPProtocolUDP, 8+len(payload))
	udp.Serialize(buf[udpStart:payloadStart], buf[pseudoStart:payloadStart], payload)
	ipStart := udpStart - ip.HeaderLength()
	ip.Serialize(buf[ipStart:udpStart], 8+len(payload))
	wire := make([]byte, MTU-ipStart)
	copy(wire, buf[ipStart:])
	packet.ReleaseIPv4(ip)
	packet.ReleaseUDP(udp)
	return wire
}

// hostICMPEcho 构造一个 Echo 请求。
func hostICMPEcho(t *testing.T, src, dst net.IP, id, seq uint16, payload []byte) []byte {
	t.Helper()
	ip := packet.NewIPv4()
	icmp := packet.NewICMP()
	ip.Version = 4
	ip.Id = packet.IPID()
	ip.TTL = 64
	ip.Protocol = packet.IPProtocolICMP
	ip.SrcIP = src
	ip.DstIP = dst
	icmp.Type = packet.ICMPEchoRequest
	icmp.Id = id
	icmp.Seq = seq
	icmp.Payload = payload

	buf := make([]byte, MTU)
	payloadStart := MTU - len(payload)
	copy(buf[payloadStart:], payload)
	icmpStart := payloadStart - 8
	icmp.Serialize(buf[icmpStart:payloadStart], buf[payloadStart:])
	ipStart := icmpStart - ip.HeaderLength()
	ip.Serialize(buf[ipStart:icmpStart], 8+len(payload))
	wire := make([]byte, MTU-ipStart)
	copy(wire, buf[ipStart:])
	packet.ReleaseIPv4(ip)
	packet.ReleaseICMP(icmp)
	return wire
}

// testRelay 是回环上的 mock VLESS 中继。
type testRelay struct {
	srv     *httptest.Server
	cfg     *tunnel.Config
	frames  chan []byte
	replies chan []byte
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		frames:  make(chan []byte, 16),
		replies: make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for reply := range r.replies {
				conn.WriteMessage(websocket.BinaryMessage, reply)
			}
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				r.frames <- data
			}
		}
	}))
	t.Cleanup(r.srv.Close)

	host, portStr, err := net.SplitHostPort(r.srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	r.cfg = &tunnel.Config{
		Server:   host,
		Port:     uint16(port),
		UUID:     testUUID,
		WSPath:   "/",
		Security: "none",
	}
	return r
}

func (r *testRelay) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a relay frame")
		return nil
	}
}

// newTestEngine 启动一个接到 mock 中继的引擎。
func newTestEngine(t *testing.T, relay *testRelay) (*Tun2VLESS, *fakeTun) {
	t.Helper()
	ft := newFakeTun()
	cfg := relay.cfg
	t2v := New(ft, cfg, nil, nil, nil, false, false)
	if err := t2v.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(t2v.Stop)
	return t2v, ft
}
