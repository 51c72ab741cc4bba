package gotun2vless

// udp.go 实现 UDP 数据通道：每个 4 元组对应一个绕过 TUN 的出站
// datagram socket，直接与目的端收发；空闲会话由 30 秒一轮的清扫
// 协程回收。DNS（端口 53）流量打诊断标签，可选响应缓存。

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2vless/internal/packet"
)

const (
	udpReadTimeout = 5 * time.Second
)

// udpPacket 保存 IP/UDP 头部以及复用的缓冲区，用于回写 TUN。
type udpPacket struct {
	ip     *packet.IPv4
	udp    *packet.UDP
	mtuBuf []byte
	wire   []byte
}

// udpConnTrack 维护一条 UDP 会话：按需创建、带空闲回收。
type udpConnTrack struct {
	t2v *Tun2VLESS
	id  string

	toTunCh     chan<- interface{}
	quitBySelf  chan bool
	quitByOther chan bool

	fromTunCh chan *udpPacket

	conn       *net.UDPConn
	remoteAddr *net.UDPAddr

	// lastActive 以 UnixNano 保存，清扫协程原子读取。
	lastActive int64

	localIP    net.IP
	remoteIP   net.IP
	localPort  uint16
	remotePort uint16
}

var (
	// udpPacketPool 复用 udpPacket，减轻 GC 压力。
	udpPacketPool = &sync.Pool{
		New: func() interface{} {
			return &udpPacket{}
		},
	}
)

// newUDPPacket 从对象池获取封装结构。
func newUDPPacket() *udpPacket {
	return udpPacketPool.Get().(*udpPacket)
}

// releaseUDPPacket 释放 packet/header/缓冲区。
func releaseUDPPacket(pkt *udpPacket) {
	packet.ReleaseIPv4(pkt.ip)
	packet.ReleaseUDP(pkt.udp)
	if pkt.mtuBuf != nil {
		releaseBuffer(pkt.mtuBuf)
	}
	pkt.ip = nil
	pkt.udp = nil
	pkt.mtuBuf = nil
	pkt.wire = nil
	udpPacketPool.Put(pkt)
}

// udpConnID 以 4 元组标识 UDP 会话。
func udpConnID(ip *packet.IPv4, udp *packet.UDP) string {
	return strings.Join([]string{
		ip.SrcIP.String(),
		fmt.Sprintf("%d", udp.SrcPort),
		ip.DstIP.String(),
		fmt.Sprintf("%d", udp.DstPort),
	}, "|")
}

// copyUDPPacket 深拷贝原始数据，避免并发修改冲突。
func copyUDPPacket(raw []byte, ip *packet.IPv4, udp *packet.UDP) *udpPacket {
	iphdr := packet.NewIPv4()
	udphdr := packet.NewUDP()
	pkt := newUDPPacket()

	// make a deep copy
	var buf []byte
	if len(raw) <= MTU {
		buf = newBuffer()
		pkt.mtuBuf = buf
	} else {
		buf = make([]byte, len(raw))
	}
	n := copy(buf, raw)
	pkt.wire = buf[:n]
	packet.ParseIPv4(pkt.wire, iphdr)
	packet.ParseUDP(iphdr.Payload, udphdr)
	pkt.ip = iphdr
	pkt.udp = udphdr

	return pkt
}

// responsePacket 根据请求元信息拼装响应包，必要时返回附加分片。
// 合成包的源是原目的地址，目的是原宿主地址。
func responsePacket(local net.IP, remote net.IP, lPort uint16, rPort uint16, respPayload []byte) (*udpPacket, []*ipPacket) {
	ipid := packet.IPID()

	ip := packet.NewIPv4()
	udp := packet.NewUDP()

	ip.Version = 4
	ip.Id = ipid
	ip.SrcIP = make(net.IP, len(remote))
	copy(ip.SrcIP, remote)
	ip.DstIP = make(net.IP, len(local))
	copy(ip.DstIP, local)
	ip.TTL = 64
	ip.Protocol = packet.IPProtocolUDP

	udp.SrcPort = rPort
	udp.DstPort = lPort
	udp.Payload = respPayload

	pkt := newUDPPacket()
	pkt.ip = ip
	pkt.udp = udp

	pkt.mtuBuf = newBuffer()
	payloadL := len(udp.Payload)
	payloadStart := MTU - payloadL
	// if payload too long, need fragment, only part of payload put to mtubuf[28:]
	if payloadL > MTU-28 {
		ip.Flags = 1
		payloadStart = 28
	}
	udpHL := 8
	udpStart := payloadStart - udpHL
	pseudoStart := udpStart - packet.IPv4_PSEUDO_LENGTH
	ip.PseudoHeader(pkt.mtuBuf[pseudoStart:udpStart], packet.IPProtocolUDP, udpHL+payloadL)
	// udp length and checksum count on full payload
	udp.Serialize(pkt.mtuBuf[udpStart:payloadStart], pkt.mtuBuf[pseudoStart:payloadStart], udp.Payload)
	if payloadL != 0 {
		copy(pkt.mtuBuf[payloadStart:], udp.Payload[:MTU-payloadStart])
	}
	ipHL := ip.HeaderLength()
	ipStart := udpStart - ipHL
	// ip length and checksum count on actual transmitting payload
	ip.Serialize(pkt.mtuBuf[ipStart:udpStart], udpHL+(MTU-payloadStart))
	pkt.wire = pkt.mtuBuf[ipStart:]

	if ip.Flags == 0 {
		return pkt, nil
	}
	// generate fragments
	frags := genFragments(ip, (MTU-20)/8, respPayload[MTU-28:])
	return pkt, frags
}

// touch 刷新活跃时间戳。
func (ut *udpConnTrack) touch() {
	atomic.StoreInt64(&ut.lastActive, time.Now().UnixNano())
}

// idleFor 返回距最近一次活动的时长。
func (ut *udpConnTrack) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&ut.lastActive)))
}

// send 将远端响应写回 TUN，包括潜在的 IP 分片。
func (ut *udpConnTrack) send(data []byte) {
	pkt, fragments := responsePacket(ut.localIP, ut.remoteIP, ut.localPort, ut.remotePort, data)
	ut.toTunCh <- pkt
	for _, frag := range fragments {
		ut.toTunCh <- frag
	}
}

// recvLoop 以 5 秒超时轮询出站 socket，把远端数据报包装后写回 TUN。
func (ut *udpConnTrack) recvLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ut.quitBySelf:
			return
		case <-ut.quitByOther:
			return
		default:
		}
		ut.conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, addr, err := ut.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if !addr.IP.Equal(ut.remoteAddr.IP) || addr.Port != ut.remoteAddr.Port {
			logrus.Debugf("udp %s: datagram from unexpected peer %s", ut.id, addr)
			continue
		}
		ut.touch()
		data := make([]byte, n)
		copy(data, buf[:n])
		ut.send(data)
		if ut.t2v.cache != nil && ut.t2v.isDNS(ut.remoteIP.String(), ut.remotePort) {
			ut.t2v.cache.store(data)
		}
	}
}

// run 维护 UDP 会话生命周期：建 socket、转发、按指示退出。
func (ut *udpConnTrack) run() {
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			bypass := ut.t2v.bypass
			if bypass == nil {
				return nil
			}
			return rc.Control(func(fd uintptr) {
				if !bypass(fd) {
					logrus.Warnf("bypass rejected udp fd %d", fd)
				}
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		logrus.Warnf("udp %s: bind failed: %v", ut.id, err)
		close(ut.quitBySelf)
		ut.t2v.clearUDPConnTrack(ut.id)
		return
	}
	ut.conn = pc.(*net.UDPConn)
	ut.remoteAddr = &net.UDPAddr{IP: ut.remoteIP, Port: int(ut.remotePort)}
	ut.touch()

	go ut.recvLoop()

	for {
		select {
		case pkt := <-ut.fromTunCh:
			_, err := ut.conn.WriteToUDP(pkt.udp.Payload, ut.remoteAddr)
			ut.touch()
			releaseUDPPacket(pkt)
			if err != nil {
				logrus.Debugf("udp %s: send failed: %v", ut.id, err)
				ut.conn.Close()
				close(ut.quitBySelf)
				ut.t2v.clearUDPConnTrack(ut.id)
				return
			}

		case <-ut.quitBySelf:
			ut.conn.Close()
			return

		case <-ut.quitByOther:
			ut.conn.Close()
			return
		}
	}
}

// newPacket 将 TUN 侧的 UDP 包交给会话循环，如果已退出则丢弃。
func (ut *udpConnTrack) newPacket(pkt *udpPacket) {
	select {
	case <-ut.quitByOther:
		releaseUDPPacket(pkt)
	case <-ut.quitBySelf:
		releaseUDPPacket(pkt)
	case ut.fromTunCh <- pkt:
	}
}

// clearUDPConnTrack 释放指定 UDP 会话的追踪记录。
func (t2v *Tun2VLESS) clearUDPConnTrack(id string) {
	t2v.udpConnTrackLock.Lock()
	defer t2v.udpConnTrackLock.Unlock()

	delete(t2v.udpConnTrackMap, id)
	logrus.Debugf("tracking %d UDP sessions", len(t2v.udpConnTrackMap))
}

// sweepUDP 清理空闲超过 60 秒的会话并关闭其出站 socket。
func (t2v *Tun2VLESS) sweepUDP() {
	now := time.Now()
	var expired []*udpConnTrack

	t2v.udpConnTrackLock.Lock()
	for id, track := range t2v.udpConnTrackMap {
		if track.idleFor(now) > udpIdleTimeout {
			delete(t2v.udpConnTrackMap, id)
			expired = append(expired, track)
		}
	}
	t2v.udpConnTrackLock.Unlock()

	for _, track := range expired {
		logrus.Debugf("udp %s: reaped after idle", track.id)
		close(track.quitByOther)
	}
}

// getUDPConnTrack 复用或新建 UDP 会话，按需启动 run 循环。
func (t2v *Tun2VLESS) getUDPConnTrack(id string, ip *packet.IPv4, udp *packet.UDP) *udpConnTrack {
	t2v.udpConnTrackLock.Lock()
	defer t2v.udpConnTrackLock.Unlock()

	track := t2v.udpConnTrackMap[id]
	if track != nil {
		return track
	}

	track = &udpConnTrack{
		t2v:         t2v,
		id:          id,
		toTunCh:     t2v.writeCh,
		fromTunCh:   make(chan *udpPacket, 100),
		quitBySelf:  make(chan bool),
		quitByOther: make(chan bool),

		localPort:  udp.SrcPort,
		remotePort: udp.DstPort,
	}
	track.localIP = make(net.IP, len(ip.SrcIP))
	copy(track.localIP, ip.SrcIP)
	track.remoteIP = make(net.IP, len(ip.DstIP))
	copy(track.remoteIP, ip.DstIP)
	track.touch()

	t2v.udpConnTrackMap[id] = track
	go track.run()
	logrus.Debugf("tracking %d UDP sessions", len(t2v.udpConnTrackMap))
	return track
}

// udp 为 TUN 侧入口，DNS 流量带诊断标签并包含缓存快捷路径。
func (t2v *Tun2VLESS) udp(raw []byte, ip *packet.IPv4, udp *packet.UDP) {
	var buf [1024]byte
	var done bool

	isDNS := t2v.isDNS(ip.DstIP.String(), udp.DstPort)
	if isDNS {
		logDNSQuery(ip, udp)
	}

	// first look at dns cache
	if t2v.cache != nil && isDNS {
		answer := t2v.cache.query(udp.Payload)
		if answer != nil {
			data, e := answer.PackBuffer(buf[:])
			if e == nil {
				resp, fragments := responsePacket(ip.SrcIP, ip.DstIP, udp.SrcPort, udp.DstPort, data)
				go func(first *udpPacket, frags []*ipPacket) {
					t2v.writeCh <- first
					for _, frag := range frags {
						t2v.writeCh <- frag
					}
				}(resp, fragments)
				done = true
			}
		}
	}

	// then open a udpConnTrack to forward
	if !done {
		connID := udpConnID(ip, udp)
		pkt := copyUDPPacket(raw, ip, udp)
		track := t2v.getUDPConnTrack(connID, ip, udp)
		track.newPacket(pkt)
	}
}
