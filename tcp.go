package gotun2vless

// tcp.go 负责维护从 TUN 接收的 TCP 流：对每条流模拟服务端 TCP
// 状态机（SYN-ACK、ACK、PSH+ACK 合成），并把负载经 VLESS 隧道
// 中继到远端。收到 SYN 即乐观应答，隧道在后台建立，期间到达的
// 宿主数据停在字节管道里。

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2vless/internal/packet"
	"github.com/robin/gotun2vless/internal/tunnel"
)

// tcpPacket 封装了 IP/TCP 头部及可复用的 MTU 级缓冲区，避免频繁分配。
type tcpPacket struct {
	ip     *packet.IPv4
	tcp    *packet.TCP
	mtuBuf []byte
	wire   []byte
}

type tcpState byte

const (
	// simplified server-side tcp states
	CLOSED      tcpState = 0x0
	SYN_RCVD    tcpState = 0x1
	ESTABLISHED tcpState = 0x2
	FIN_WAIT_1  tcpState = 0x3
	FIN_WAIT_2  tcpState = 0x4
	CLOSING     tcpState = 0x5
	LAST_ACK    tcpState = 0x6
	TIME_WAIT   tcpState = 0x7

	// MSS 为单个合成数据段的最大负载；窗口固定，不做流控。
	MSS       = MTU - 40
	tcpWindow = 65535
	mssOption = 1460

	tunnelConnectTimeout = 15 * time.Second
	flowIdleTimeout      = 5 * time.Minute
)

// connectResult 是后台隧道拨号的一次性结果。
type connectResult struct {
	tun *tunnel.Tunnel
	err error
}

// tcpConnTrack 追踪某条 TCP 流的状态，完成握手模拟与双向转发。
type tcpConnTrack struct {
	t2v *Tun2VLESS
	id  string

	input       chan *tcpPacket
	toTunCh     chan<- interface{}
	quitBySelf  chan bool
	quitByOther chan bool

	tun            *tunnel.Tunnel
	connectCh      chan connectResult
	connectCancel  context.CancelFunc
	connectStarted bool
	connectDone    bool
	connected      bool
	tunEOF         bool

	// pipe 缓冲宿主→隧道方向的字节，隧道未就绪时数据停在这里。
	pipe *bytePipe

	// tcp context
	state tcpState
	// sequence I should use to send next segment
	// also as ack I expect in next received segment
	nxtSeq uint32
	// sequence I want in next received segment
	rcvNxtSeq uint32
	// what I have acked
	lastAck uint32

	localIP    net.IP
	remoteIP   net.IP
	localPort  uint16
	remotePort uint16
}

var (
	// tcpPacketPool 复用 tcpPacket 对象，降低 GC 压力。
	tcpPacketPool = &sync.Pool{
		New: func() interface{} {
			return &tcpPacket{}
		},
	}
)

// tcpflagsString 用于日志输出，直观显示 TCP 标志位。
func tcpflagsString(tcp *packet.TCP) string {
	s := []string{}
	if tcp.SYN {
		s = append(s, "SYN")
	}
	if tcp.RST {
		s = append(s, "RST")
	}
	if tcp.FIN {
		s = append(s, "FIN")
	}
	if tcp.ACK {
		s = append(s, "ACK")
	}
	if tcp.PSH {
		s = append(s, "PSH")
	}
	if tcp.URG {
		s = append(s, "URG")
	}
	return strings.Join(s, ",")
}

func newTCPPacket() *tcpPacket {
	return tcpPacketPool.Get().(*tcpPacket)
}

// releaseTCPPacket 将 packet/header/buffer 归还各自的对象池。
func releaseTCPPacket(pkt *tcpPacket) {
	packet.ReleaseIPv4(pkt.ip)
	packet.ReleaseTCP(pkt.tcp)
	if pkt.mtuBuf != nil {
		releaseBuffer(pkt.mtuBuf)
	}
	pkt.ip = nil
	pkt.tcp = nil
	pkt.mtuBuf = nil
	pkt.wire = nil
	tcpPacketPool.Put(pkt)
}

// copyTCPPacket 对原始数据做深拷贝，使得后续字段调整互不影响。
func copyTCPPacket(raw []byte, ip *packet.IPv4, tcp *packet.TCP) *tcpPacket {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()
	pkt := newTCPPacket()

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
	packet.ParseTCP(iphdr.Payload, tcphdr)
	pkt.ip = iphdr
	pkt.tcp = tcphdr

	return pkt
}

// tcpConnID 以 4 元组标识流，作为连接追踪 map 的键。
func tcpConnID(ip *packet.IPv4, tcp *packet.TCP) string {
	return strings.Join([]string{
		ip.SrcIP.String(),
		fmt.Sprintf("%d", tcp.SrcPort),
		ip.DstIP.String(),
		fmt.Sprintf("%d", tcp.DstPort),
	}, "|")
}

// packTCP 根据头部与 payload 重建可直接写回 TUN 的 TCP frame。
func packTCP(ip *packet.IPv4, tcp *packet.TCP) *tcpPacket {
	pkt := newTCPPacket()
	pkt.ip = ip
	pkt.tcp = tcp

	buf := newBuffer()
	pkt.mtuBuf = buf

	payloadL := len(tcp.Payload)
	payloadStart := MTU - payloadL
	if payloadL != 0 {
		copy(pkt.mtuBuf[payloadStart:], tcp.Payload)
	}
	tcpHL := tcp.HeaderLength()
	tcpStart := payloadStart - tcpHL
	pseudoStart := tcpStart - packet.IPv4_PSEUDO_LENGTH
	ip.PseudoHeader(pkt.mtuBuf[pseudoStart:tcpStart], packet.IPProtocolTCP, tcpHL+payloadL)
	tcp.Serialize(pkt.mtuBuf[tcpStart:payloadStart], pkt.mtuBuf[pseudoStart:])
	ipHL := ip.HeaderLength()
	ipStart := tcpStart - ipHL
	ip.Serialize(pkt.mtuBuf[ipStart:tcpStart], tcpHL+payloadL)
	pkt.wire = pkt.mtuBuf[ipStart:]
	return pkt
}

// rst 根据 RFC 793 规则构造复位包，用于尽快终止无主连接。
func rst(srcIP net.IP, dstIP net.IP, srcPort uint16, dstPort uint16, seq uint32, ack uint32, payloadLen uint32) *tcpPacket {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.DstIP = srcIP
	iphdr.SrcIP = dstIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.DstPort = srcPort
	tcphdr.SrcPort = dstPort
	tcphdr.Window = tcpWindow
	tcphdr.RST = true
	tcphdr.ACK = true
	tcphdr.Seq = 0

	// RFC 793:
	// "If the incoming segment has an ACK field, the reset takes its sequence
	// number from the ACK field of the segment, otherwise the reset has
	// sequence number zero and the ACK field is set to the sum of the sequence
	// number and segment length of the incoming segment."
	tcphdr.Ack = seq + payloadLen
	if tcphdr.Ack == seq {
		tcphdr.Ack += 1
	}
	if ack != 0 {
		tcphdr.Seq = ack
	}
	return packTCP(iphdr, tcphdr)
}

// changeState 维护内部状态机，方便调试和条件判断。
func (tt *tcpConnTrack) changeState(nxt tcpState) {
	tt.state = nxt
}

// validAck 校验 ACK 是否与预期一致，避免乱序包污染状态。
func (tt *tcpConnTrack) validAck(pkt *tcpPacket) bool {
	return pkt.tcp.Ack == tt.nxtSeq
}

// validSeq 确保收到的序号是期望值，仅处理严格按序的流量。
func (tt *tcpConnTrack) validSeq(pkt *tcpPacket) bool {
	return pkt.tcp.Seq == tt.rcvNxtSeq
}

// send 向 TUN 写出数据，同时记录最后一次 ACK。
func (tt *tcpConnTrack) send(pkt *tcpPacket) {
	if pkt.tcp.ACK {
		tt.lastAck = pkt.tcp.Ack
	}
	tt.toTunCh <- pkt
}

// synthHeaders 生成一对方向为远端→宿主的头部骨架。
func (tt *tcpConnTrack) synthHeaders() (*packet.IPv4, *packet.TCP) {
	iphdr := packet.NewIPv4()
	tcphdr := packet.NewTCP()

	iphdr.Version = 4
	iphdr.Id = packet.IPID()
	iphdr.SrcIP = tt.remoteIP
	iphdr.DstIP = tt.localIP
	iphdr.TTL = 64
	iphdr.Protocol = packet.IPProtocolTCP

	tcphdr.SrcPort = tt.remotePort
	tcphdr.DstPort = tt.localPort
	tcphdr.Window = tcpWindow
	return iphdr, tcphdr
}

// synAck 立即应答 SYN，让宿主的 connect() 先于隧道就绪返回。
func (tt *tcpConnTrack) synAck() {
	iphdr, tcphdr := tt.synthHeaders()
	tcphdr.SYN = true
	tcphdr.ACK = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq
	tcphdr.Options = []packet.TCPOption{{Kind: 2, Length: 4, Data: []byte{mssOption >> 8, mssOption & 0xff}}}

	tt.send(packTCP(iphdr, tcphdr))
	// SYN counts 1 seq
	tt.nxtSeq += 1
}

// finAck 在远端关闭时向宿主发送 FIN，通知流结束。
func (tt *tcpConnTrack) finAck() {
	iphdr, tcphdr := tt.synthHeaders()
	tcphdr.FIN = true
	tcphdr.ACK = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq

	tt.send(packTCP(iphdr, tcphdr))
	// FIN counts 1 seq
	tt.nxtSeq += 1
}

// ack 发送纯 ACK，确认刚接受的宿主负载。
func (tt *tcpConnTrack) ack() {
	iphdr, tcphdr := tt.synthHeaders()
	tcphdr.ACK = true
	tcphdr.Seq = tt.nxtSeq
	tcphdr.Ack = tt.rcvNxtSeq

	tt.send(packTCP(iphdr, tcphdr))
}

// payload 把隧道下行数据拼成 PSH+ACK 推给宿主协议栈，超过 MSS 的
// 数据切成多段，序号按段推进。
func (tt *tcpConnTrack) payload(data []byte) {
	for len(data) > 0 {
		seg := data
		if len(seg) > MSS {
			seg = seg[:MSS]
		}
		data = data[len(seg):]

		iphdr, tcphdr := tt.synthHeaders()
		tcphdr.ACK = true
		tcphdr.PSH = true
		tcphdr.Seq = tt.nxtSeq
		tcphdr.Ack = tt.rcvNxtSeq
		tcphdr.Payload = seg

		tt.send(packTCP(iphdr, tcphdr))
		// adjust seq
		tt.nxtSeq = tt.nxtSeq + uint32(len(seg))
	}
}

// stateClosed 处理首个 SYN：随机 ISN、立即 SYN-ACK，并在后台对
// 远端目的地拨隧道。
func (tt *tcpConnTrack) stateClosed(syn *tcpPacket) (continu bool, release bool) {
	// context variables
	tt.rcvNxtSeq = syn.tcp.Seq + 1
	tt.nxtSeq = rand.Uint32()

	tt.synAck()
	tt.changeState(SYN_RCVD)

	ctx, cancel := context.WithTimeout(context.Background(), tunnelConnectTimeout)
	tt.connectCancel = cancel
	tt.connectStarted = true
	dst := tt.remoteIP.String()
	port := tt.remotePort
	go func() {
		tun, err := tunnel.Dial(ctx, tt.t2v.cfg, dst, port, nil, tt.t2v.bypass)
		tt.connectCh <- connectResult{tun: tun, err: err}
	}()
	return true, true
}

// acceptPayload 把宿主负载写入管道并确认。隧道未就绪且管道已满时
// 整段丢弃、不推进 ACK，等宿主重传。
func (tt *tcpConnTrack) acceptPayload(pkt *tcpPacket) {
	data := pkt.tcp.Payload
	if tt.connected {
		if err := tt.pipe.Write(data); err != nil {
			return
		}
	} else if !tt.pipe.TryWrite(data) {
		logrus.Debugf("flow %s: pipe full before tunnel ready, segment dropped", tt.id)
		return
	}
	tt.rcvNxtSeq += uint32(len(data))
	tt.ack()
}

// stateSynRcvd 期望宿主的握手 ACK，隧道可能尚未就绪。
func (tt *tcpConnTrack) stateSynRcvd(pkt *tcpPacket) (continu bool, release bool) {
	if !tt.validSeq(pkt) {
		if !pkt.tcp.RST {
			tt.ack()
		}
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}

	tt.changeState(ESTABLISHED)
	if len(pkt.tcp.Payload) != 0 {
		tt.acceptPayload(pkt)
	}
	return true, true
}

func (tt *tcpConnTrack) stateEstablished(pkt *tcpPacket) (continu bool, release bool) {
	// 若序列号不匹配，回 ACK 请求重传。
	if !tt.validSeq(pkt) {
		tt.ack()
		return true, true
	}
	// 有效 RST 直接终止。
	if pkt.tcp.RST {
		return false, true
	}
	// 非 ACK 报文忽略。
	if !pkt.tcp.ACK {
		return true, true
	}

	if len(pkt.tcp.Payload) != 0 {
		tt.acceptPayload(pkt)
	}
	if pkt.tcp.FIN {
		tt.rcvNxtSeq += 1
		tt.finAck()
		tt.changeState(LAST_ACK)
		tt.pipe.Close()
		if tt.tun != nil {
			tt.tun.Close()
		}
	}
	return true, true
}

func (tt *tcpConnTrack) stateFinWait1(pkt *tcpPacket) (continu bool, release bool) {
	if !tt.validSeq(pkt) {
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}

	if pkt.tcp.FIN {
		tt.rcvNxtSeq += 1
		tt.ack()
		if tt.validAck(pkt) {
			tt.changeState(TIME_WAIT)
			return false, true
		}
		tt.changeState(CLOSING)
		return true, true
	}
	tt.changeState(FIN_WAIT_2)
	return true, true
}

func (tt *tcpConnTrack) stateFinWait2(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK || !pkt.tcp.FIN {
		return true, true
	}
	tt.rcvNxtSeq += 1
	tt.ack()
	tt.changeState(TIME_WAIT)
	return false, true
}

func (tt *tcpConnTrack) stateClosing(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		return true, true
	}
	if pkt.tcp.RST {
		return false, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}
	tt.changeState(TIME_WAIT)
	return false, true
}

func (tt *tcpConnTrack) stateLastAck(pkt *tcpPacket) (continu bool, release bool) {
	if !(tt.validSeq(pkt) && tt.validAck(pkt)) {
		return true, true
	}
	if !pkt.tcp.ACK {
		return true, true
	}
	// connection ends
	tt.changeState(CLOSED)
	return false, true
}

// newPacket 将收到的数据放入流事件队列，若已退出则丢弃。
func (tt *tcpConnTrack) newPacket(pkt *tcpPacket) {
	select {
	case <-tt.quitByOther:
		releaseTCPPacket(pkt)
	case <-tt.quitBySelf:
		releaseTCPPacket(pkt)
	case tt.input <- pkt:
	}
}

// onConnect 处理后台拨号结果。失败时丢弃缓冲数据直接拆流，
// 不向宿主发 RST，让宿主自行超时。
func (tt *tcpConnTrack) onConnect(res connectResult) bool {
	tt.connectDone = true
	if res.err != nil {
		logrus.Infof("flow %s: tunnel connect failed: %v", tt.id, res.err)
		return false
	}
	tt.tun = res.tun
	tt.connected = true
	go tt.relayHostToTunnel()
	return true
}

// relayHostToTunnel 持续把管道里的宿主字节送进隧道。首次 Send 时
// 隧道层会把 VLESS 请求头并入同一帧。
func (tt *tcpConnTrack) relayHostToTunnel() {
	defer tt.pipe.Close()
	buf := make([]byte, MSS)
	for {
		n, err := tt.pipe.Read(buf)
		if err != nil {
			return
		}
		if err := tt.tun.Send(buf[:n]); err != nil {
			logrus.Debugf("flow %s: tunnel send: %v", tt.id, err)
			tt.tun.Close()
			return
		}
		tt.t2v.addBytesOut(uint64(n))
	}
}

// cleanup 释放隧道与管道。拨号仍在途时等它出结果，避免泄漏连接。
func (tt *tcpConnTrack) cleanup() {
	tt.pipe.Close()
	if tt.connectStarted && !tt.connectDone {
		tt.connectCancel()
		res := <-tt.connectCh
		tt.connectDone = true
		if res.tun != nil {
			res.tun.Close()
		}
	}
	if tt.tun != nil {
		tt.tun.Close()
	}
	if tt.connectCancel != nil {
		tt.connectCancel()
	}
}

// run 是单条流的事件循环，按当前 TCP 状态分发处理。
func (tt *tcpConnTrack) run() {
	for {
		var connectCh chan connectResult
		var tunRecvCh <-chan []byte
		if !tt.connectDone {
			connectCh = tt.connectCh
		} else if tt.connected && !tt.tunEOF {
			tunRecvCh = tt.tun.Recv()
		}
		timeout := time.NewTimer(flowIdleTimeout)

		select {
		case pkt := <-tt.input:
			var continu, release bool

			switch tt.state {
			case CLOSED:
				continu, release = tt.stateClosed(pkt)
			case SYN_RCVD:
				continu, release = tt.stateSynRcvd(pkt)
			case ESTABLISHED:
				continu, release = tt.stateEstablished(pkt)
			case FIN_WAIT_1:
				continu, release = tt.stateFinWait1(pkt)
			case FIN_WAIT_2:
				continu, release = tt.stateFinWait2(pkt)
			case CLOSING:
				continu, release = tt.stateClosing(pkt)
			case LAST_ACK:
				continu, release = tt.stateLastAck(pkt)
			}
			if release {
				releaseTCPPacket(pkt)
			}
			if !continu {
				tt.cleanup()
				close(tt.quitBySelf)
				tt.t2v.clearTCPConnTrack(tt.id)
				timeout.Stop()
				return
			}

		case res := <-connectCh:
			if !tt.onConnect(res) {
				tt.cleanup()
				close(tt.quitBySelf)
				tt.t2v.clearTCPConnTrack(tt.id)
				timeout.Stop()
				return
			}

		case data, ok := <-tunRecvCh:
			if !ok {
				// 远端流结束：向宿主发 FIN，走正常四次挥手。
				tt.tunEOF = true
				tt.pipe.Close()
				if tt.state == ESTABLISHED || tt.state == SYN_RCVD {
					tt.finAck()
					tt.changeState(FIN_WAIT_1)
				}
			} else {
				tt.payload(data)
				tt.t2v.addBytesIn(uint64(len(data)))
			}

		case <-timeout.C:
			tt.cleanup()
			close(tt.quitBySelf)
			tt.t2v.clearTCPConnTrack(tt.id)
			return

		case <-tt.quitByOther:
			// who closes this channel should be responsible to clear track map
			tt.cleanup()
			timeout.Stop()
			return
		}
		timeout.Stop()
	}
}

// createTCPConnTrack 根据首个 SYN 初始化追踪器，并异步运行状态机。
func (t2v *Tun2VLESS) createTCPConnTrack(id string, ip *packet.IPv4, tcp *packet.TCP) *tcpConnTrack {
	t2v.tcpConnTrackLock.Lock()
	defer t2v.tcpConnTrackLock.Unlock()

	track := &tcpConnTrack{
		t2v:         t2v,
		id:          id,
		toTunCh:     t2v.writeCh,
		input:       make(chan *tcpPacket, 10000),
		connectCh:   make(chan connectResult, 1),
		quitBySelf:  make(chan bool),
		quitByOther: make(chan bool),
		pipe:        newBytePipe(),

		localPort:  tcp.SrcPort,
		remotePort: tcp.DstPort,
		state:      CLOSED,
	}
	track.localIP = make(net.IP, len(ip.SrcIP))
	copy(track.localIP, ip.SrcIP)
	track.remoteIP = make(net.IP, len(ip.DstIP))
	copy(track.remoteIP, ip.DstIP)

	t2v.tcpConnTrackMap[id] = track
	go track.run()
	logrus.Debugf("tracking %d TCP flows", len(t2v.tcpConnTrackMap))
	return track
}

// getTCPConnTrack 查询是否已有对应 4 元组的流。
func (t2v *Tun2VLESS) getTCPConnTrack(id string) *tcpConnTrack {
	t2v.tcpConnTrackLock.Lock()
	defer t2v.tcpConnTrackLock.Unlock()

	return t2v.tcpConnTrackMap[id]
}

// clearTCPConnTrack 在流结束后移除追踪记录。
func (t2v *Tun2VLESS) clearTCPConnTrack(id string) {
	t2v.tcpConnTrackLock.Lock()
	defer t2v.tcpConnTrackLock.Unlock()

	delete(t2v.tcpConnTrackMap, id)
	logrus.Debugf("tracking %d TCP flows", len(t2v.tcpConnTrackMap))
}

// tcp 是 TUN 层入口，根据包信息选择已有流或新建追踪器。
func (t2v *Tun2VLESS) tcp(raw []byte, ip *packet.IPv4, tcp *packet.TCP) {
	connID := tcpConnID(ip, tcp)
	track := t2v.getTCPConnTrack(connID)
	if track != nil {
		pkt := copyTCPPacket(raw, ip, tcp)
		track.newPacket(pkt)
		return
	}
	// ignore RST, if there is no track of this connection
	if tcp.RST {
		return
	}
	// return a RST to non-SYN packet
	if !tcp.SYN || tcp.ACK {
		logrus.Debugf("orphan segment [%s][%s]", connID, tcpflagsString(tcp))
		resp := rst(ip.SrcIP, ip.DstIP, tcp.SrcPort, tcp.DstPort, tcp.Seq, tcp.Ack, uint32(len(tcp.Payload)))
		t2v.writeCh <- resp
		return
	}
	pkt := copyTCPPacket(raw, ip, tcp)
	track = t2v.createTCPConnTrack(connID, ip, tcp)
	track.newPacket(pkt)
}
