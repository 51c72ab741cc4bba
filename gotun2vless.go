package gotun2vless

// gotun2vless 封装用户态 VPN 数据面的核心调度逻辑：读取 TUN 设备的
// 原始 IP 数据包，解析 TCP/UDP/ICMP 后交给各自的连接跟踪器处理，
// TCP flow 经 VLESS-over-WebSocket 隧道中继到远端，合成应答写回 TUN。

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2vless/internal/packet"
	"github.com/robin/gotun2vless/internal/tunnel"
)

const (
	// MTU 表示 TUN 设备每次可读写的最大包长，池化缓冲区同样基于该值。
	MTU = 1500

	udpSweepInterval = 30 * time.Second
	udpIdleTimeout   = 60 * time.Second
	statsInterval    = 1 * time.Second
)

// StatsSink 由宿主提供，接收聚合后的字节计数。bytesIn 为隧道→宿主
// 方向，bytesOut 为宿主→隧道方向，合成包不计入。
type StatsSink func(bytesIn, bytesOut uint64)

// Tun2VLESS 将 TUN 设备与远端 VLESS 中继绑定起来，负责维护
// TCP/UDP/ICMP 状态与生命周期。
type Tun2VLESS struct {
	dev    io.ReadWriteCloser
	cfg    *tunnel.Config
	bypass tunnel.BypassFn
	sink   StatsSink

	publicOnly bool

	// writerStopCh/writeCh 组成单一写出口，避免多个 goroutine 并发写设备。
	writerStopCh chan bool
	writeCh      chan interface{}

	tcpConnTrackLock sync.Mutex
	tcpConnTrackMap  map[string]*tcpConnTrack

	udpConnTrackLock sync.Mutex
	udpConnTrackMap  map[string]*udpConnTrack

	// frags 以 IPID 为 key 暂存重组中的分片，仅读循环访问。
	frags map[uint16]*ipPacket

	dnsServers []string
	cache      *dnsCache

	bytesIn  uint64
	bytesOut uint64

	started int32
	stopped int32
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New 初始化 Tun2VLESS。dev 的每次 Read/Write 对应一个完整 IPv4 包；
// bypass 会作用于隧道与 UDP 会话创建的所有出站 socket。
func New(dev io.ReadWriteCloser, cfg *tunnel.Config, bypass tunnel.BypassFn, sink StatsSink,
	dnsServers []string, publicOnly bool, enableDNSCache bool) *Tun2VLESS {
	t2v := &Tun2VLESS{
		dev:             dev,
		cfg:             cfg,
		bypass:          bypass,
		sink:            sink,
		publicOnly:      publicOnly,
		writerStopCh:    make(chan bool, 10),
		writeCh:         make(chan interface{}, 10000),
		tcpConnTrackMap: make(map[string]*tcpConnTrack),
		udpConnTrackMap: make(map[string]*udpConnTrack),
		frags:           make(map[uint16]*ipPacket),
		dnsServers:      dnsServers,
		stopCh:          make(chan struct{}),
	}
	if enableDNSCache {
		t2v.cache = &dnsCache{
			storage: make(map[string]*dnsCacheEntry),
		}
	}
	return t2v
}

// Start 校验配置并启动读写循环。重复调用只有第一次生效。
func (t2v *Tun2VLESS) Start() error {
	if err := t2v.cfg.Validate(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&t2v.started, 0, 1) {
		return nil
	}
	t2v.wg.Add(4)
	go t2v.writer()
	go t2v.reader()
	go t2v.udpSweeper()
	go t2v.statsLoop()
	return nil
}

// Stop 停止读写循环，依次通知 TCP/UDP 连接协程退出并关闭设备。
// 可重复调用。
func (t2v *Tun2VLESS) Stop() {
	if atomic.LoadInt32(&t2v.started) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&t2v.stopped, 0, 1) {
		return
	}
	close(t2v.stopCh)
	t2v.writerStopCh <- true
	t2v.dev.Close()

	t2v.tcpConnTrackLock.Lock()
	for _, track := range t2v.tcpConnTrackMap {
		close(track.quitByOther)
	}
	t2v.tcpConnTrackLock.Unlock()

	t2v.udpConnTrackLock.Lock()
	for _, track := range t2v.udpConnTrackMap {
		close(track.quitByOther)
	}
	t2v.udpConnTrackLock.Unlock()
	t2v.wg.Wait()
}

// writer 是唯一向 TUN 写包的协程，保证包边界不被并发写破坏。
func (t2v *Tun2VLESS) writer() {
	defer t2v.wg.Done()
	for {
		select {
		case pkt := <-t2v.writeCh:
			var err error
			switch p := pkt.(type) {
			case *tcpPacket:
				_, err = t2v.dev.Write(p.wire)
				releaseTCPPacket(p)
			case *udpPacket:
				_, err = t2v.dev.Write(p.wire)
				releaseUDPPacket(p)
			case *ipPacket:
				_, err = t2v.dev.Write(p.wire)
				releaseIPPacket(p)
			}
			if err != nil {
				logrus.Warnf("TUN write failed: %v", err)
			}
		case <-t2v.writerStopCh:
			logrus.Debug("quit gotun2vless writer")
			return
		}
	}
}

// reader 读取 TUN 并按协议分发。处理函数只入队不阻塞，读循环永远
// 不会卡在出站网络 I/O 上。
func (t2v *Tun2VLESS) reader() {
	defer t2v.wg.Done()

	var buf [MTU]byte
	var ip packet.IPv4
	var tcp packet.TCP
	var udp packet.UDP
	var icmp packet.ICMP

	for {
		n, e := t2v.dev.Read(buf[:])
		if e != nil {
			select {
			case <-t2v.stopCh:
			default:
				logrus.Warnf("read packet error: %v", e)
			}
			return
		}
		if n == 0 {
			continue
		}
		data := buf[:n]
		e = packet.ParseIPv4(data, &ip)
		if e != nil {
			// 非 IPv4 或畸形包静默丢弃
			logrus.Debugf("drop packet: %v", e)
			continue
		}
		if t2v.publicOnly {
			if !ip.DstIP.IsGlobalUnicast() {
				continue
			}
			if isPrivate(ip.DstIP) {
				continue
			}
		}

		if ip.Flags&0x1 != 0 || ip.FragOffset != 0 {
			// 简易片段重组，等待最后一个分片后再继续协议解析。
			last, pkt, raw := t2v.procFragment(&ip, data)
			if last {
				ip = *pkt
				data = raw
			} else {
				continue
			}
		}

		switch ip.Protocol {
		case packet.IPProtocolTCP:
			e = packet.ParseTCP(ip.Payload, &tcp)
			if e != nil {
				logrus.Debugf("drop TCP segment: %v", e)
				continue
			}
			t2v.tcp(data, &ip, &tcp)

		case packet.IPProtocolUDP:
			e = packet.ParseUDP(ip.Payload, &udp)
			if e != nil {
				logrus.Debugf("drop UDP datagram: %v", e)
				continue
			}
			t2v.udp(data, &ip, &udp)

		case packet.IPProtocolICMP:
			e = packet.ParseICMP(ip.Payload, &icmp)
			if e != nil {
				logrus.Debugf("drop ICMP message: %v", e)
				continue
			}
			t2v.icmp(&ip, &icmp)

		default:
			logrus.Debugf("unsupported protocol %d", ip.Protocol)
		}
	}
}

// udpSweeper 周期性清理空闲 UDP 会话。
func (t2v *Tun2VLESS) udpSweeper() {
	defer t2v.wg.Done()
	ticker := time.NewTicker(udpSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t2v.sweepUDP()
		case <-t2v.stopCh:
			return
		}
	}
}

// addBytesIn 记录隧道→宿主方向的字节数。
func (t2v *Tun2VLESS) addBytesIn(n uint64) {
	atomic.AddUint64(&t2v.bytesIn, n)
}

// addBytesOut 记录宿主→隧道方向的字节数。
func (t2v *Tun2VLESS) addBytesOut(n uint64) {
	atomic.AddUint64(&t2v.bytesOut, n)
}

// statsLoop 约每秒向 sink 推送一次计数，数值无变化时跳过。
func (t2v *Tun2VLESS) statsLoop() {
	defer t2v.wg.Done()
	if t2v.sink == nil {
		return
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	var lastIn, lastOut uint64
	for {
		select {
		case <-ticker.C:
			in := atomic.LoadUint64(&t2v.bytesIn)
			out := atomic.LoadUint64(&t2v.bytesOut)
			if in != lastIn || out != lastOut {
				lastIn, lastOut = in, out
				t2v.sink(in, out)
			}
		case <-t2v.stopCh:
			return
		}
	}
}
