// Package tunnel 维护到中继的 VLESS-over-WebSocket 连接：负责拨号、
// TLS、请求头与首块数据合帧、响应头剥离以及有界的下行帧队列。
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2vless/internal/vless"
)

const (
	connectTimeout = 15 * time.Second
	writeTimeout   = 15 * time.Second
	readIdle       = 30 * time.Second
	pingInterval   = 20 * time.Second

	// inboundDepth/offerWait 约束下行队列：满队列时阻塞至多 offerWait，
	// 仍满则丢弃最新帧。
	inboundDepth = 1000
	offerWait    = 100 * time.Millisecond

	userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"
)

var (
	ErrClosed = errors.New("tunnel: closed")
)

// BypassFn 由宿主环境提供：对每个出站 socket 的 fd 调用，返回 true
// 表示平台路由会让该 socket 绕过 TUN。
type BypassFn func(fd uintptr) bool

// Config 描述一条隧道的中继参数，启动后不可变。
type Config struct {
	Server    string    `json:"server"`
	Port      uint16    `json:"port"`
	UUID      uuid.UUID `json:"uuid"`
	WSPath    string    `json:"ws_path"`
	WSHost    string    `json:"ws_host"`
	Security  string    `json:"security"`
	SNI       string    `json:"sni"`
	VerifyTLS bool      `json:"verify_tls"`
}

// Validate 在任何 I/O 之前检查配置的完整性。
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("tunnel: empty server")
	}
	if c.Port == 0 {
		return errors.New("tunnel: port must be 1-65535")
	}
	if c.UUID == (uuid.UUID{}) {
		return errors.New("tunnel: zero UUID")
	}
	if c.WSPath == "" || c.WSPath[0] != '/' {
		return fmt.Errorf("tunnel: ws path %q must begin with /", c.WSPath)
	}
	switch c.Security {
	case "none":
	case "tls":
		if c.SNI == "" {
			return errors.New("tunnel: security=tls requires sni")
		}
	default:
		return fmt.Errorf("tunnel: unknown security %q", c.Security)
	}
	return nil
}

// Tunnel 是单条 TCP flow 的中继连接。headerSent 保证 VLESS 请求头
// 在整个生命周期内至多发出一次，且先于任何宿主负载。
type Tunnel struct {
	conn *websocket.Conn

	dstHost string
	dstPort uint16
	header  []byte

	writeMu    sync.Mutex
	headerSent bool

	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// dialer 构造带 bypass 钩子的 WebSocket 拨号器。Control 在 socket
// 创建时拿到原始 fd，TLS 会话复用同一个 fd。
func dialer(cfg *Config, bypass BypassFn) *websocket.Dialer {
	nd := &net.Dialer{
		Timeout: connectTimeout,
		Control: func(network, address string, rc syscall.RawConn) error {
			if bypass == nil {
				return nil
			}
			return rc.Control(func(fd uintptr) {
				if !bypass(fd) {
					logrus.Warnf("bypass rejected fd %d for %s", fd, address)
				}
			})
		},
	}
	d := &websocket.Dialer{
		NetDialContext:   nd.DialContext,
		HandshakeTimeout: connectTimeout,
	}
	if cfg.Security == "tls" {
		d.TLSClientConfig = &tls.Config{
			ServerName:         cfg.SNI,
			InsecureSkipVerify: !cfg.VerifyTLS,
		}
	}
	return d
}

// Dial 建立到中继的 WebSocket 并准备好目的地为 dstHost:dstPort 的
// VLESS 请求头。earlyData 非空时请求头与其合并为一个二进制帧立即
// 发出；否则推迟到首次 Send，与首块数据合帧。
func Dial(ctx context.Context, cfg *Config, dstHost string, dstPort uint16, earlyData []byte, bypass BypassFn) (*Tunnel, error) {
	scheme := "ws"
	if cfg.Security == "tls" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", cfg.Server, cfg.Port), Path: cfg.WSPath}

	hdr := http.Header{}
	if cfg.WSHost != "" {
		hdr.Set("Host", cfg.WSHost)
	}
	hdr.Set("User-Agent", userAgent)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Pragma", "no-cache")

	conn, resp, err := dialer(cfg, bypass).DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("tunnel: websocket dial %s: %s: %w", u.String(), resp.Status, err)
		}
		return nil, fmt.Errorf("tunnel: websocket dial %s: %w", u.String(), err)
	}

	req, err := vless.BuildRequest(cfg.UUID, dstHost, dstPort)
	if err != nil {
		conn.Close()
		return nil, err
	}

	t := &Tunnel{
		conn:    conn,
		dstHost: dstHost,
		dstPort: dstPort,
		header:  req,
		inbound: make(chan []byte, inboundDepth),
		done:    make(chan struct{}),
	}

	if len(earlyData) != 0 {
		frame := make([]byte, 0, len(req)+len(earlyData))
		frame = append(frame, req...)
		frame = append(frame, earlyData...)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tunnel: request frame: %w", err)
		}
		t.headerSent = true
	}

	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

// Send 发送一块宿主数据。首次调用时把 VLESS 请求头并入同一帧。
func (t *Tunnel) Send(p []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	frame := p
	if !t.headerSent {
		frame = make([]byte, 0, len(t.header)+len(p))
		frame = append(frame, t.header...)
		frame = append(frame, p...)
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	t.headerSent = true
	return nil
}

// Recv 返回下行字节块通道。首个非空帧已剥离 VLESS 响应头；通道在
// 中继关闭、出错或 30 秒读空闲后关闭。
func (t *Tunnel) Recv() <-chan []byte {
	return t.inbound
}

// Done 在隧道进入 Closed 后关闭。
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// readLoop 持续读取下行帧，剥离首帧响应头并投入有界队列。
func (t *Tunnel) readLoop() {
	defer close(t.inbound)
	defer t.Close()

	stripped := false
	for {
		t.conn.SetReadDeadline(time.Now().Add(readIdle))
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("tunnel %s:%d read: %v", t.dstHost, t.dstPort, err)
			}
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if !stripped {
			data, err = vless.StripResponse(data)
			if err != nil {
				logrus.Warnf("tunnel %s:%d: %v", t.dstHost, t.dstPort, err)
				return
			}
			stripped = true
			if len(data) == 0 {
				continue
			}
		}
		if !t.offer(data) {
			logrus.Warnf("tunnel %s:%d inbound queue full, frame dropped", t.dstHost, t.dstPort)
		}
	}
}

// offer 尝试入队，满队列时最多阻塞 offerWait。
func (t *Tunnel) offer(data []byte) bool {
	select {
	case t.inbound <- data:
		return true
	default:
	}
	timer := time.NewTimer(offerWait)
	defer timer.Stop()
	select {
	case t.inbound <- data:
		return true
	case <-timer.C:
		return false
	case <-t.done:
		return false
	}
}

// pingLoop 周期性发送 ping，保持中继侧连接活跃。
func (t *Tunnel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.Close()
				return
			}
		case <-t.done:
			return
		}
	}
}

// Close 发起一次有序关闭（状态码 1000），可重复调用。
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		t.conn.Close()
	})
}
