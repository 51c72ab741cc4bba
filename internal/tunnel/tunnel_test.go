package tunnel

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/robin/gotun2vless/internal/vless"
)

var testUUID = uuid.MustParse("86c50e3a-5b87-49dd-bd20-03c7f2735e40")

// relay 捕获 mock 中继收到的帧，并允许测试主动下发帧。
type relay struct {
	srv     *httptest.Server
	cfg     *Config
	frames  chan []byte
	hosts   chan string
	conns   chan *websocket.Conn
	replies chan []byte
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{
		frames:  make(chan []byte, 16),
		hosts:   make(chan string, 16),
		conns:   make(chan *websocket.Conn, 16),
		replies: make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.hosts <- req.Host
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		r.conns <- conn
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
	r.cfg = &Config{
		Server:   host,
		Port:     uint16(port),
		UUID:     testUUID,
		WSPath:   "/",
		WSHost:   "relay.example.com",
		Security: "none",
	}
	return r
}

func recvFrame(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestDialSendsCustomHostHeader(t *testing.T) {
	r := newRelay(t)
	tun, err := Dial(context.Background(), r.cfg, "1.2.3.4", 80, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	if host := <-r.hosts; host != "relay.example.com" {
		t.Errorf("Host header = %q", host)
	}
}

func TestEarlyDataMergedWithHeader(t *testing.T) {
	r := newRelay(t)
	early := []byte("GET / HTTP/1.0\r\n\r\n")
	tun, err := Dial(context.Background(), r.cfg, "1.2.3.4", 80, early, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	want, _ := vless.BuildRequest(testUUID, "1.2.3.4", 80)
	want = append(want, early...)
	if got := recvFrame(t, r.frames); !bytes.Equal(got, want) {
		t.Errorf("first frame = % x\nwant % x", got, want)
	}
}

func TestHeaderDeferredToFirstSend(t *testing.T) {
	r := newRelay(t)
	tun, err := Dial(context.Background(), r.cfg, "example.com", 443, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	if err := tun.Send([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	hdr, _ := vless.BuildRequest(testUUID, "example.com", 443)
	want := append(append([]byte{}, hdr...), 'a', 'b', 'c')
	if got := recvFrame(t, r.frames); !bytes.Equal(got, want) {
		t.Errorf("first frame = % x\nwant % x", got, want)
	}

	// 请求头只出现一次
	if err := tun.Send([]byte("def")); err != nil {
		t.Fatal(err)
	}
	if got := recvFrame(t, r.frames); !bytes.Equal(got, []byte("def")) {
		t.Errorf("second frame = % x", got)
	}
}

func TestResponseHeaderStrippedFromFirstFrameOnly(t *testing.T) {
	r := newRelay(t)
	tun, err := Dial(context.Background(), r.cfg, "1.2.3.4", 80, []byte("x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()
	recvFrame(t, r.frames)

	r.replies <- []byte{0x00, 0x00, 0x48, 0x49, 0x21}
	r.replies <- []byte{0x00, 0x00, 0x21}

	if got := recvChunk(t, tun); !bytes.Equal(got, []byte("HI!")) {
		t.Errorf("first chunk = % x", got)
	}
	// 后续帧原样透传，不再剥离
	if got := recvChunk(t, tun); !bytes.Equal(got, []byte{0x00, 0x00, 0x21}) {
		t.Errorf("second chunk = % x", got)
	}
}

func recvChunk(t *testing.T, tun *Tunnel) []byte {
	t.Helper()
	select {
	case data, ok := <-tun.Recv():
		if !ok {
			t.Fatal("recv stream ended early")
		}
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for chunk")
		return nil
	}
}

func TestCloseIdempotent(t *testing.T) {
	r := newRelay(t)
	tun, err := Dial(context.Background(), r.cfg, "1.2.3.4", 80, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tun.Close()
	tun.Close()

	select {
	case <-tun.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after Close")
	}
	if err := tun.Send([]byte("late")); err == nil {
		t.Error("Send after Close succeeded")
	}
}

func TestRecvEndsOnRelayClose(t *testing.T) {
	r := newRelay(t)
	tun, err := Dial(context.Background(), r.cfg, "1.2.3.4", 80, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	// 升级后的连接已被 hijack，httptest 不再跟踪，只能直接关闭中继侧连接
	(<-r.conns).Close()
	select {
	case _, ok := <-tun.Recv():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(3 * time.Second):
		t.Error("Recv did not end after relay close")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:   "relay.example.com",
			Port:     443,
			UUID:     testUUID,
			WSPath:   "/tunnel",
			Security: "tls",
			SNI:      "relay.example.com",
		}
	}
	if c := base(); c.Validate() != nil {
		t.Fatalf("valid config rejected: %v", c.Validate())
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server", func(c *Config) { c.Server = "" }},
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"zero uuid", func(c *Config) { c.UUID = uuid.UUID{} }},
		{"relative path", func(c *Config) { c.WSPath = "tunnel" }},
		{"empty path", func(c *Config) { c.WSPath = "" }},
		{"tls without sni", func(c *Config) { c.SNI = "" }},
		{"bad security", func(c *Config) { c.Security = "quic" }},
	}
	for _, tc := range cases {
		c := base()
		tc.mutate(&c)
		if c.Validate() == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}
