package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"

	"github.com/robin/gotun2vless"
	"github.com/robin/gotun2vless/internal/tunnel"
	"github.com/robin/gotun2vless/internal/vless"
)

func main() {
	var (
		tunFd      = flag.Int("tun-fd", -1, "adopt an already-open TUN file descriptor")
		tunName    = flag.String("tun-name", "", "requested TUN device name (only logged; the kernel picks the actual name)")
		server     = flag.String("server", "", "relay hostname or IP")
		port       = flag.Uint("port", 443, "relay port")
		uuidStr    = flag.String("uuid", "", "VLESS user UUID")
		wsPath     = flag.String("path", "/", "WebSocket request path")
		wsHost     = flag.String("host", "", "HTTP Host header (defaults to server)")
		security   = flag.String("security", "tls", "transport security: none or tls")
		sni        = flag.String("sni", "", "TLS server name (defaults to host)")
		insecure   = flag.Bool("insecure", false, "skip TLS certificate verification")
		dnsServers = flag.String("dns", "", "comma-separated DNS server IPs (diagnostics)")
		dnsCache   = flag.Bool("dns-cache", false, "answer repeated DNS queries from cache")
		publicOnly = flag.Bool("public-only", false, "tunnel only public destinations")
		fwmark     = flag.Int("fwmark", 0, "mark outbound sockets with this fwmark (Linux)")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *server == "" || *uuidStr == "" {
		logrus.Fatal("both -server and -uuid are required")
	}
	id, err := vless.ParseUUID(*uuidStr)
	if err != nil {
		logrus.Fatalf("bad uuid: %v", err)
	}
	host := *wsHost
	if host == "" {
		host = *server
	}
	serverName := *sni
	if serverName == "" {
		serverName = host
	}

	cfg := &tunnel.Config{
		Server:    *server,
		Port:      uint16(*port),
		UUID:      id,
		WSPath:    *wsPath,
		WSHost:    host,
		Security:  *security,
		SNI:       serverName,
		VerifyTLS: !*insecure,
	}

	var dev io.ReadWriteCloser
	if *tunFd >= 0 {
		dev = os.NewFile(uintptr(*tunFd), "tun")
	} else {
		iface, err := water.New(water.Config{DeviceType: water.TUN})
		if err != nil {
			logrus.Fatalf("create TUN: %v", err)
		}
		if *tunName != "" {
			logrus.Infof("requested name %q, kernel assigned %q", *tunName, iface.Name())
		} else {
			logrus.Infof("TUN device %s ready", iface.Name())
		}
		dev = iface
	}

	var servers []string
	if *dnsServers != "" {
		servers = strings.Split(*dnsServers, ",")
	}

	sink := func(in, out uint64) {
		logrus.Debugf("traffic in=%d out=%d", in, out)
	}

	t2v := gotun2vless.New(dev, cfg, bypassFn(*fwmark), sink, servers, *publicOnly, *dnsCache)
	if err := t2v.Start(); err != nil {
		logrus.Fatalf("start: %v", err)
	}
	logrus.Infof("tunneling via %s://%s:%d%s", map[bool]string{true: "wss", false: "ws"}[*security == "tls"], *server, *port, *wsPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	t2v.Stop()
}
