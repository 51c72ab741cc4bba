package gotun2vless

// dns.go 提供端口 53 流量的诊断标签与可选的 DNS 响应缓存。缓存只
// 回放宿主已经取回的应答，不会主动发起查询。

import (
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2vless/internal/packet"
)

// isDNS 判断会话是否为 DNS 请求。配置了服务器列表时只认列表内的
// 目的地址，否则任何 53 端口流量都算。
func (t2v *Tun2VLESS) isDNS(remoteIP string, remotePort uint16) bool {
	if remotePort != 53 {
		return false
	}
	if len(t2v.dnsServers) == 0 {
		return true
	}
	for _, s := range t2v.dnsServers {
		if s == remoteIP {
			return true
		}
	}
	return false
}

// logDNSQuery 解析查询报文并打出诊断标签，解析失败时静默跳过。
func logDNSQuery(ip *packet.IPv4, udp *packet.UDP) {
	msg := new(dns.Msg)
	if err := msg.Unpack(udp.Payload); err != nil {
		return
	}
	if len(msg.Question) == 0 {
		return
	}
	q := msg.Question[0]
	logrus.WithFields(logrus.Fields{
		"server": ip.DstIP.String(),
		"name":   q.Name,
		"qtype":  dns.TypeToString[q.Qtype],
	}).Debug("[dns] query")
}

// dnsCacheEntry 储存 DNS 响应与过期时间。
type dnsCacheEntry struct {
	msg *dns.Msg
	exp time.Time
}

// dnsCache 是简易内存缓存，用于减少重复的 DNS 往返。
type dnsCache struct {
	mutex   sync.Mutex
	storage map[string]*dnsCacheEntry
}

func packUint16(i uint16) []byte { return []byte{byte(i >> 8), byte(i)} }

// cacheKey 使用域名+Qtype 作为唯一键。
func cacheKey(q dns.Question) string {
	return string(append([]byte(q.Name), packUint16(q.Qtype)...))
}

// query 解析请求报文，并尝试返回命中缓存。
func (c *dnsCache) query(payload []byte) *dns.Msg {
	request := new(dns.Msg)
	e := request.Unpack(payload)
	if e != nil {
		return nil
	}
	if len(request.Question) == 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	key := cacheKey(request.Question[0])
	entry := c.storage[key]
	if entry == nil {
		return nil
	}
	if time.Now().After(entry.exp) {
		delete(c.storage, key)
		return nil
	}
	entry.msg.Id = request.Id
	return entry.msg
}

// store 将成功响应写入缓存，TTL 与应答记录一致。
func (c *dnsCache) store(payload []byte) {
	resp := new(dns.Msg)
	e := resp.Unpack(payload)
	if e != nil {
		return
	}
	if resp.Rcode != dns.RcodeSuccess {
		return
	}
	if len(resp.Question) == 0 || len(resp.Answer) == 0 {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	key := cacheKey(resp.Question[0])
	logrus.Debugf("cache DNS response for %s", key)
	c.storage[key] = &dnsCacheEntry{
		msg: resp,
		exp: time.Now().Add(time.Duration(resp.Answer[0].Header().Ttl) * time.Second),
	}
}
