package gotun2vless

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func testAnswer(t *testing.T, name string, ttl uint32) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(q)
	rr, err := dns.NewRR(dns.Fqdn(name) + " " + "3600 IN A 93.184.216.34")
	if err != nil {
		t.Fatal(err)
	}
	rr.Header().Ttl = ttl
	resp.Answer = append(resp.Answer, rr)
	wire, err := resp.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return wire
}

func TestDNSCacheHit(t *testing.T) {
	c := &dnsCache{storage: make(map[string]*dnsCacheEntry)}
	c.store(testAnswer(t, "example.com", 300))

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0x4242
	wire, _ := q.Pack()

	got := c.query(wire)
	if got == nil {
		t.Fatal("cache miss for stored answer")
	}
	if got.Id != 0x4242 {
		t.Errorf("answer id = %#x, want query id", got.Id)
	}
	if len(got.Answer) != 1 {
		t.Errorf("answers = %d", len(got.Answer))
	}
}

func TestDNSCacheMissOnOtherName(t *testing.T) {
	c := &dnsCache{storage: make(map[string]*dnsCacheEntry)}
	c.store(testAnswer(t, "example.com", 300))

	q := new(dns.Msg)
	q.SetQuestion("other.org.", dns.TypeA)
	wire, _ := q.Pack()
	if c.query(wire) != nil {
		t.Fatal("unexpected hit")
	}
}

func TestDNSCacheExpiry(t *testing.T) {
	c := &dnsCache{storage: make(map[string]*dnsCacheEntry)}
	c.store(testAnswer(t, "example.com", 300))
	for k := range c.storage {
		c.storage[k].exp = time.Now().Add(-time.Second)
	}

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	wire, _ := q.Pack()
	if c.query(wire) != nil {
		t.Fatal("expired entry served")
	}
	if len(c.storage) != 0 {
		t.Error("expired entry not evicted")
	}
}

func TestDNSCacheIgnoresFailures(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Rcode = dns.RcodeServerFailure
	wire, _ := resp.Pack()

	c := &dnsCache{storage: make(map[string]*dnsCacheEntry)}
	c.store(wire)
	if len(c.storage) != 0 {
		t.Error("failure response cached")
	}
}
