package identity

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

type fakeLookup struct {
	answers map[string][]net.IP
	calls   atomic.Int32
}

func (f *fakeLookup) LookupA(_ context.Context, name string) ([]net.IP, error) {
	f.calls.Add(1)
	ips, ok := f.answers[name]
	if !ok {
		return nil, errors.New("NXDOMAIN")
	}
	return ips, nil
}

type fixedProber net.IP

func (p fixedProber) LocalIP() net.IP { return net.IP(p) }

func TestResolverMatches(t *testing.T) {
	lookup := &fakeLookup{answers: map[string][]net.IP{
		"host-a": {net.ParseIP("10.0.0.7")},
		"host-b": {net.ParseIP("10.0.0.8")},
		"multi":  {net.ParseIP("10.0.0.9"), net.ParseIP("10.0.0.7")},
	}}
	r := NewResolver(lookup, fixedProber(net.ParseIP("10.0.0.7")))
	ctx := context.Background()

	cases := map[string]bool{
		"host-a":  true,
		"host-b":  false,
		"multi":   false, // only the first record counts
		"missing": false,
	}
	for target, want := range cases {
		if got := r.Matches(ctx, target); got != want {
			t.Errorf("Matches(%q) = %v, want %v", target, got, want)
		}
	}

	// No caching: every call resolves again.
	before := lookup.calls.Load()
	r.Matches(ctx, "host-a")
	r.Matches(ctx, "host-a")
	if lookup.calls.Load()-before != 2 {
		t.Fatalf("expected a lookup per call")
	}
}

func TestUDPProberFallback(t *testing.T) {
	ip := UDPProber{Target: "not a valid address"}.LocalIP()
	if !ip.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("expected loopback fallback, got %v", ip)
	}
}

func TestUDPProberLoopback(t *testing.T) {
	ip := UDPProber{Target: "127.0.0.1:9"}.LocalIP()
	if !ip.IsLoopback() {
		t.Fatalf("expected loopback source address, got %v", ip)
	}
}

// startDNS serves A records from zone on a random local UDP port.
func startDNS(t *testing.T, zone map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		addr, ok := zone[q.Name]
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
		} else {
			rr, _ := dns.NewRR(q.Name + " 60 IN A " + addr)
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSLookup(t *testing.T) {
	addr := startDNS(t, map[string]string{"host-a.": "10.1.2.3"})
	l := DNSLookup{Server: addr, Timeout: time.Second}
	ctx := context.Background()

	ips, err := l.LookupA(ctx, "host-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.1.2.3")) {
		t.Fatalf("unexpected answer %v", ips)
	}

	if _, err := l.LookupA(ctx, "nobody"); err == nil {
		t.Fatalf("expected NXDOMAIN error")
	}

	r := NewResolver(l, fixedProber(net.ParseIP("10.1.2.3")))
	if !r.Matches(ctx, "host-a") {
		t.Fatalf("expected match through real DNS exchange")
	}
	if r.Matches(ctx, "nobody") {
		t.Fatalf("expected no match for unknown name")
	}
}

func TestDNSLookupUnreachable(t *testing.T) {
	l := DNSLookup{Server: "127.0.0.1:1", Timeout: 200 * time.Millisecond}
	r := NewResolver(l, fixedProber(net.ParseIP("127.0.0.1")))
	if r.Matches(context.Background(), "host-a") {
		t.Fatalf("unreachable resolver must mean no match")
	}
}

func TestDNSLookupServerPort(t *testing.T) {
	if got := (DNSLookup{Server: "10.0.0.53"}).server(); got != "10.0.0.53:53" {
		t.Fatalf("server() = %q", got)
	}
	if got := (DNSLookup{Server: "10.0.0.53:5353"}).server(); got != "10.0.0.53:5353" {
		t.Fatalf("server() = %q", got)
	}
}

func TestNewLookup(t *testing.T) {
	if _, ok := NewLookup("", time.Second).(SystemLookup); !ok {
		t.Fatalf("expected system lookup without a server")
	}
	if l, ok := NewLookup("10.0.0.53", time.Second).(DNSLookup); !ok || l.Server != "10.0.0.53" {
		t.Fatalf("expected DNS lookup against the configured server")
	}
}

func TestSystemLookupLocalhost(t *testing.T) {
	ips, err := SystemLookup{}.LookupA(context.Background(), "localhost")
	if err != nil {
		t.Skipf("no system resolver: %v", err)
	}
	if !ips[0].IsLoopback() {
		t.Fatalf("localhost resolved to %v", ips)
	}
}
