// Package identity decides whether a broadcast dispatch names this host.
//
// There is no registry of agents. A target identifier is resolved through a
// configured DNS server and compared with the address this host uses for
// outbound traffic. Nothing is cached between calls.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

var ErrNoAddress = errors.New("identity: no A record in answer")

// Lookup resolves a name to IPv4 addresses, in answer order.
type Lookup interface {
	LookupA(ctx context.Context, name string) ([]net.IP, error)
}

// Prober reports the local address used for outbound traffic.
type Prober interface {
	LocalIP() net.IP
}

// DNSLookup queries one specific server rather than the system resolver.
type DNSLookup struct {
	// Server is host or host:port; port 53 is assumed when absent.
	Server  string
	Timeout time.Duration
}

func (d DNSLookup) server() string {
	if _, _, err := net.SplitHostPort(d.Server); err == nil {
		return d.Server
	}
	return net.JoinHostPort(d.Server, "53")
}

func (d DNSLookup) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: d.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, d.server())
	if err != nil {
		return nil, fmt.Errorf("query %s at %s: %w", name, d.Server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s at %s: %s", name, d.Server, dns.RcodeToString[in.Rcode])
	}
	var ips []net.IP
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, ErrNoAddress
	}
	return ips, nil
}

// UDPProber learns the outbound address by "connecting" a UDP socket toward
// Target and reading back the local endpoint. No packet is sent.
type UDPProber struct {
	Target string
}

func (p UDPProber) LocalIP() net.IP {
	conn, err := net.Dial("udp4", p.Target)
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return net.IPv4(127, 0, 0, 1)
	}
	return addr.IP
}

// Resolver answers "is this message mine?".
type Resolver struct {
	lookup Lookup
	prober Prober
}

func NewResolver(lookup Lookup, prober Prober) *Resolver {
	return &Resolver{lookup: lookup, prober: prober}
}

// Matches resolves target and reports whether its first A record equals the
// local outbound address. Resolution failure means "not for me"; it is never
// surfaced as an error.
func (r *Resolver) Matches(ctx context.Context, target string) bool {
	ips, err := r.lookup.LookupA(ctx, target)
	if err != nil {
		log.Debug().Err(err).Str("agent", target).Msg("Target did not resolve, not for this agent")
		return false
	}
	local := r.prober.LocalIP()
	match := ips[0].Equal(local)
	log.Debug().
		Str("agent", target).
		Str("resolved", ips[0].String()).
		Str("local", local.String()).
		Bool("match", match).
		Msg("Resolved dispatch target")
	return match
}

// SystemLookup uses the host's resolver configuration.
type SystemLookup struct{}

func (SystemLookup) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", name)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, ErrNoAddress
	}
	return ips, nil
}

// NewLookup queries server when one is configured and the system resolver otherwise.
func NewLookup(server string, timeout time.Duration) Lookup {
	if server == "" {
		return SystemLookup{}
	}
	return DNSLookup{Server: server, Timeout: timeout}
}
