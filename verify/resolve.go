package verify

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const NotAvailable = "N/A"

// Resolver performs best-effort forward lookups. With a nameserver configured
// it asks that server directly, otherwise it defers to the system resolver.
type Resolver struct {
	nameserver string
	timeout    time.Duration
	client     *dns.Client
}

func NewResolver(nameserver string, timeout time.Duration) *Resolver {
	if nameserver != "" {
		if _, _, err := net.SplitHostPort(nameserver); err != nil {
			nameserver = net.JoinHostPort(nameserver, "53")
		}
	}

	return &Resolver{
		nameserver: nameserver,
		timeout:    timeout,
		client:     &dns.Client{Timeout: timeout},
	}
}

// ResolveIP returns the first IPv4 address of host, or NotAvailable.
func (v *Verifier) ResolveIP(ctx context.Context, host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip, err := v.resolver.Lookup(ctx, host)
	if err != nil {
		v.logger.Debugf("Could not resolve %s: %s", host, err)
		return NotAvailable
	}

	return ip
}

func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.nameserver == "" {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("no address for %s", host)
		}
		return addrs[0], nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	in, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return "", err
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("lookup %s: %s", host, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}

	return "", fmt.Errorf("no A record for %s", host)
}
