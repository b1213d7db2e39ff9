package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// fallbackNameservers are used when /etc/resolv.conf is absent or empty.
var fallbackNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// ResolverConfig configures a DNSResolver. The zero value queries the
// system nameservers without DNSSEC.
type ResolverConfig struct {
	// Nameservers to query, as host:port ("8.8.8.8:53"). Empty means the
	// servers from /etc/resolv.conf, or public resolvers when that file
	// yields none.
	Nameservers []string

	// DNSSEC requests the AD bit from the upstream resolver. The upstream
	// must validate; this resolver only relays its verdict through the
	// Authentic field of Result.
	DNSSEC bool

	// Timeout per query attempt. Default 5 seconds.
	Timeout time.Duration

	// Retries after a failed pass over all nameservers. Default 2.
	Retries int
}

// DNSResolver resolves TXT records over miekg/dns, relaying the upstream
// resolver's DNSSEC verdict.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

// NewResolver returns a resolver with unset config fields defaulted.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, len(conf.Servers))
	for i, s := range conf.Servers {
		if !strings.Contains(s, ":") {
			s = net.JoinHostPort(s, conf.Port)
		}
		servers[i] = s
	}
	return servers
}

// LookupTXT implements Resolver. The character strings of each record are
// joined, per RFC 7208 section 3.3.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result, error) {
	resp, authentic, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return Result{Authentic: authentic}, err
	}

	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	if len(records) == 0 {
		return Result{Authentic: authentic}, ErrNotFound
	}
	return Result{Records: records, Authentic: authentic}, nil
}

// query asks each configured nameserver in turn, retrying full passes up to
// the configured count. NXDOMAIN is final; SERVFAIL and REFUSED move on to
// the next server.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		// EDNS0 with the DO bit set, so the upstream reports validation.
		m.SetEdns0(4096, true)
	}

	var lastErr error
	authentic := false
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = fmt.Errorf("dns: exchange with %s: %w", server, err)
				continue
			}
			if r.config.DNSSEC && resp.AuthenticatedData {
				authentic = true
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrNotFound
			case mdns.RcodeServerFailure:
				// A validating upstream answers SERVFAIL for bogus data.
				if r.config.DNSSEC {
					lastErr = ErrBogus
				} else {
					lastErr = ErrServFail
				}
			case mdns.RcodeRefused:
				lastErr = ErrRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %d from %s", resp.Rcode, server)
			}
		}
	}

	if lastErr != nil {
		return nil, false, lastErr
	}
	return nil, false, ErrServFail
}
