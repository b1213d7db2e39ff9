// Package dmarc derives sign-rule decisions from a domain's published
// DMARC policy (RFC 7489): a sender whose domain asks for quarantine or
// reject can be expected to DKIM sign its mail, so an unsigned message
// from such a domain is suspicious even without an explicit rule.
//
// Only the policy lookup needed for that heuristic is implemented;
// reporting and full alignment evaluation are out of scope.
package dmarc

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
	"github.com/synqronlabs/kestrel/rfcparse"
	"github.com/synqronlabs/kestrel/rules"
)

// Advisor implements rules.Advisor by consulting DMARC records.
type Advisor struct {
	Resolver dns.Resolver
	Logger   *slog.Logger
}

func (a *Advisor) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// ShouldBeSigned looks up the sender domain's DMARC policy. Mail is
// expected to be signed when an applicable policy of quarantine or reject
// covers all mail (no pct= sampling below 100). DNS problems degrade to
// "no expectation": DMARC is advisory here, not load-bearing.
func (a *Advisor) ShouldBeSigned(ctx context.Context, fromAddr string) (rules.Decision, error) {
	fromDomain := message.DomainOf(fromAddr)
	if fromDomain == "" {
		return rules.Decision{}, nil
	}

	orgDomain, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if err != nil {
		// A bare TLD or otherwise unlistable domain has no organizational
		// domain to fall back to.
		orgDomain = fromDomain
	}

	rec := a.lookup(ctx, fromDomain)
	usedOrg := false
	if rec == nil && orgDomain != fromDomain {
		rec = a.lookup(ctx, orgDomain)
		usedOrg = true
	}
	if rec == nil {
		return rules.Decision{}, nil
	}

	policy := rec.Policy
	if usedOrg && rec.SubdomainPolicy != "" {
		policy = rec.SubdomainPolicy
	}
	if policy != "quarantine" && policy != "reject" {
		return rules.Decision{}, nil
	}
	if rec.Percent < 100 {
		return rules.Decision{}, nil
	}

	sdids := []string{fromDomain}
	if orgDomain != fromDomain {
		sdids = append(sdids, orgDomain)
	}
	return rules.Decision{ShouldBeSigned: true, SDIDs: sdids}, nil
}

// Record is the subset of a DMARC record the advisor needs.
type Record struct {
	Policy          string // p
	SubdomainPolicy string // sp
	Percent         int    // pct, 100 when absent
}

// lookup fetches and parses _dmarc.<domain>, returning nil when there is
// no usable record.
func (a *Advisor) lookup(ctx context.Context, domain string) *Record {
	res, err := a.Resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		if !dns.IsNotFound(err) {
			a.logger().Debug("DMARC lookup failed",
				slog.String("domain", domain),
				slog.Any("error", err),
			)
		}
		return nil
	}

	for _, txt := range res.Records {
		if rec := parseRecord(txt); rec != nil {
			return rec
		}
	}
	return nil
}

// parseRecord parses a DMARC TXT record, returning nil unless it is a
// valid v=DMARC1 record with a policy.
func parseRecord(txt string) *Record {
	if !strings.HasPrefix(strings.TrimLeft(txt, " \t"), "v=DMARC1") {
		return nil
	}
	tags, err := rfcparse.ParseTagValueList(txt)
	if err != nil {
		return nil
	}

	rec := &Record{Percent: 100}

	p, ok := tags.Get("p")
	if !ok {
		return nil
	}
	rec.Policy = strings.ToLower(p)

	if sp, ok := tags.Get("sp"); ok {
		rec.SubdomainPolicy = strings.ToLower(sp)
	}
	if pct, ok := tags.Get("pct"); ok {
		n := 0
		for i := 0; i < len(pct); i++ {
			if pct[i] < '0' || pct[i] > '9' {
				return rec
			}
			n = n*10 + int(pct[i]-'0')
		}
		rec.Percent = n
	}
	return rec
}
