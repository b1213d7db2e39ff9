package dns

import (
	"context"
	"slices"
)

// MockResolver is a Resolver used for testing.
// TXT maps FQDNs (with trailing dot) to records.
type MockResolver struct {
	TXT map[string][]string

	// Fail contains names that will return a temporary error (SERVFAIL).
	Fail []string

	// Bogus contains names whose DNSSEC validation fails.
	Bogus []string

	// AllAuthentic sets the default value for Authentic in responses.
	// Overridden by the Authentic and Inauthentic lists.
	AllAuthentic bool

	// Authentic contains names that will have Authentic=true.
	Authentic []string

	// Inauthentic contains names that will have Authentic=false.
	Inauthentic []string
}

var _ Resolver = MockResolver{}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result, error) {
	fqdn := ensureFQDN(name)

	result := Result{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if slices.Contains(r.Fail, fqdn) {
		return result, ErrServFail
	}
	if slices.Contains(r.Bogus, fqdn) {
		return result, ErrBogus
	}

	if slices.Contains(r.Authentic, fqdn) {
		result.Authentic = true
	}
	if slices.Contains(r.Inauthentic, fqdn) {
		result.Authentic = false
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrNotFound
	}

	result.Records = records
	return result, nil
}
