// Package dns provides the DNS lookup boundary used by DKIM key retrieval
// and the DMARC advisor.
//
// The verifier only needs TXT records, but it also needs to know whether the
// answer was DNSSEC-validated: an unauthenticated key record is a policy
// concern, and a bogus one is a hard temporary error. The Resolver interface
// therefore returns both the records and an Authentic flag.
package dns

import (
	"context"
	"errors"
)

// Result is the outcome of a TXT lookup.
type Result struct {
	// Records contains the TXT records found, with the character strings of
	// each record joined.
	Records []string

	// Authentic indicates the response was DNSSEC-validated by the upstream
	// resolver. Always false for resolvers without DNSSEC support.
	Authentic bool
}

// Resolver looks up TXT records.
//
// Implementations: DNSResolver (miekg/dns, DNSSEC-aware), StdResolver
// (net.Resolver), and MockResolver for tests.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result, error)
}

// Lookup errors.
var (
	// ErrNotFound indicates the name does not exist or has no TXT records.
	ErrNotFound = errors.New("dns: name not found")

	// ErrServFail indicates the server failed to answer.
	ErrServFail = errors.New("dns: server failure")

	// ErrTimeout indicates the query timed out.
	ErrTimeout = errors.New("dns: query timed out")

	// ErrRefused indicates the server refused the query.
	ErrRefused = errors.New("dns: query refused")

	// ErrBogus indicates DNSSEC validation failed upstream. Data that fails
	// validation must not be used.
	ErrBogus = errors.New("dns: dnssec validation failed")
)

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBogus reports whether err means DNSSEC validation flagged the answer bogus.
func IsBogus(err error) bool {
	return errors.Is(err, ErrBogus)
}

// IsTemporary reports whether a retry of the lookup may succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrServFail) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRefused)
}
