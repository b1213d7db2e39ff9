package dkim

import (
	"slices"
	"strings"

	"github.com/synqronlabs/kestrel/rfcparse"
)

// Key is a parsed DKIM key record (the TXT record published at
// <selector>._domainkey.<domain>).
type Key struct {
	Version string

	// Hashes is the h= allowlist; nil means all algorithms are acceptable.
	Hashes []string

	// Type is the key algorithm (k=), "rsa" by default.
	Type string

	// Notes carries the n= tag verbatim.
	Notes string

	// PublicKey is the decoded p= data. Empty means the key is revoked.
	PublicKey []byte

	// Services is the s= list; defaults to ["*"].
	Services []string

	// Flags is the t= list.
	Flags []string
}

// Testing reports whether the t=y flag is set: the domain is testing DKIM
// and failures should not be treated harshly (RFC 6376 section 3.6.1).
func (k *Key) Testing() bool { return slices.Contains(k.Flags, "y") }

// StrictIdentity reports whether the t=s flag is set: the i= domain must
// equal the d= domain exactly.
func (k *Key) StrictIdentity() bool { return slices.Contains(k.Flags, "s") }

// AllowsHash reports whether the h= allowlist permits the hash algorithm.
func (k *Key) AllowsHash(hash string) bool {
	return k.Hashes == nil || slices.Contains(k.Hashes, hash)
}

// ParseKeyRecord parses a key record TXT string.
//
// Unknown tags are ignored per RFC 6376. A revoked key (empty p=) parses
// successfully; callers check len(PublicKey).
func ParseKeyRecord(txt string) (*Key, error) {
	tags, err := rfcparse.ParseTagValueList(txt)
	if err != nil {
		return nil, mapTagListError(err, CodeKeyIllformedTagSpec, CodeKeyDuplicateTag)
	}

	key := &Key{
		Type:     AlgRSA,
		Services: []string{"*"},
	}

	// v= must be the first tag when present, and exactly "DKIM1".
	if v, ok := tags.Get("v"); ok {
		if v != "DKIM1" || tags.Tags()[0] != "v" {
			return nil, sigError(CodeKeyInvalidV, v)
		}
		key.Version = v
	}

	if h, ok := tags.Get("h"); ok {
		for _, alg := range strings.Split(h, ":") {
			alg = strings.TrimSpace(rfcparse.UnfoldFWS(alg))
			if !rfcparse.IsHyphenatedWord(alg) {
				return nil, sigError(CodeKeyIllformedH, alg)
			}
			key.Hashes = append(key.Hashes, alg)
		}
	}

	if k, ok := tags.Get("k"); ok {
		if !rfcparse.IsHyphenatedWord(k) {
			return nil, sigError(CodeKeyUnknownK, k)
		}
		key.Type = k
	}

	if n, ok := tags.Get("n"); ok {
		key.Notes = rfcparse.DecodeDkimQP(rfcparse.StripFWS(n))
	}

	p, ok := tags.Get("p")
	if !ok {
		return nil, sigError(CodeKeyMissingP)
	}
	if p != "" {
		key.PublicKey = decodeBase64Tag(p)
		if key.PublicKey == nil {
			return nil, sigError(CodeKeyIllformedP)
		}
	}

	if s, ok := tags.Get("s"); ok {
		key.Services = key.Services[:0]
		emailOK := false
		for _, svc := range strings.Split(s, ":") {
			svc = strings.TrimSpace(rfcparse.UnfoldFWS(svc))
			if svc == "*" || svc == "email" {
				emailOK = true
			}
			key.Services = append(key.Services, svc)
		}
		if !emailOK {
			return nil, sigError(CodeKeyNotEmailKey, s)
		}
	}

	if t, ok := tags.Get("t"); ok {
		for _, flag := range strings.Split(t, ":") {
			key.Flags = append(key.Flags, strings.TrimSpace(rfcparse.UnfoldFWS(flag)))
		}
	}

	return key, nil
}
