package dkim

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/synqronlabs/kestrel/rfcparse"
)

// SignatureHeader is one parsed DKIM-Signature header.
type SignatureHeader struct {
	Version string

	// AlgorithmSignature and AlgorithmHash are the two halves of the a=
	// tag, e.g. "rsa" and "sha256".
	AlgorithmSignature string
	AlgorithmHash      string

	Signature []byte // b, decoded
	BodyHash  []byte // bh, decoded

	CanonHeader Canonicalization
	CanonBody   Canonicalization

	SDID          string   // d, lower-cased
	SignedHeaders []string // h, lower-cased, order preserved
	AUID          string   // i, decoded; defaults to "@"+SDID
	AUIDDomain    string   // domain part of AUID
	BodyLength    int64    // l, -1 if absent
	QueryMethods  []string // q
	Selector      string   // s
	Timestamp     int64    // t, unix seconds, -1 if absent
	Expiration    int64    // x, unix seconds, -1 if absent
	CopiedHeaders []string // z, decoded

	// Warnings collected while parsing (policy-gated tags that were
	// accepted with a downgrade).
	Warnings []Warning

	// rawStripped is the original header bytes with the b= tag's value
	// and its surrounding whitespace removed and without the trailing
	// CRLF, ready for the data hash.
	rawStripped []byte
}

// mapTagListError converts the shared tag parser's errors to signature
// error codes.
func mapTagListError(err error, illformed, duplicate Code) error {
	switch {
	case errors.Is(err, rfcparse.ErrDuplicateTag):
		return sigError(duplicate)
	default:
		return sigError(illformed)
	}
}

// ParseSignatureHeader parses one raw DKIM-Signature header field.
// raw is the complete field including the name, colon and trailing CRLF.
// Policy-gated tags (a=rsa-sha1, malformed i= or s=) consult opts.
func ParseSignatureHeader(raw []byte, opts VerifyOptions) (*SignatureHeader, error) {
	opts = opts.withDefaults()

	colon := bytes.IndexByte(raw, ':')
	if colon < 0 || !strings.EqualFold(string(raw[:colon]), "DKIM-Signature") {
		return nil, sigError(CodeIllformedTagSpec)
	}
	// The field's terminating CRLF is not part of the tag list.
	value := strings.TrimSuffix(string(raw[colon+1:]), "\r\n")
	value = rfcparse.UnfoldFWS(value)

	tags, err := rfcparse.ParseTagValueList(value)
	if err != nil {
		return nil, mapTagListError(err, CodeIllformedTagSpec, CodeDuplicateTag)
	}

	sig := &SignatureHeader{
		BodyLength: -1,
		Timestamp:  -1,
		Expiration: -1,
	}

	if err := sig.parseTags(tags, opts); err != nil {
		return nil, err
	}

	sig.rawStripped = stripSignatureValue(raw)
	return sig, nil
}

func (sig *SignatureHeader) parseTags(tags *rfcparse.TagMap, opts VerifyOptions) error {
	// v= must be present and exactly "1".
	v, ok := tags.Get("v")
	if !ok {
		return sigError(CodeMissingV)
	}
	if v != "1" {
		return sigError(CodeVersion, v)
	}
	sig.Version = v

	if err := sig.parseAlgorithm(tags, opts); err != nil {
		return err
	}

	// b= signature data.
	b, ok := tags.Get("b")
	if !ok {
		return sigError(CodeMissingB)
	}
	sig.Signature = decodeBase64Tag(b)
	if sig.Signature == nil {
		return sigError(CodeIllformB)
	}

	// bh= body hash.
	bh, ok := tags.Get("bh")
	if !ok {
		return sigError(CodeMissingBH)
	}
	sig.BodyHash = decodeBase64Tag(bh)
	if sig.BodyHash == nil {
		return sigError(CodeIllformBH)
	}

	if err := sig.parseCanonicalization(tags); err != nil {
		return err
	}

	// d= signing domain.
	d, ok := tags.Get("d")
	if !ok {
		return sigError(CodeMissingD)
	}
	d = strings.ToLower(d)
	if !rfcparse.IsDomainName(d) {
		return sigError(CodeIllformD, d)
	}
	sig.SDID = d

	if err := sig.parseSignedHeaders(tags); err != nil {
		return err
	}
	if err := sig.parseIdentity(tags, opts); err != nil {
		return err
	}

	// l= body length limit.
	if l, ok := tags.Get("l"); ok {
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil || n < 0 || !isDigits(l) {
			return sigError(CodeIllformL, l)
		}
		sig.BodyLength = n
	}

	if err := sig.parseQueryMethods(tags); err != nil {
		return err
	}
	if err := sig.parseSelector(tags, opts); err != nil {
		return err
	}
	if err := sig.parseTimes(tags); err != nil {
		return err
	}

	// z= copied headers.
	if z, ok := tags.Get("z"); ok {
		z = rfcparse.StripFWS(z)
		for _, part := range strings.Split(z, "|") {
			if !rfcparse.IsDkimQuotedPrintable(part) {
				return sigError(CodeIllformZ)
			}
			sig.CopiedHeaders = append(sig.CopiedHeaders, rfcparse.DecodeDkimQP(part))
		}
	}

	return nil
}

// parseAlgorithm handles a=: sig-alg "-" hash-alg.
func (sig *SignatureHeader) parseAlgorithm(tags *rfcparse.TagMap, opts VerifyOptions) error {
	a, ok := tags.Get("a")
	if !ok {
		return sigError(CodeMissingA)
	}
	dash := strings.IndexByte(a, '-')
	if dash <= 0 || dash == len(a)-1 {
		return sigError(CodeIllformA, a)
	}
	keyAlg, hashAlg := a[:dash], a[dash+1:]
	if !rfcparse.IsHyphenatedWord(keyAlg) || !rfcparse.IsHyphenatedWord(hashAlg) {
		return sigError(CodeIllformA, a)
	}

	switch a {
	case "rsa-sha256", "ed25519-sha256":
	case "rsa-sha1":
		// Historic since RFC 8301.
		if err := applyPolicy(opts.SHA1, CodeInsecureA, WarnSHA1, &sig.Warnings, a); err != nil {
			return err
		}
	default:
		return sigError(CodeUnknownA, a)
	}

	sig.AlgorithmSignature = keyAlg
	sig.AlgorithmHash = hashAlg
	return nil
}

// parseCanonicalization handles c=: header-canon ["/" body-canon],
// defaulting to simple/simple.
func (sig *SignatureHeader) parseCanonicalization(tags *rfcparse.TagMap) error {
	sig.CanonHeader = CanonSimple
	sig.CanonBody = CanonSimple

	c, ok := tags.Get("c")
	if !ok {
		return nil
	}
	head, body, found := strings.Cut(c, "/")
	if !found {
		body = string(CanonSimple)
	}
	if !rfcparse.IsHyphenatedWord(head) || !rfcparse.IsHyphenatedWord(body) {
		return sigError(CodeIllformC, c)
	}
	switch Canonicalization(head) {
	case CanonSimple, CanonRelaxed:
		sig.CanonHeader = Canonicalization(head)
	default:
		return sigError(CodeUnknownCH, head)
	}
	switch Canonicalization(body) {
	case CanonSimple, CanonRelaxed:
		sig.CanonBody = Canonicalization(body)
	default:
		return sigError(CodeUnknownCB, body)
	}
	return nil
}

// parseSignedHeaders handles h=: a colon-separated list of field names.
// From must be included (RFC 6376 section 5.4).
func (sig *SignatureHeader) parseSignedHeaders(tags *rfcparse.TagMap) error {
	h, ok := tags.Get("h")
	if !ok {
		return sigError(CodeMissingH)
	}
	hasFrom := false
	for _, name := range strings.Split(h, ":") {
		name = strings.TrimSpace(rfcparse.UnfoldFWS(name))
		if !isFieldName(name) {
			return sigError(CodeIllformH, name)
		}
		name = strings.ToLower(name)
		if name == "from" {
			hasFrom = true
		}
		sig.SignedHeaders = append(sig.SignedHeaders, name)
	}
	if !hasFrom {
		return sigError(CodeMissFrom)
	}
	return nil
}

// parseIdentity handles i=: [local-part] "@" domain. The domain must be
// the SDID or a subdomain of it. An unparseable value is policy-gated and
// falls back to the default "@"+SDID.
func (sig *SignatureHeader) parseIdentity(tags *rfcparse.TagMap, opts VerifyOptions) error {
	sig.AUID = "@" + sig.SDID
	sig.AUIDDomain = sig.SDID

	i, ok := tags.Get("i")
	if !ok {
		return nil
	}
	i = rfcparse.DecodeDkimQP(rfcparse.StripFWS(i))

	at := strings.LastIndexByte(i, '@')
	wellFormed := at >= 0
	var local, domain string
	if wellFormed {
		local, domain = i[:at], strings.ToLower(i[at+1:])
		if local != "" && !rfcparse.IsLocalPart(local) {
			wellFormed = false
		}
		if !rfcparse.IsDomainName(domain) {
			wellFormed = false
		}
	}
	if !wellFormed {
		return applyPolicy(opts.MalformedIdentity, CodeIllformI, WarnIllformedI, &sig.Warnings, i)
	}

	if domain != sig.SDID && !strings.HasSuffix(domain, "."+sig.SDID) {
		return sigError(CodeSubdomI, domain)
	}
	sig.AUID = local + "@" + domain
	sig.AUIDDomain = domain
	return nil
}

// parseQueryMethods handles q=: the list must include dns/txt.
func (sig *SignatureHeader) parseQueryMethods(tags *rfcparse.TagMap) error {
	q, ok := tags.Get("q")
	if !ok {
		sig.QueryMethods = []string{"dns/txt"}
		return nil
	}
	hasDNSTXT := false
	for _, m := range strings.Split(q, ":") {
		m = strings.TrimSpace(rfcparse.UnfoldFWS(m))
		typ, opt, _ := strings.Cut(m, "/")
		if !rfcparse.IsHyphenatedWord(typ) {
			return sigError(CodeIllformQ, m)
		}
		if typ == "dns" && (opt == "txt" || opt == "") {
			hasDNSTXT = true
		}
		sig.QueryMethods = append(sig.QueryMethods, m)
	}
	if !hasDNSTXT {
		return sigError(CodeInvalidQ, q)
	}
	return nil
}

// parseSelector handles s=. Selectors that only match the relaxed grammar
// (underscore labels, seen from some ESPs) are policy-gated.
func (sig *SignatureHeader) parseSelector(tags *rfcparse.TagMap, opts VerifyOptions) error {
	s, ok := tags.Get("s")
	if !ok {
		return sigError(CodeMissingS)
	}
	switch {
	case rfcparse.IsSelector(s):
	case rfcparse.IsSelectorRelaxed(s):
		if err := applyPolicy(opts.MalformedSelector, CodeIllformS, WarnIllformedS, &sig.Warnings, s); err != nil {
			return err
		}
	default:
		return sigError(CodeIllformS, s)
	}
	sig.Selector = s
	return nil
}

// parseTimes handles t= and x=. The expiration must not precede the
// timestamp.
func (sig *SignatureHeader) parseTimes(tags *rfcparse.TagMap) error {
	if t, ok := tags.Get("t"); ok {
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil || !isDigits(t) {
			return sigError(CodeIllformT, t)
		}
		sig.Timestamp = n
	}
	if x, ok := tags.Get("x"); ok {
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil || !isDigits(x) {
			return sigError(CodeIllformX, x)
		}
		sig.Expiration = n
	}
	if sig.Timestamp >= 0 && sig.Expiration >= 0 && sig.Expiration < sig.Timestamp {
		return sigError(CodeTimestamp)
	}
	return nil
}

// decodeBase64Tag strips FWS and decodes, returning nil on any error.
func decodeBase64Tag(s string) []byte {
	s = rfcparse.StripFWS(s)
	if !rfcparse.IsBase64String(s) {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !rfcparse.IsDigit(s[i]) {
			return false
		}
	}
	return true
}

// isFieldName reports whether s is a valid header field name: printable
// US-ASCII excluding colon (RFC 5322 section 3.6.8).
func isFieldName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] >= 0x7f || s[i] == ':' || s[i] == ';' {
			return false
		}
	}
	return true
}

// stripSignatureValue removes the b= tag's value, including surrounding
// whitespace, from the raw header (RFC 6376 section 3.7) and drops the
// trailing CRLF. Everything else stays byte-identical, which matters for
// simple header canonicalization.
func stripSignatureValue(raw []byte) []byte {
	raw = bytes.TrimSuffix(raw, []byte("\r\n"))

	out := make([]byte, 0, len(raw))
	start := bytes.IndexByte(raw, ':') + 1
	out = append(out, raw[:start]...)

	rest := raw[start:]
	for len(rest) > 0 {
		seg := rest
		semi := bytes.IndexByte(rest, ';')
		if semi >= 0 {
			seg = rest[:semi]
			rest = rest[semi+1:]
		} else {
			rest = nil
		}

		if name, eq := tagNameOf(seg); name == "b" {
			out = append(out, seg[:eq+1]...)
		} else {
			out = append(out, seg...)
		}
		if semi >= 0 {
			out = append(out, ';')
		}
	}
	return out
}

// tagNameOf returns the FWS-trimmed tag name of a tag-spec segment and the
// index of its '='. A segment without '=' yields eq -1.
func tagNameOf(seg []byte) (string, int) {
	eq := bytes.IndexByte(seg, '=')
	if eq < 0 {
		return "", -1
	}
	name := strings.TrimFunc(string(seg[:eq]), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	return name, eq
}
