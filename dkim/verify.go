package dkim

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/kestrel/message"
)

// Verifier verifies all DKIM signatures of a message.
type Verifier struct {
	// Keys fetches key records; required.
	Keys KeyFetcher

	// Options holds the policy gates; the zero value gives defaults.
	Options VerifyOptions
}

// VerifyBytes parses a raw message and verifies it. A message that cannot
// be parsed at all is a transient condition (the caller may be looking at
// a truncated download), reported as an internal error.
func (v *Verifier) VerifyBytes(ctx context.Context, raw []byte) ([]Result, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, internalError(CodeIncorrectEmailFormat, err)
	}
	return v.Verify(ctx, msg), nil
}

// Verify verifies every DKIM-Signature header of the message and returns
// one Result per signature, never an empty slice: an unsigned message
// yields a single result with Status none.
//
// Signatures are processed oldest-first: headers are prepended, so the
// bottom-most DKIM-Signature was added first.
func (v *Verifier) Verify(ctx context.Context, msg *message.Message) []Result {
	opts := v.Options.withDefaults()

	var results []Result
	for i := len(msg.Headers) - 1; i >= 0; i-- {
		h := msg.Headers[i]
		if h.LKey != "dkim-signature" {
			continue
		}
		results = append(results, v.verifyOne(ctx, msg, h, opts))
	}

	if len(results) == 0 {
		return []Result{{Version: ResultVersion, Result: StatusNone}}
	}
	return results
}

// verifyOne produces the Result for a single DKIM-Signature header. A
// panic anywhere below is a verifier bug, not a message property; it is
// contained here and reported as TEMPFAIL so one signature cannot take
// down the whole message.
func (v *Verifier) verifyOne(ctx context.Context, msg *message.Message, sigHeader message.Header, opts VerifyOptions) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			opts.Logger.Error("panic during signature verification", slog.Any("panic", r))
			res = Result{
				Version:   ResultVersion,
				Result:    StatusTempfail,
				ErrorType: CodeInternalError,
			}
		}
	}()

	sig, err := ParseSignatureHeader(sigHeader.Raw, opts)
	if err != nil {
		return errResult(err, nil, nil, false)
	}

	st := &sigState{msg: msg, sig: sig, opts: opts, warnings: slices.Clone(sig.Warnings)}

	if err := st.run(ctx, v.Keys); err != nil {
		return errResult(err, sig, st.warnings, st.hideFail)
	}

	return Result{
		Version:            ResultVersion,
		Result:             StatusSuccess,
		SDID:               sig.SDID,
		AUID:               sig.AUID,
		Selector:           sig.Selector,
		AlgorithmSignature: sig.AlgorithmSignature,
		AlgorithmHash:      sig.AlgorithmHash,
		KeySecure:          st.keySecure,
		Warnings:           st.warnings,
	}
}

// sigState carries one signature through the pipeline.
type sigState struct {
	msg  *message.Message
	sig  *SignatureHeader
	opts VerifyOptions

	warnings  []Warning
	hideFail  bool
	keySecure bool

	canonicalBody string
	truncated     bool
}

// run executes the verification steps in order. Checks that cannot fail
// the signature (alignment, validity window) come first so their warnings
// are present even on later failure; the body hash is compared before any
// DNS traffic so a corrupted body short-circuits without network cost.
func (st *sigState) run(ctx context.Context, keys KeyFetcher) error {
	// A signing domain at or above the public-suffix boundary ("com",
	// "co.uk") cannot own a key.
	if _, err := publicsuffix.EffectiveTLDPlusOne(st.sig.SDID); err != nil {
		return sigError(CodeIllformD, st.sig.SDID)
	}

	st.checkAlignment()
	st.checkValidity()

	st.canonicalBody = CanonicalizeBody(st.msg.Body, st.sig.CanonBody)
	st.truncated = st.sig.BodyLength >= 0 && st.sig.BodyLength < int64(len(st.canonicalBody))

	if err := st.checkSignedHeaders(); err != nil {
		return err
	}
	if err := st.checkBodyHash(); err != nil {
		return err
	}

	keyRes, err := keys.FetchKey(ctx, st.sig.SDID, st.sig.Selector)
	if err != nil {
		return err
	}
	st.keySecure = keyRes.Secure
	if !keyRes.Secure {
		if err := applyPolicy(st.opts.InsecureKey, CodeKeyInsecure, WarnKeyInsecure, &st.warnings, st.sig.SDID); err != nil {
			return err
		}
	}

	key, err := ParseKeyRecord(keyRes.TXT)
	if err != nil {
		return err
	}
	if err := st.checkKey(key); err != nil {
		return err
	}

	return st.verifySignature(key)
}

// checkAlignment warns when the author domain is outside the signing
// domain or the signing identity. Never fatal: third-party signatures are
// valid, the policy layer decides whether to accept them.
func (st *sigState) checkAlignment() {
	from, err := st.msg.FromAddress()
	if err != nil {
		st.opts.Logger.Debug("no usable From address", slog.Any("error", err))
		return
	}
	fromDomain := message.DomainOf(from)
	if fromDomain == "" {
		return
	}

	if !domainInside(fromDomain, st.sig.SDID) {
		st.warnings = append(st.warnings, Warning{Code: WarnFromNotInSDID, Params: []string{fromDomain, st.sig.SDID}})
	}

	if !domainInside(fromDomain, st.sig.AUIDDomain) {
		st.warnings = append(st.warnings, Warning{Code: WarnFromNotInAUID, Params: []string{fromDomain, st.sig.AUIDDomain}})
	}
}

// checkValidity warns about expired or future-dated signatures. The
// reference time is the message's top Received timestamp when one parses,
// else the wall clock; t= gets the configured skew allowance.
func (st *sigState) checkValidity() {
	ref := st.msg.ReceivedTime(st.opts.Logger)
	if ref.IsZero() {
		ref = st.opts.now()
	}
	now := ref.Unix()

	if st.sig.Expiration >= 0 && st.sig.Expiration < now {
		st.warnings = append(st.warnings, Warning{Code: WarnExpired})
	}
	if st.sig.Timestamp >= 0 && st.sig.Timestamp > now+int64(st.opts.ClockSkew.Seconds()) {
		st.warnings = append(st.warnings, Warning{Code: WarnFuture})
	}
}

// checkSignedHeaders enforces the coverage rules for h=.
//
// A header that is signed fewer times than it occurs means an instance
// was added after signing; the signature then no longer speaks for what
// the reader sees and fails hard. Headers missing from h= entirely only
// warn, graded by tier and strictness. When l= truncates the body,
// Content-Type is promoted to required: an unsigned Content-Type plus a
// truncated body lets an attacker recast the trailing bytes.
func (st *sigState) checkSignedHeaders() error {
	signedTimes := make(map[string]int)
	for _, name := range st.sig.SignedHeaders {
		signedTimes[name]++
	}

	required := requiredHeaders
	desired := desiredHeaders
	if st.truncated {
		required = append(slices.Clone(required), "content-type")
		desired = slices.DeleteFunc(slices.Clone(desired), func(name string) bool {
			return name == "content-type"
		})
	}

	check := func(names []string, tier Strictness) error {
		for _, name := range names {
			present := len(st.msg.Fields(name))
			signed := signedTimes[name]
			if signed > 0 && present > signed {
				return sigError(CodeUnsignedHeaderAdded, name)
			}
			if present > 0 && signed == 0 && st.opts.UnsignedHeaders >= tier {
				st.warnings = append(st.warnings, Warning{Code: WarnUnsignedHeader, Params: []string{name}})
			}
		}
		return nil
	}

	if err := check(required, StrictnessRelaxed); err != nil {
		return err
	}
	if err := check(recommendedHeaders, StrictnessRecommended); err != nil {
		return err
	}

	// Reply-To matters like a recommended header, unless it already points
	// into the signing domain, where leaving it unsigned changes nothing an
	// attacker could want.
	replyTier := StrictnessRecommended
	if replyTo, err := st.msg.ReplyToAddress(); err == nil {
		if domainInside(message.DomainOf(replyTo), st.sig.SDID) {
			replyTier = StrictnessStrict
		}
	}
	if err := check([]string{"reply-to"}, replyTier); err != nil {
		return err
	}

	return check(desired, StrictnessStrict)
}

// checkBodyHash applies l= and compares the body hash.
func (st *sigState) checkBodyHash() error {
	body := st.canonicalBody
	if st.sig.BodyLength >= 0 {
		if st.sig.BodyLength > int64(len(body)) {
			return sigError(CodeTooLargeL, strconv.FormatInt(st.sig.BodyLength, 10))
		}
		if st.truncated {
			st.warnings = append(st.warnings, Warning{Code: WarnSmallL})
			body = body[:st.sig.BodyLength]
		}
	}

	computed, err := digest(st.sig.AlgorithmHash, []byte(body))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(computed, st.sig.BodyHash) != 1 {
		return sigError(CodeCorruptBH)
	}
	return nil
}

// checkKey runs the key sanity checks against the parsed record.
func (st *sigState) checkKey(key *Key) error {
	if key.Type != st.sig.AlgorithmSignature {
		return sigError(CodeKeyMismatchedK, key.Type, st.sig.AlgorithmSignature)
	}
	if len(key.PublicKey) == 0 {
		return sigError(CodeKeyRevoked)
	}
	if !key.AllowsHash(st.sig.AlgorithmHash) {
		return sigError(CodeKeyHashNotIncluded, st.sig.AlgorithmHash)
	}
	if key.StrictIdentity() && st.sig.AUIDDomain != st.sig.SDID {
		return sigError(CodeDomainI, st.sig.AUIDDomain)
	}
	if key.Testing() {
		if err := applyPolicy(st.opts.KeyTestMode, CodeKeyTestMode, WarnKeyIsTestKey, &st.warnings, st.sig.SDID); err != nil {
			return err
		}
		if st.opts.KeyTestMode == PolicyWarn {
			// RFC 6376 section 6.1.1: during testing, failures must not
			// be treated differently from unsigned mail.
			st.hideFail = true
		}
	}
	return nil
}

// rsaKeyBitsMin is the hard floor of RFC 8301; keys below the recommended
// size are policy-gated instead.
const (
	rsaKeyBitsMin         = 1024
	rsaKeyBitsRecommended = 2048
)

// verifySignature computes the data hash and checks the signature, with
// repair retries for known in-transit header mutations.
func (st *sigState) verifySignature(key *Key) error {
	verify := func(rewrite headerRewrite) (int, error) {
		data := dataHashInput(st.sig.CanonHeader, st.msg.Headers, st.sig.SignedHeaders, st.sig.rawStripped, rewrite)
		return verifyWithKey(key.Type, key.PublicKey, st.sig.AlgorithmHash, data, st.sig.Signature)
	}

	bits, err := verify(nil)
	if bits > 0 && key.Type == AlgRSA && bits < rsaKeyBitsMin {
		return sigError(CodeKeySmall, strconv.Itoa(bits))
	}

	if IsSigError(err, CodeBadSig) {
		if ok := st.tryRepairs(verify); ok {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	if key.Type == AlgRSA && bits < rsaKeyBitsRecommended {
		if err := applyPolicy(st.opts.WeakRSAKey, CodeKeySmall, WarnKeySmall, &st.warnings, strconv.Itoa(bits)); err != nil {
			return err
		}
	}
	return nil
}

// tryRepairs retries the data hash with known relay mutations undone:
// quotes added around Content-Type parameter values, and a mailing list
// tag prepended to Subject. Returns true when a retry verified.
func (st *sigState) tryRepairs(verify func(headerRewrite) (int, error)) bool {
	type repair struct {
		action  PolicyAction
		warn    Code
		rewrite headerRewrite
	}
	repairs := []repair{
		{st.opts.RepairContentType, WarnRepairedContent, repairContentType},
		{st.opts.RepairSubjectTag, WarnRepairedSubject, repairSubjectTag},
	}

	for _, r := range repairs {
		if r.action == PolicyError {
			continue
		}
		if _, err := verify(r.rewrite); err == nil {
			if r.action == PolicyWarn {
				st.warnings = append(st.warnings, Warning{Code: r.warn})
			}
			return true
		}
	}
	return false
}

// repairContentType strips double quotes from Content-Type parameter
// values: some relays requote parameters the origin sent bare.
func repairContentType(lkey string, raw []byte) []byte {
	if lkey != "content-type" || !bytes.Contains(raw, []byte(`="`)) {
		return raw
	}
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' && i+1 < len(raw) && raw[i+1] == '"' {
			if end := bytes.IndexByte(raw[i+2:], '"'); end >= 0 {
				out = append(out, '=')
				out = append(out, raw[i+2:i+2+end]...)
				i += 2 + end
				continue
			}
		}
		out = append(out, raw[i])
	}
	return out
}

// repairSubjectTag strips one leading bracketed tag, e.g. "[users] ",
// from the Subject value: mailing lists prepend their tag after signing.
func repairSubjectTag(lkey string, raw []byte) []byte {
	if lkey != "subject" {
		return raw
	}
	colon := bytes.IndexByte(raw, ':')
	if colon < 0 {
		return raw
	}
	value := raw[colon+1:]

	i := 0
	for i < len(value) && (value[i] == ' ' || value[i] == '\t') {
		i++
	}
	if i >= len(value) || value[i] != '[' {
		return raw
	}
	end := bytes.IndexByte(value[i:], ']')
	if end < 0 {
		return raw
	}
	rest := value[i+end+1:]
	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}

	out := make([]byte, 0, len(raw))
	out = append(out, raw[:colon+1]...)
	out = append(out, value[:i]...)
	out = append(out, rest...)
	return out
}

// domainInside reports whether domain equals parent or is a subdomain of
// it, case already folded.
func domainInside(domain, parent string) bool {
	return domain == parent || strings.HasSuffix(domain, "."+parent)
}

// errResult builds a failure Result from a pipeline error.
func errResult(err error, sig *SignatureHeader, warnings []Warning, hideFail bool) Result {
	res := Result{
		Version:   ResultVersion,
		ErrorType: errorCode(err),
		Warnings:  warnings,
		HideFail:  hideFail,
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		res.Result = StatusTempfail
	} else {
		res.Result = StatusPermfail
	}
	if sig != nil {
		res.SDID = sig.SDID
		res.AUID = sig.AUID
		res.Selector = sig.Selector
		res.AlgorithmSignature = sig.AlgorithmSignature
		res.AlgorithmHash = sig.AlgorithmHash
	}
	var se *SigError
	if errors.As(err, &se) {
		res.ErrorParams = se.Params
	}
	return res
}
