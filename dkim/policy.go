package dkim

import (
	"log/slog"
	"time"
)

// PolicyAction selects how a gated check reacts when it trips: fail the
// signature, record a warning, or stay silent. The zero value resolves to
// the per-option default.
type PolicyAction int

const (
	PolicyDefault PolicyAction = iota
	PolicyError
	PolicyWarn
	PolicyIgnore
)

// resolve replaces PolicyDefault with the option's documented default.
func (a PolicyAction) resolve(def PolicyAction) PolicyAction {
	if a == PolicyDefault {
		return def
	}
	return a
}

// Strictness grades the signed-header coverage check.
type Strictness int

const (
	StrictnessRelaxed Strictness = iota + 1
	StrictnessRecommended
	StrictnessStrict
)

// VerifyOptions controls the policy-gated checks of a Verifier. The zero
// value gives the documented defaults; fields only need to be set to
// deviate from them.
type VerifyOptions struct {
	// SHA1 reacts to rsa-sha1 signatures (historic per RFC 8301).
	// Default: PolicyWarn.
	SHA1 PolicyAction

	// MalformedIdentity reacts to an unparseable i= tag. Warn and Ignore
	// fall back to the default identity "@"+SDID. Default: PolicyWarn.
	MalformedIdentity PolicyAction

	// MalformedSelector reacts to a selector that only matches the relaxed
	// grammar (e.g. leading underscore labels). Default: PolicyWarn.
	MalformedSelector PolicyAction

	// WeakRSAKey reacts to RSA keys of 1024 to 2047 bits. Keys below 1024
	// bits always fail hard. Default: PolicyWarn.
	WeakRSAKey PolicyAction

	// KeyTestMode reacts to key records flagged t=y. With PolicyWarn a
	// later failure of the same signature is additionally marked HideFail.
	// Default: PolicyWarn.
	KeyTestMode PolicyAction

	// InsecureKey reacts to key records that were not DNSSEC
	// authenticated. Default: PolicyIgnore.
	InsecureKey PolicyAction

	// RepairContentType permits retrying a failed data hash with quotes
	// around Content-Type parameter values stripped, recovering from
	// relays that requote MIME parameters. PolicyError disables the
	// retry, PolicyWarn retries and records a warning, PolicyIgnore
	// retries silently. Default: PolicyWarn.
	RepairContentType PolicyAction

	// RepairSubjectTag likewise retries with a leading bracketed mailing
	// list tag stripped from Subject. Default: PolicyWarn.
	RepairSubjectTag PolicyAction

	// UnsignedHeaders selects the coverage tier for warning about
	// significant headers left out of h=. Default: StrictnessRecommended.
	UnsignedHeaders Strictness

	// ClockSkew is the tolerance when checking t= against the reference
	// time. Default: 15 minutes.
	ClockSkew time.Duration

	// Logger receives debug and recovery logs. Default: slog.Default().
	Logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// withDefaults returns a copy with every unset field resolved.
func (o VerifyOptions) withDefaults() VerifyOptions {
	o.SHA1 = o.SHA1.resolve(PolicyWarn)
	o.MalformedIdentity = o.MalformedIdentity.resolve(PolicyWarn)
	o.MalformedSelector = o.MalformedSelector.resolve(PolicyWarn)
	o.WeakRSAKey = o.WeakRSAKey.resolve(PolicyWarn)
	o.KeyTestMode = o.KeyTestMode.resolve(PolicyWarn)
	o.InsecureKey = o.InsecureKey.resolve(PolicyIgnore)
	o.RepairContentType = o.RepairContentType.resolve(PolicyWarn)
	o.RepairSubjectTag = o.RepairSubjectTag.resolve(PolicyWarn)
	if o.UnsignedHeaders == 0 {
		o.UnsignedHeaders = StrictnessRecommended
	}
	if o.ClockSkew == 0 {
		o.ClockSkew = 15 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// applyPolicy runs one gated check outcome: PolicyError returns a hard
// signature error, PolicyWarn appends a warning, PolicyIgnore does nothing.
func applyPolicy(action PolicyAction, errCode, warnCode Code, warnings *[]Warning, params ...string) error {
	switch action {
	case PolicyError:
		return sigError(errCode, params...)
	case PolicyWarn:
		*warnings = append(*warnings, Warning{Code: warnCode, Params: params})
	}
	return nil
}

// Header coverage tiers. A header listed for a tier should be signed when
// present. Reply-To is graded dynamically (see checkSignedHeaders):
// recommended unless it already points into the signing domain.
var (
	// requiredHeaders warn at every strictness when present but unsigned.
	requiredHeaders = []string{"from", "subject"}

	// recommendedHeaders warn at StrictnessRecommended and above.
	recommendedHeaders = []string{
		"cc",
		"date",
		"in-reply-to",
		"list-archive",
		"list-help",
		"list-id",
		"list-owner",
		"list-post",
		"list-subscribe",
		"list-unsubscribe",
		"references",
		"resent-cc",
		"resent-date",
		"resent-from",
		"resent-message-id",
		"resent-sender",
		"resent-to",
		"to",
	}

	// desiredHeaders warn only at StrictnessStrict.
	desiredHeaders = []string{
		"content-description",
		"content-disposition",
		"content-id",
		"content-transfer-encoding",
		"content-type",
		"message-id",
		"mime-version",
		"sender",
	}
)
