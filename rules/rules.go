// Package rules implements the sign-rule policy engine: priority-ordered
// records stating which senders must be DKIM signed by which domains.
//
// User rules are mutable and persisted wholesale; default rules are
// read-only and loaded once. The engine post-processes verification
// results: it turns an unsigned message from an expected-signed sender
// into a failure, flags signatures by the wrong domain, and can learn
// rules automatically from first successes.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/message"
	"github.com/synqronlabs/kestrel/storage"
)

// RuleType states what a matching rule demands.
type RuleType int

const (
	// TypeAll: mail matching the rule must carry a valid signature by one
	// of the rule's SDIDs.
	TypeAll RuleType = iota + 1

	// TypeNeutral: mail matching the rule need not be signed.
	TypeNeutral

	// TypeHideFail: like neutral, but failed signatures are additionally
	// presented like unsigned mail.
	TypeHideFail
)

// Rule priorities. Higher wins.
const (
	PriorityAutoInsert = 1100
	PriorityDefault    = 2100
	PriorityUser       = 3100
)

// Rule is one sign rule.
type Rule struct {
	// ID is assigned on insert; empty for default rules.
	ID string `json:"id,omitempty"`

	// Domain matches the sender domain, including subdomains.
	Domain string `json:"domain"`

	// ListID, when set, must equal the message's List-Id exactly.
	ListID string `json:"listId,omitempty"`

	// Addr is a glob pattern over the full sender address.
	Addr string `json:"addr"`

	// SDID is a space-separated list of allowed signing domains. Empty
	// means the sender domain itself.
	SDID string `json:"sdid,omitempty"`

	Type     RuleType `json:"type"`
	Priority int      `json:"priority"`
	Enabled  bool     `json:"enabled"`
}

// sdids returns the allowed signing domains, defaulting to the sender
// domain.
func (r Rule) sdids(fromDomain string) []string {
	if r.SDID == "" {
		return []string{fromDomain}
	}
	return strings.Fields(r.SDID)
}

// Decision is the outcome of matching a sender against the rules.
type Decision struct {
	// ShouldBeSigned is true when a valid signature is expected.
	ShouldBeSigned bool

	// SDIDs lists the signing domains that satisfy the expectation.
	SDIDs []string

	// FoundRule is true when an explicit rule matched (as opposed to a
	// DMARC-derived or empty decision).
	FoundRule bool

	// HideFail asks for failures to be presented like unsigned mail.
	HideFail bool
}

// Advisor supplies a fallback decision when no rule matches, typically
// derived from the sender domain's DMARC policy.
type Advisor interface {
	ShouldBeSigned(ctx context.Context, fromAddr string) (Decision, error)
}

// AutoAddPattern selects the shape of automatically learned rules.
type AutoAddPattern int

const (
	// AutoAddAddress matches only the exact sender address.
	AutoAddAddress AutoAddPattern = iota

	// AutoAddDomain matches the whole sender domain.
	AutoAddDomain

	// AutoAddBaseDomain matches the sender's organizational domain and
	// everything below it.
	AutoAddBaseDomain
)

// Options configures a Ruleset.
type Options struct {
	// UseDefaultRules enables the built-in rule list.
	UseDefaultRules bool

	// AutoAddRule learns a rule from the first verified signature of a
	// sender that no rule covers yet.
	AutoAddRule bool

	// AutoAddPattern shapes learned rules.
	AutoAddPattern AutoAddPattern

	// AllowSubdomainSDID accepts signatures by subdomains of an allowed
	// SDID.
	AllowSubdomainSDID bool

	// CheckSDID reacts to a valid signature by a domain outside the
	// rule's SDID list. Default: PolicyError.
	CheckSDID dkim.PolicyAction

	Logger *slog.Logger
}

// Ruleset holds the user rules (persisted) and default rules (static).
// Safe for concurrent use.
type Ruleset struct {
	store    storage.Store
	defaults []Rule
	opts     Options

	loadOnce sync.Once
	loadErr  error
	mu       sync.Mutex
	user     []Rule
}

// NewRuleset creates a rule engine over the given store. defaults may be
// nil; they are only consulted when Options.UseDefaultRules is set.
func NewRuleset(store storage.Store, defaults []Rule, opts Options) *Ruleset {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ruleset{store: store, defaults: defaults, opts: opts}
}

// load reads the persisted user rules exactly once.
func (rs *Ruleset) load(ctx context.Context) error {
	rs.loadOnce.Do(func() {
		if rs.store == nil {
			return
		}
		data, err := rs.store.Get(ctx, storage.NamespaceSignRules)
		if err != nil {
			if err != storage.ErrNotFound {
				rs.loadErr = err
			}
			return
		}
		rs.loadErr = json.Unmarshal(data, &rs.user)
	})
	return rs.loadErr
}

// persist writes the user rules wholesale. Callers hold rs.mu.
func (rs *Ruleset) persist(ctx context.Context) error {
	if rs.store == nil {
		return nil
	}
	data, err := json.Marshal(rs.user)
	if err != nil {
		return err
	}
	return rs.store.Set(ctx, storage.NamespaceSignRules, data)
}

// List returns a copy of the user rules.
func (rs *Ruleset) List(ctx context.Context) ([]Rule, error) {
	if err := rs.load(ctx); err != nil {
		return nil, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return slices.Clone(rs.user), nil
}

// Add inserts a user rule, assigning its ID, and persists.
func (rs *Ruleset) Add(ctx context.Context, r Rule) (Rule, error) {
	if err := rs.load(ctx); err != nil {
		return Rule{}, err
	}
	r.ID = ulid.Make().String()
	if r.Priority == 0 {
		r.Priority = PriorityUser
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.user = append(rs.user, r)
	if err := rs.persist(ctx); err != nil {
		rs.user = rs.user[:len(rs.user)-1]
		return Rule{}, err
	}
	return r, nil
}

// Update replaces the user rule with the same ID and persists.
func (rs *Ruleset) Update(ctx context.Context, r Rule) error {
	if err := rs.load(ctx); err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := range rs.user {
		if rs.user[i].ID == r.ID {
			rs.user[i] = r
			return rs.persist(ctx)
		}
	}
	return fmt.Errorf("rules: no rule with id %q", r.ID)
}

// Delete removes the user rule with the given ID and persists.
func (rs *Ruleset) Delete(ctx context.Context, id string) error {
	if err := rs.load(ctx); err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := range rs.user {
		if rs.user[i].ID == id {
			rs.user = slices.Delete(rs.user, i, i+1)
			return rs.persist(ctx)
		}
	}
	return fmt.Errorf("rules: no rule with id %q", id)
}

// matches reports whether the enabled rule covers the sender.
func (r Rule) matches(from, fromDomain, listID string) bool {
	return r.Enabled && r.covers(from, fromDomain, listID)
}

// covers reports whether the rule covers the sender, regardless of its
// enabled state.
func (r Rule) covers(from, fromDomain, listID string) bool {
	if r.Domain != "" && !domainInside(fromDomain, strings.ToLower(r.Domain)) {
		return false
	}
	if r.ListID != "" && !strings.EqualFold(r.ListID, listID) {
		return false
	}
	if r.Addr != "" {
		ok, err := path.Match(strings.ToLower(r.Addr), strings.ToLower(from))
		if err != nil || !ok {
			return false
		}
	}
	return r.Domain != "" || r.Addr != "" || r.ListID != ""
}

func domainInside(domain, parent string) bool {
	return domain == parent || strings.HasSuffix(domain, "."+parent)
}

// ShouldBeSigned decides whether mail from the sender is expected to be
// signed. The highest-priority matching rule wins; equal priorities are
// broken arbitrarily. When no rule matches, the advisor (if any) decides.
func (rs *Ruleset) ShouldBeSigned(ctx context.Context, from, listID string, advisor Advisor) (Decision, error) {
	if err := rs.load(ctx); err != nil {
		return Decision{}, err
	}
	from = strings.ToLower(from)
	fromDomain := message.DomainOf(from)

	var best *Rule
	consider := func(r Rule) {
		if !r.matches(from, fromDomain, listID) {
			return
		}
		if best == nil || r.Priority > best.Priority {
			c := r
			best = &c
		}
	}

	rs.mu.Lock()
	for _, r := range rs.user {
		consider(r)
	}
	rs.mu.Unlock()
	if rs.opts.UseDefaultRules {
		for _, r := range rs.defaults {
			consider(r)
		}
	}

	if best != nil {
		d := Decision{FoundRule: true}
		switch best.Type {
		case TypeAll:
			d.ShouldBeSigned = true
			d.SDIDs = best.sdids(fromDomain)
		case TypeHideFail:
			d.HideFail = true
		}
		return d, nil
	}

	if advisor != nil {
		return advisor.ShouldBeSigned(ctx, from)
	}
	return Decision{}, nil
}

// Check post-processes one verification result against the rules. The
// input is not mutated; the adjusted copy is returned.
//
// isOutgoing, when non-nil, suppresses missing-signature failures and
// rule learning for mail the user sent themselves.
func (rs *Ruleset) Check(ctx context.Context, res dkim.Result, from, listID string, isOutgoing func() (bool, error), advisor Advisor) (dkim.Result, error) {
	decision, err := rs.ShouldBeSigned(ctx, from, listID, advisor)
	if err != nil {
		return res, err
	}

	outgoing := false
	if isOutgoing != nil {
		outgoing, err = isOutgoing()
		if err != nil {
			return res, err
		}
	}

	switch res.Result {
	case dkim.StatusNone:
		if decision.ShouldBeSigned && !outgoing {
			res.Result = dkim.StatusPermfail
			res.ErrorType = dkim.CodeMissingSig
			res.HideFail = decision.HideFail
		}

	case dkim.StatusSuccess:
		if len(decision.SDIDs) > 0 && !rs.sdidAllowed(res.SDID, decision.SDIDs) {
			action := rs.opts.CheckSDID
			if action == dkim.PolicyDefault {
				action = dkim.PolicyError
			}
			switch action {
			case dkim.PolicyError:
				res.Result = dkim.StatusPermfail
				res.ErrorType = dkim.CodeWrongSDID
				res.ErrorParams = []string{res.SDID}
				res.HideFail = decision.HideFail
			case dkim.PolicyWarn:
				res.Warnings = append(slices.Clone(res.Warnings),
					dkim.Warning{Code: dkim.WarnPolicyWrongSDID, Params: []string{res.SDID}})
			}
			break
		}
		if !decision.FoundRule && rs.opts.AutoAddRule && !outgoing {
			if err := rs.autoAdd(ctx, from, res.SDID); err != nil {
				rs.opts.Logger.Warn("auto-adding sign rule failed", slog.Any("error", err))
			}
		}

	case dkim.StatusPermfail:
		if decision.HideFail {
			res.HideFail = true
		}
	}

	return res, nil
}

// sdidAllowed reports whether the signing domain satisfies the allowed
// list.
func (rs *Ruleset) sdidAllowed(sdid string, allowed []string) bool {
	sdid = strings.ToLower(sdid)
	for _, a := range allowed {
		a = strings.ToLower(a)
		if sdid == a {
			return true
		}
		if rs.opts.AllowSubdomainSDID && strings.HasSuffix(sdid, "."+a) {
			return true
		}
	}
	return false
}

// autoAdd learns a rule from a first verified signature. A sender already
// covered by any user rule, enabled or not, learns nothing: a rule the
// user disabled must not grow back.
func (rs *Ruleset) autoAdd(ctx context.Context, from, sdid string) error {
	fromDomain := message.DomainOf(from)

	rs.mu.Lock()
	for _, existing := range rs.user {
		if existing.covers(from, fromDomain, "") {
			rs.mu.Unlock()
			return nil
		}
	}
	rs.mu.Unlock()

	r := Rule{
		Domain:   fromDomain,
		SDID:     sdid,
		Type:     TypeAll,
		Priority: PriorityAutoInsert,
		Enabled:  true,
	}
	switch rs.opts.AutoAddPattern {
	case AutoAddAddress:
		r.Addr = from
	case AutoAddDomain:
		r.Addr = "*"
	case AutoAddBaseDomain:
		r.Addr = "*"
		if org, err := publicsuffix.EffectiveTLDPlusOne(fromDomain); err == nil {
			r.Domain = org
		}
	}

	_, err := rs.Add(ctx, r)
	if err == nil {
		rs.opts.Logger.Info("learned sign rule",
			slog.String("domain", r.Domain),
			slog.String("addr", r.Addr),
			slog.String("sdid", r.SDID),
		)
	}
	return err
}
