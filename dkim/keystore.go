package dkim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/storage"
)

// KeyResult is a fetched key record: the raw TXT string plus whether the
// DNS answer was DNSSEC authenticated. Only the raw string is ever
// persisted; parsing happens fresh on every verification.
type KeyResult struct {
	TXT    string `json:"txt"`
	Secure bool   `json:"secure"`
}

// KeyFetcher retrieves the key record for a signature.
type KeyFetcher interface {
	FetchKey(ctx context.Context, sdid, selector string) (KeyResult, error)
}

// StoreMode selects how the KeyStore uses its persistent store.
type StoreMode int

const (
	// StoreModeNone always queries DNS and never persists.
	StoreModeNone StoreMode = iota

	// StoreModeCache returns the stored record when present, querying DNS
	// only on a miss.
	StoreModeCache

	// StoreModeCompare always queries DNS but compares the answer against
	// the stored record, logging a warning when a published key changed.
	StoreModeCompare
)

// KeyStore fetches DKIM key records over DNS with optional persistence.
// It is safe for concurrent use; the persisted snapshot is loaded once.
type KeyStore struct {
	Resolver dns.Resolver
	Store    storage.Store
	Mode     StoreMode
	Logger   *slog.Logger

	loadOnce sync.Once
	loadErr  error
	mu       sync.Mutex
	keys     map[string]storedKey
}

type storedKey struct {
	SDID      string    `json:"sdid"`
	Selector  string    `json:"selector"`
	TXT       string    `json:"txt"`
	Secure    bool      `json:"secure"`
	FetchedAt time.Time `json:"fetchedAt"`
}

func (ks *KeyStore) logger() *slog.Logger {
	if ks.Logger != nil {
		return ks.Logger
	}
	return slog.Default()
}

// FetchKey returns the key record for sdid/selector per the store mode.
func (ks *KeyStore) FetchKey(ctx context.Context, sdid, selector string) (KeyResult, error) {
	usesStore := ks.Store != nil && ks.Mode != StoreModeNone
	if usesStore {
		if err := ks.load(ctx); err != nil {
			return KeyResult{}, internalError(CodeInternalError, err)
		}
	}

	mapKey := sdid + "\x00" + selector

	if usesStore && ks.Mode == StoreModeCache {
		ks.mu.Lock()
		entry, ok := ks.keys[mapKey]
		ks.mu.Unlock()
		if ok {
			return KeyResult{TXT: entry.TXT, Secure: entry.Secure}, nil
		}
	}

	res, err := ks.fetchDNS(ctx, sdid, selector)
	if err != nil {
		return KeyResult{}, err
	}

	if usesStore {
		ks.mu.Lock()
		if prev, ok := ks.keys[mapKey]; ok && ks.Mode == StoreModeCompare && prev.TXT != res.TXT {
			ks.logger().Warn("stored DKIM key differs from DNS",
				slog.String("sdid", sdid),
				slog.String("selector", selector),
			)
		}
		ks.keys[mapKey] = storedKey{
			SDID:      sdid,
			Selector:  selector,
			TXT:       res.TXT,
			Secure:    res.Secure,
			FetchedAt: time.Now().UTC(),
		}
		snapshot := make([]storedKey, 0, len(ks.keys))
		for _, k := range ks.keys {
			snapshot = append(snapshot, k)
		}
		ks.mu.Unlock()

		if err := ks.persist(ctx, snapshot); err != nil {
			ks.logger().Warn("persisting key store failed", slog.Any("error", err))
		}
	}

	return res, nil
}

// fetchDNS queries the key record and maps resolver errors to the
// verification error taxonomy.
func (ks *KeyStore) fetchDNS(ctx context.Context, sdid, selector string) (KeyResult, error) {
	name := selector + "._domainkey." + sdid

	res, err := ks.Resolver.LookupTXT(ctx, name)
	switch {
	case err == nil:
	case dns.IsNotFound(err):
		return KeyResult{}, sigError(CodeNoKey, name)
	case dns.IsBogus(err):
		return KeyResult{}, internalError(CodeDNSSECBogus, err)
	default:
		return KeyResult{}, internalError(CodeDNSServerError, err)
	}

	txt := selectKeyRecord(res.Records)
	if txt == "" {
		return KeyResult{}, sigError(CodeNoKey, name)
	}
	return KeyResult{TXT: txt, Secure: res.Authentic}, nil
}

// selectKeyRecord picks the key record among the TXT answers: the first
// record starting with v=DKIM1, else the first record at the name.
func selectKeyRecord(records []string) string {
	for _, r := range records {
		if strings.HasPrefix(strings.TrimLeft(r, " \t"), "v=DKIM1") {
			return r
		}
	}
	if len(records) > 0 {
		return records[0]
	}
	return ""
}

// load reads the persisted snapshot exactly once.
func (ks *KeyStore) load(ctx context.Context) error {
	ks.loadOnce.Do(func() {
		ks.keys = make(map[string]storedKey)

		data, err := ks.Store.Get(ctx, storage.NamespaceKeyStore)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			ks.loadErr = err
			return
		}
		var entries []storedKey
		if err := json.Unmarshal(data, &entries); err != nil {
			ks.loadErr = err
			return
		}
		for _, e := range entries {
			ks.keys[e.SDID+"\x00"+e.Selector] = e
		}
	})
	return ks.loadErr
}

func (ks *KeyStore) persist(ctx context.Context, snapshot []storedKey) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return ks.Store.Set(ctx, storage.NamespaceKeyStore, data)
}

// DNSKeyFetcher is the storeless fetcher: plain DNS lookups.
type DNSKeyFetcher struct {
	Resolver dns.Resolver
}

// FetchKey queries DNS for the key record.
func (f DNSKeyFetcher) FetchKey(ctx context.Context, sdid, selector string) (KeyResult, error) {
	ks := KeyStore{Resolver: f.Resolver}
	return ks.fetchDNS(ctx, sdid, selector)
}
