package dkim

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/storage"
)

const testKeyTXT = "v=DKIM1; p=dGVzdGtleWRhdGE="

func TestKeyStoreCacheMode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	ks := &KeyStore{
		Resolver: dns.MockResolver{
			TXT: map[string][]string{
				"sel._domainkey.example.com.": {testKeyTXT},
			},
		},
		Store: store,
		Mode:  StoreModeCache,
	}

	res, err := ks.FetchKey(ctx, "example.com", "sel")
	if err != nil {
		t.Fatal(err)
	}
	if res.TXT != testKeyTXT {
		t.Errorf("TXT = %q", res.TXT)
	}

	// A cache hit must not touch DNS: the resolver now fails the name.
	ks.Resolver = dns.MockResolver{Fail: []string{"sel._domainkey.example.com."}}
	res, err = ks.FetchKey(ctx, "example.com", "sel")
	if err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if res.TXT != testKeyTXT {
		t.Errorf("cached TXT = %q", res.TXT)
	}
}

func TestKeyStorePersistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	first := &KeyStore{
		Resolver: dns.MockResolver{
			TXT: map[string][]string{
				"sel._domainkey.example.com.": {testKeyTXT},
			},
			AllAuthentic: true,
		},
		Store: store,
		Mode:  StoreModeCache,
	}
	if _, err := first.FetchKey(ctx, "example.com", "sel"); err != nil {
		t.Fatal(err)
	}

	// A fresh instance backed by the same store serves from the snapshot.
	second := &KeyStore{
		Resolver: dns.MockResolver{Fail: []string{"sel._domainkey.example.com."}},
		Store:    store,
		Mode:     StoreModeCache,
	}
	res, err := second.FetchKey(ctx, "example.com", "sel")
	if err != nil {
		t.Fatal(err)
	}
	if res.TXT != testKeyTXT {
		t.Errorf("TXT = %q", res.TXT)
	}
	if !res.Secure {
		t.Error("Secure flag lost across persistence")
	}
}

func TestKeyStoreCompareMode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	var logBuf bytes.Buffer

	ks := &KeyStore{
		Resolver: dns.MockResolver{
			TXT: map[string][]string{
				"sel._domainkey.example.com.": {testKeyTXT},
			},
		},
		Store:  store,
		Mode:   StoreModeCompare,
		Logger: slog.New(slog.NewTextHandler(&logBuf, nil)),
	}
	if _, err := ks.FetchKey(ctx, "example.com", "sel"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logBuf.String(), "differs") {
		t.Error("first fetch must not warn")
	}

	// Same answer: still no warning.
	if _, err := ks.FetchKey(ctx, "example.com", "sel"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logBuf.String(), "differs") {
		t.Error("unchanged key must not warn")
	}

	// Published key changes: compare mode returns the new key and warns.
	changed := "v=DKIM1; p=b3RoZXJrZXlkYXRh"
	ks.Resolver = dns.MockResolver{
		TXT: map[string][]string{
			"sel._domainkey.example.com.": {changed},
		},
	}
	res, err := ks.FetchKey(ctx, "example.com", "sel")
	if err != nil {
		t.Fatal(err)
	}
	if res.TXT != changed {
		t.Errorf("TXT = %q, want new record", res.TXT)
	}
	if !strings.Contains(logBuf.String(), "differs") {
		t.Error("changed key must be logged")
	}
}

func TestKeyStoreErrorMapping(t *testing.T) {
	ctx := context.Background()
	ks := &KeyStore{
		Resolver: dns.MockResolver{
			TXT: map[string][]string{
				"empty._domainkey.example.com.": {},
			},
			Fail:  []string{"down._domainkey.example.com."},
			Bogus: []string{"bogus._domainkey.example.com."},
		},
	}

	t.Run("no record", func(t *testing.T) {
		_, err := ks.FetchKey(ctx, "example.com", "missing")
		wantSigError(t, err, CodeNoKey)
	})

	t.Run("server error", func(t *testing.T) {
		_, err := ks.FetchKey(ctx, "example.com", "down")
		var ierr *InternalError
		if !errors.As(err, &ierr) || ierr.Code != CodeDNSServerError {
			t.Fatalf("error = %v, want internal %s", err, CodeDNSServerError)
		}
	})

	t.Run("dnssec bogus", func(t *testing.T) {
		_, err := ks.FetchKey(ctx, "example.com", "bogus")
		var ierr *InternalError
		if !errors.As(err, &ierr) || ierr.Code != CodeDNSSECBogus {
			t.Fatalf("error = %v, want internal %s", err, CodeDNSSECBogus)
		}
	})
}

func TestSelectKeyRecord(t *testing.T) {
	tests := []struct {
		name    string
		records []string
		want    string
	}{
		{"empty", nil, ""},
		{"single", []string{testKeyTXT}, testKeyTXT},
		{
			"prefers DKIM1 record",
			[]string{"some other txt", testKeyTXT},
			testKeyTXT,
		},
		{
			"leading whitespace tolerated",
			[]string{"other", " \tv=DKIM1; p=dGVzdA=="},
			" \tv=DKIM1; p=dGVzdA==",
		},
		{
			"falls back to first record",
			[]string{"k=rsa; p=dGVzdA==", "another"},
			"k=rsa; p=dGVzdA==",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectKeyRecord(tt.records); got != tt.want {
				t.Errorf("selectKeyRecord() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDNSKeyFetcher(t *testing.T) {
	f := DNSKeyFetcher{
		Resolver: dns.MockResolver{
			TXT: map[string][]string{
				"sel._domainkey.example.com.": {testKeyTXT},
			},
			AllAuthentic: true,
		},
	}
	res, err := f.FetchKey(context.Background(), "example.com", "sel")
	if err != nil {
		t.Fatal(err)
	}
	if res.TXT != testKeyTXT || !res.Secure {
		t.Errorf("got %+v", res)
	}
}
