package dkim

import (
	"testing"
)

func TestParseKeyRecord(t *testing.T) {
	tests := []struct {
		name    string
		txt     string
		wantErr Code
		check   func(t *testing.T, key *Key)
	}{
		{
			name: "minimal record",
			txt:  "v=DKIM1; p=dGVzdGtleWRhdGE=",
			check: func(t *testing.T, key *Key) {
				if key.Type != AlgRSA {
					t.Errorf("Type = %q, want rsa default", key.Type)
				}
				if len(key.PublicKey) == 0 {
					t.Error("PublicKey empty")
				}
				if !key.AllowsHash(HashSHA1) || !key.AllowsHash(HashSHA256) {
					t.Error("no h= tag must allow all hashes")
				}
			},
		},
		{
			name: "no version tag",
			txt:  "k=rsa; p=dGVzdGtleWRhdGE=",
			check: func(t *testing.T, key *Key) {
				if key.Version != "" {
					t.Errorf("Version = %q, want empty", key.Version)
				}
			},
		},
		{
			name: "hash allowlist",
			txt:  "v=DKIM1; h=sha256; p=dGVzdGtleWRhdGE=",
			check: func(t *testing.T, key *Key) {
				if key.AllowsHash(HashSHA1) {
					t.Error("sha1 must not be allowed")
				}
				if !key.AllowsHash(HashSHA256) {
					t.Error("sha256 must be allowed")
				}
			},
		},
		{
			name: "ed25519 key type",
			txt:  "v=DKIM1; k=ed25519; p=dGVzdGtleWRhdGE=",
			check: func(t *testing.T, key *Key) {
				if key.Type != AlgEd25519 {
					t.Errorf("Type = %q, want ed25519", key.Type)
				}
			},
		},
		{
			name: "flags",
			txt:  "v=DKIM1; t=y:s; p=dGVzdGtleWRhdGE=",
			check: func(t *testing.T, key *Key) {
				if !key.Testing() {
					t.Error("Testing() = false, want true")
				}
				if !key.StrictIdentity() {
					t.Error("StrictIdentity() = false, want true")
				}
			},
		},
		{
			name: "revoked key parses",
			txt:  "v=DKIM1; p=",
			check: func(t *testing.T, key *Key) {
				if len(key.PublicKey) != 0 {
					t.Error("revoked key must have empty PublicKey")
				}
			},
		},
		{
			name: "email service allowed",
			txt:  "v=DKIM1; s=email; p=dGVzdGtleWRhdGE=",
		},
		{
			name:    "wrong version value",
			txt:     "v=DKIM2; p=dGVzdGtleWRhdGE=",
			wantErr: CodeKeyInvalidV,
		},
		{
			name:    "version not first",
			txt:     "p=dGVzdGtleWRhdGE=; v=DKIM1",
			wantErr: CodeKeyInvalidV,
		},
		{
			name:    "missing public key",
			txt:     "v=DKIM1; k=rsa",
			wantErr: CodeKeyMissingP,
		},
		{
			name:    "bad public key data",
			txt:     "v=DKIM1; p=@@@@",
			wantErr: CodeKeyIllformedP,
		},
		{
			name:    "service excludes email",
			txt:     "v=DKIM1; s=web; p=dGVzdGtleWRhdGE=",
			wantErr: CodeKeyNotEmailKey,
		},
		{
			name:    "duplicate tag",
			txt:     "v=DKIM1; p=dGVzdA==; p=dGVzdA==",
			wantErr: CodeKeyDuplicateTag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKeyRecord(tt.txt)
			if tt.wantErr != "" {
				wantSigError(t, err, tt.wantErr)
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.check != nil {
				tt.check(t, key)
			}
		})
	}
}
