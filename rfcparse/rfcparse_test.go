package rfcparse

import (
	"errors"
	"testing"
)

func TestParseTagValueList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		want    map[string]string
	}{
		{
			name:  "simple list",
			input: "v=1; a=rsa-sha256; d=example.com",
			want:  map[string]string{"v": "1", "a": "rsa-sha256", "d": "example.com"},
		},
		{
			name:  "trailing semicolon",
			input: "v=1; d=example.com;",
			want:  map[string]string{"v": "1", "d": "example.com"},
		},
		{
			name:  "empty value",
			input: "v=1; p=",
			want:  map[string]string{"v": "1", "p": ""},
		},
		{
			name:  "folded value collapsed",
			input: "b=abc\r\n\tdef; v=1",
			want:  map[string]string{"b": "abc def", "v": "1"},
		},
		{
			name:  "whitespace around tags",
			input: "  v = 1 ;  d = example.com  ",
			want:  map[string]string{"v": "1", "d": "example.com"},
		},
		{
			name:    "duplicate tag",
			input:   "v=1; v=2",
			wantErr: ErrDuplicateTag,
		},
		{
			name:    "missing equals",
			input:   "v=1; bogus",
			wantErr: ErrIllFormed,
		},
		{
			name:    "tag name starts with digit",
			input:   "1v=1",
			wantErr: ErrIllFormed,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: ErrIllFormed,
		},
		{
			name:    "only semicolon",
			input:   ";",
			wantErr: ErrIllFormed,
		},
		{
			name:    "control character in value",
			input:   "v=a\x01b",
			wantErr: ErrIllFormed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseTagValueList(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for name, want := range tt.want {
				got, ok := m.Get(name)
				if !ok {
					t.Errorf("tag %q missing", name)
					continue
				}
				if got != want {
					t.Errorf("tag %q = %q, want %q", name, got, want)
				}
			}
			if len(m.Tags()) != len(tt.want) {
				t.Errorf("Tags() = %v, want %d tags", m.Tags(), len(tt.want))
			}
		})
	}
}

func TestTagMapOrder(t *testing.T) {
	m, err := ParseTagValueList("z=3; a=1; m=2")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"z", "a", "m"}
	got := m.Tags()
	if len(got) != len(want) {
		t.Fatalf("Tags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tags()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsDomainName(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"example.com", true},
		{"sub.example.com", true},
		{"xn--h-bga.example", true},
		{"e.com", true},
		{"localhost", false},
		{"example..com", false},
		{".example.com", false},
		{"example.com.", false},
		{"-bad.example.com", false},
		{"bad-.example.com", false},
		{"under_score.example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDomainName(tt.s); got != tt.want {
			t.Errorf("IsDomainName(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestSelectors(t *testing.T) {
	tests := []struct {
		s           string
		strict      bool
		relaxedOnly bool
	}{
		{"brisbane", true, false},
		{"dkim.2024", true, false},
		{"s2048-q1", true, false},
		{"default._domainkey", false, true},
		{"_s", false, true},
		{"bad..dots", false, false},
		{"", false, false},
		{"-lead", false, false},
	}
	for _, tt := range tests {
		if got := IsSelector(tt.s); got != tt.strict {
			t.Errorf("IsSelector(%q) = %v, want %v", tt.s, got, tt.strict)
		}
		wantRelaxed := tt.strict || tt.relaxedOnly
		if got := IsSelectorRelaxed(tt.s); got != wantRelaxed {
			t.Errorf("IsSelectorRelaxed(%q) = %v, want %v", tt.s, got, wantRelaxed)
		}
	}
}

func TestIsBase64String(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"dGVzdA==", true},
		{"dGVz dA==", true},         // FWS between characters
		{"dGVz\r\n\tdA==", true},    // folded
		{"dGVzdA===", false},        // too much padding
		{"dGVz*dA==", false},
		{"", false},
		{"  ", false},
	}
	for _, tt := range tests {
		if got := IsBase64String(tt.s); got != tt.want {
			t.Errorf("IsBase64String(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestDkimQuotedPrintable(t *testing.T) {
	tests := []struct {
		s       string
		valid   bool
		decoded string
	}{
		{"simple", true, "simple"},
		{"with=20space", true, "with space"},
		{"equals=3D", true, "equals="},
		{"semi=3Bcolon", true, "semi;colon"},
		{"bad=zz", false, ""},
		{"trailing=", false, ""},
	}
	for _, tt := range tests {
		if got := IsDkimQuotedPrintable(tt.s); got != tt.valid {
			t.Errorf("IsDkimQuotedPrintable(%q) = %v, want %v", tt.s, got, tt.valid)
		}
		if tt.valid {
			if got := DecodeDkimQP(tt.s); got != tt.decoded {
				t.Errorf("DecodeDkimQP(%q) = %q, want %q", tt.s, got, tt.decoded)
			}
		}
	}
}

func TestStripAndUnfoldFWS(t *testing.T) {
	if got := StripFWS("a b\tc\r\nd"); got != "abcd" {
		t.Errorf("StripFWS = %q, want abcd", got)
	}
	if got := UnfoldFWS("line one\r\n\tline two"); got != "line one line two" {
		t.Errorf("UnfoldFWS = %q", got)
	}
	if got := UnfoldFWS("no folds"); got != "no folds" {
		t.Errorf("UnfoldFWS = %q, want unchanged", got)
	}
}

func TestIsLocalPart(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"joe", true},
		{"joe.sixpack", true},
		{"user+tag", true},
		{`"quoted string"`, true},
		{"joe..sixpack", false},
		{".joe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsLocalPart(tt.s); got != tt.want {
			t.Errorf("IsLocalPart(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}
