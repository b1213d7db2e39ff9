package arh

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		relaxed bool
		want    *Header
		wantErr bool
	}{
		{
			name:  "none",
			value: "example.org 1; none",
			want:  &Header{AuthservID: "example.org", Version: 1},
		},
		{
			name:  "none without version",
			value: "example.org; none",
			want:  &Header{AuthservID: "example.org", Version: 1},
		},
		{
			name:  "single spf result",
			value: "example.com; spf=pass smtp.mailfrom=example.net",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "spf", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "smtp", Name: "mailfrom", Value: "example.net"}},
				}},
			},
		},
		{
			name:  "dkim with multiple properties",
			value: "example.com; dkim=pass header.d=example.net header.i=@example.net header.s=sel",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{
						{Type: "header", Name: "d", Value: "example.net"},
						{Type: "header", Name: "i", Value: "@example.net"},
						{Type: "header", Name: "s", Value: "sel"},
					},
				}},
			},
		},
		{
			name:  "multiple methods",
			value: "example.com; dkim=pass header.d=example.net; spf=fail smtp.mailfrom=other.example",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{
					{
						Method: "dkim", MethodVersion: 1, Result: "pass",
						Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
					},
					{
						Method: "spf", MethodVersion: 1, Result: "fail",
						Properties: []Property{{Type: "smtp", Name: "mailfrom", Value: "other.example"}},
					},
				},
			},
		},
		{
			name:  "reason",
			value: `example.com; dkim=fail reason="signature verification failed" header.d=example.net`,
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "fail",
					Reason:     "signature verification failed",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:  "method version",
			value: "example.com; dkim/1=pass header.d=example.net",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:  "comments and folding",
			value: "example.com (the MTA);\r\n\tdkim = pass (1024-bit key)\r\n\theader.d = example.net",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:  "nested comment",
			value: "example.com (outer (inner) end); dkim=pass header.d=example.net",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:  "quoted property value",
			value: `example.com; dkim=pass header.d="example.net"`,
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:  "mailbox property value",
			value: "example.com; spf=pass smtp.mailfrom=joe@example.net",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "spf", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "smtp", Name: "mailfrom", Value: "joe@example.net"}},
				}},
			},
		},
		{
			name:  "method and result lower cased",
			value: "example.com; DKIM=Pass header.d=example.net",
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:    "trailing semicolon strict",
			value:   "example.com; dkim=pass header.d=example.net;",
			wantErr: true,
		},
		{
			name:    "trailing semicolon relaxed",
			value:   "example.com; dkim=pass header.d=example.net;",
			relaxed: true,
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "d", Value: "example.net"}},
				}},
			},
		},
		{
			name:    "slash in property value strict",
			value:   "example.com; dkim=pass header.b=abc/def",
			wantErr: true,
		},
		{
			name:    "slash in property value relaxed",
			value:   "example.com; dkim=pass header.b=abc/def",
			relaxed: true,
			want: &Header{
				AuthservID: "example.com",
				Version:    1,
				Results: []ResInfo{{
					Method: "dkim", MethodVersion: 1, Result: "pass",
					Properties: []Property{{Type: "header", Name: "b", Value: "abc/def"}},
				}},
			},
		},
		{
			name:    "empty input",
			value:   "",
			wantErr: true,
		},
		{
			name:    "missing results",
			value:   "example.com",
			wantErr: true,
		},
		{
			name:    "missing result keyword",
			value:   "example.com; dkim=",
			wantErr: true,
		},
		{
			name:    "missing property value",
			value:   "example.com; dkim=pass header.d=",
			wantErr: true,
		},
		{
			name:    "content after none",
			value:   "example.com; none; dkim=pass",
			wantErr: true,
		},
		{
			name:    "unterminated comment",
			value:   "example.com (oops; dkim=pass",
			wantErr: true,
		},
		{
			name:    "unterminated quoted string",
			value:   `example.com; dkim=fail reason="oops`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.value, Options{Relaxed: tt.relaxed})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() = %+v, want error", got)
				}
				var se *SyntaxError
				if !errors.As(err, &se) {
					t.Fatalf("error type %T, want *SyntaxError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSyntaxErrorPosition(t *testing.T) {
	_, err := Parse("example.com; dkim?pass", Options{})
	var se *SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SyntaxError", err)
	}
	if se.Pos != 17 {
		t.Errorf("Pos = %d, want 17", se.Pos)
	}
}

func TestQuotedStringEscapes(t *testing.T) {
	h, err := Parse(`example.com; dkim=fail reason="a \"quoted\" part"`, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Results[0].Reason; got != `a "quoted" part` {
		t.Errorf("Reason = %q", got)
	}
}
