package dkim

import (
	"errors"
	"strings"
	"testing"
)

// sigHeader builds a syntactically complete DKIM-Signature header with
// individual tags replaced or removed. An override of "" drops the tag.
func sigHeader(overrides map[string]string) []byte {
	tags := []struct{ name, value string }{
		{"v", "1"},
		{"a", "rsa-sha256"},
		{"c", "relaxed/simple"},
		{"d", "example.com"},
		{"s", "brisbane"},
		{"h", "from:to:subject:date"},
		{"bh", "g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs="},
		{"b", "dGVzdHNpZ25hdHVyZQ=="},
	}
	var parts []string
	for _, tag := range tags {
		value, ok := overrides[tag.name]
		if !ok {
			value = tag.value
		}
		if value == "" {
			continue
		}
		parts = append(parts, tag.name+"="+value)
	}
	for name, value := range overrides {
		known := false
		for _, tag := range tags {
			if tag.name == name {
				known = true
			}
		}
		if !known && value != "" {
			parts = append(parts, name+"="+value)
		}
	}
	return []byte("DKIM-Signature: " + strings.Join(parts, "; ") + "\r\n")
}

func wantSigError(t *testing.T, err error, code Code) {
	t.Helper()
	var se *SigError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want SigError %s", err, code)
	}
	if se.Code != code {
		t.Errorf("error code = %s, want %s", se.Code, code)
	}
}

func TestParseSignatureHeaderFieldTermination(t *testing.T) {
	// Header fields arrive CRLF-terminated; the terminator must not leak
	// into the tag list and reject the whole header.
	withCRLF := sigHeader(nil)
	if !strings.HasSuffix(string(withCRLF), "\r\n") {
		t.Fatal("test header must end with CRLF")
	}
	if _, err := ParseSignatureHeader(withCRLF, VerifyOptions{}); err != nil {
		t.Errorf("CRLF-terminated header: %v", err)
	}

	bare := []byte(strings.TrimSuffix(string(withCRLF), "\r\n"))
	if _, err := ParseSignatureHeader(bare, VerifyOptions{}); err != nil {
		t.Errorf("unterminated header: %v", err)
	}
}

func TestParseSignatureHeaderMissingTags(t *testing.T) {
	tests := []struct {
		tag  string
		want Code
	}{
		{"v", CodeMissingV},
		{"a", CodeMissingA},
		{"b", CodeMissingB},
		{"bh", CodeMissingBH},
		{"d", CodeMissingD},
		{"h", CodeMissingH},
		{"s", CodeMissingS},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			_, err := ParseSignatureHeader(sigHeader(map[string]string{tt.tag: ""}), VerifyOptions{})
			wantSigError(t, err, tt.want)
		})
	}
}

func TestParseSignatureHeaderErrors(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
		want      Code
	}{
		{"wrong version", map[string]string{"v": "2"}, CodeVersion},
		{"unknown algorithm", map[string]string{"a": "rsa-md5"}, CodeUnknownA},
		{"malformed algorithm", map[string]string{"a": "rsasha256"}, CodeIllformA},
		{"bad signature data", map[string]string{"b": "!!!"}, CodeIllformB},
		{"bad body hash", map[string]string{"bh": "not base64!"}, CodeIllformBH},
		{"unknown header canon", map[string]string{"c": "strict/simple"}, CodeUnknownCH},
		{"unknown body canon", map[string]string{"c": "relaxed/strict"}, CodeUnknownCB},
		{"bad domain", map[string]string{"d": "example..com"}, CodeIllformD},
		{"single label domain", map[string]string{"d": "localhost"}, CodeIllformD},
		{"h without from", map[string]string{"h": "to:subject"}, CodeMissFrom},
		{"identity outside domain", map[string]string{"i": "@elsewhere.org"}, CodeSubdomI},
		{"negative length", map[string]string{"l": "-1"}, CodeIllformL},
		{"query without dns/txt", map[string]string{"q": "http/get"}, CodeInvalidQ},
		{"bad timestamp", map[string]string{"t": "12x4"}, CodeIllformT},
		{"bad expiration", map[string]string{"x": "later"}, CodeIllformX},
		{"expiration before timestamp", map[string]string{"t": "1000", "x": "999"}, CodeTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignatureHeader(sigHeader(tt.overrides), VerifyOptions{})
			wantSigError(t, err, tt.want)
		})
	}
}

func TestParseSignatureHeaderDuplicateTag(t *testing.T) {
	raw := []byte("DKIM-Signature: v=1; v=1; a=rsa-sha256; d=example.com; s=sel; h=from; bh=dGVzdA==; b=dGVzdA==\r\n")
	_, err := ParseSignatureHeader(raw, VerifyOptions{})
	wantSigError(t, err, CodeDuplicateTag)
}

func TestParseSignatureHeaderDefaults(t *testing.T) {
	sig, err := ParseSignatureHeader(sigHeader(map[string]string{"c": ""}), VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sig.CanonHeader != CanonSimple || sig.CanonBody != CanonSimple {
		t.Errorf("canon = %s/%s, want simple/simple", sig.CanonHeader, sig.CanonBody)
	}
	if sig.AUID != "@example.com" {
		t.Errorf("AUID = %q, want @example.com", sig.AUID)
	}
	if sig.BodyLength != -1 {
		t.Errorf("BodyLength = %d, want -1", sig.BodyLength)
	}
	if sig.Timestamp != -1 || sig.Expiration != -1 {
		t.Errorf("times = %d/%d, want -1/-1", sig.Timestamp, sig.Expiration)
	}
	if len(sig.QueryMethods) != 1 || sig.QueryMethods[0] != "dns/txt" {
		t.Errorf("QueryMethods = %v, want [dns/txt]", sig.QueryMethods)
	}
}

func TestParseSignatureHeaderIdentity(t *testing.T) {
	tests := []struct {
		name       string
		identity   string
		wantErr    Code
		wantAUID   string
		wantDomain string
	}{
		{"same domain", "@example.com", "", "@example.com", "example.com"},
		{"subdomain", "@mail.example.com", "", "@mail.example.com", "mail.example.com"},
		{"with local part", "bob@example.com", "", "bob@example.com", "example.com"},
		{"unrelated domain", "@example.net", CodeSubdomI, "", ""},
		{"suffix but not subdomain", "@notexample.com", CodeSubdomI, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignatureHeader(sigHeader(map[string]string{"i": tt.identity}), VerifyOptions{})
			if tt.wantErr != "" {
				wantSigError(t, err, tt.wantErr)
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sig.AUID != tt.wantAUID {
				t.Errorf("AUID = %q, want %q", sig.AUID, tt.wantAUID)
			}
			if sig.AUIDDomain != tt.wantDomain {
				t.Errorf("AUIDDomain = %q, want %q", sig.AUIDDomain, tt.wantDomain)
			}
		})
	}
}

func TestParseSignatureHeaderMalformedIdentityPolicy(t *testing.T) {
	overrides := map[string]string{"i": "not-an-identity"}

	t.Run("warn falls back to default", func(t *testing.T) {
		sig, err := ParseSignatureHeader(sigHeader(overrides), VerifyOptions{MalformedIdentity: PolicyWarn})
		if err != nil {
			t.Fatal(err)
		}
		if sig.AUID != "@example.com" {
			t.Errorf("AUID = %q, want default @example.com", sig.AUID)
		}
		if len(sig.Warnings) != 1 || sig.Warnings[0].Code != WarnIllformedI {
			t.Errorf("warnings = %v, want [%s]", sig.Warnings, WarnIllformedI)
		}
	})

	t.Run("error fails hard", func(t *testing.T) {
		_, err := ParseSignatureHeader(sigHeader(overrides), VerifyOptions{MalformedIdentity: PolicyError})
		wantSigError(t, err, CodeIllformI)
	})

	t.Run("ignore is silent", func(t *testing.T) {
		sig, err := ParseSignatureHeader(sigHeader(overrides), VerifyOptions{MalformedIdentity: PolicyIgnore})
		if err != nil {
			t.Fatal(err)
		}
		if len(sig.Warnings) != 0 {
			t.Errorf("warnings = %v, want none", sig.Warnings)
		}
	})
}

func TestParseSignatureHeaderSHA1Policy(t *testing.T) {
	overrides := map[string]string{"a": "rsa-sha1"}

	t.Run("default warns", func(t *testing.T) {
		sig, err := ParseSignatureHeader(sigHeader(overrides), VerifyOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(sig.Warnings) != 1 || sig.Warnings[0].Code != WarnSHA1 {
			t.Errorf("warnings = %v, want [%s]", sig.Warnings, WarnSHA1)
		}
	})

	t.Run("error rejects", func(t *testing.T) {
		_, err := ParseSignatureHeader(sigHeader(overrides), VerifyOptions{SHA1: PolicyError})
		wantSigError(t, err, CodeInsecureA)
	})
}

func TestParseSignatureHeaderFolded(t *testing.T) {
	raw := []byte("DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=brisbane;\r\n" +
		"\tc=simple/simple; q=dns/txt; i=joe@football.example.com;\r\n" +
		"\th=Received : From : To : Subject : Date : Message-ID;\r\n" +
		"\tbh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;\r\n" +
		"\tb=dGVzdA==\r\n")
	sig, err := ParseSignatureHeader(raw, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"received", "from", "to", "subject", "date", "message-id"}
	if len(sig.SignedHeaders) != len(want) {
		t.Fatalf("SignedHeaders = %v, want %v", sig.SignedHeaders, want)
	}
	for i, name := range want {
		if sig.SignedHeaders[i] != name {
			t.Errorf("SignedHeaders[%d] = %q, want %q", i, sig.SignedHeaders[i], name)
		}
	}
	if sig.AUID != "joe@football.example.com" {
		t.Errorf("AUID = %q, want joe@football.example.com", sig.AUID)
	}
	if sig.AUIDDomain != "football.example.com" {
		t.Errorf("AUIDDomain = %q", sig.AUIDDomain)
	}
}

func TestStripSignatureValue(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			"b last",
			"DKIM-Signature: v=1; b=abc123\r\n",
			"DKIM-Signature: v=1; b=",
		},
		{
			"b in the middle",
			"DKIM-Signature: v=1; b=abc123; d=example.com\r\n",
			"DKIM-Signature: v=1; b=; d=example.com",
		},
		{
			"folded b value",
			"DKIM-Signature: v=1; b=abc\r\n\t123; d=example.com\r\n",
			"DKIM-Signature: v=1; b=; d=example.com",
		},
		{
			"bh is not b",
			"DKIM-Signature: v=1; bh=keepme; b=dropme\r\n",
			"DKIM-Signature: v=1; bh=keepme; b=",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(stripSignatureValue([]byte(tt.raw)))
			if got != tt.want {
				t.Errorf("stripSignatureValue() = %q, want %q", got, tt.want)
			}
		})
	}
}
