// Package rfcparse implements the shared RFC 5321/5322/6376 grammar
// primitives used by DKIM-Signature parsing, key record parsing and the
// Authentication-Results parser.
//
// The character classes here are security relevant: a class that is one
// character too wide lets malformed tag values slip through and reach the
// crypto layer. They are written as explicit byte-range checks rather than
// regular expressions so the accepted ranges are auditable against the RFCs.
package rfcparse

import (
	"errors"
	"strings"
)

// Tag list parse errors (RFC 6376 Section 3.2).
var (
	// ErrIllFormed indicates the tag list does not match the tag-list grammar.
	ErrIllFormed = errors.New("rfcparse: ill-formed tag-value list")

	// ErrDuplicateTag indicates a tag name occurs more than once, which
	// RFC 6376 Section 3.2 forbids.
	ErrDuplicateTag = errors.New("rfcparse: duplicate tag")
)

// IsWSP reports whether c is space or horizontal tab.
func IsWSP(c byte) bool {
	return c == ' ' || c == '\t'
}

// IsAlpha reports whether c is an ASCII letter.
func IsAlpha(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z'
}

// IsDigit reports whether c is an ASCII digit.
func IsDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// IsAtext reports whether c is atext per RFC 5322 Section 3.2.3.
func IsAtext(c byte) bool {
	if IsAlpha(c) || IsDigit(c) {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^',
		'_', '`', '{', '|', '}', '~':
		return true
	}
	return false
}

// IsQtext reports whether c is qtext per RFC 5322 Section 3.2.4
// (printable US-ASCII excluding DQUOTE and backslash).
func IsQtext(c byte) bool {
	return c == 33 || c >= 35 && c <= 91 || c >= 93 && c <= 126
}

// IsValchar reports whether c is VALCHAR per RFC 6376 Section 3.2
// (%x21-3A / %x3C-7E, i.e. printable US-ASCII excluding ";").
func IsValchar(c byte) bool {
	return c >= 0x21 && c <= 0x3A || c >= 0x3C && c <= 0x7E
}

// IsDkimSafeChar reports whether c is dkim-safe-char per RFC 6376
// Section 3.2 (%x21-3A / %x3C / %x3E-7E: printable US-ASCII excluding
// ";" and "=").
func IsDkimSafeChar(c byte) bool {
	return c >= 0x21 && c <= 0x3A || c == 0x3C || c >= 0x3E && c <= 0x7E
}

// IsBase64Char reports whether c is in the base64 alphabet (without padding).
func IsBase64Char(c byte) bool {
	return IsAlpha(c) || IsDigit(c) || c == '+' || c == '/'
}

// IsHexDigit reports whether c is a hexadecimal digit.
func IsHexDigit(c byte) bool {
	return IsDigit(c) || c >= 'A' && c <= 'F' || c >= 'a' && c <= 'f'
}

// UnfoldFWS removes line folds (CRLF or bare LF followed by WSP) from a
// header value, replacing each fold with a single space.
func UnfoldFWS(s string) string {
	s = strings.ReplaceAll(s, "\r\n\t", " ")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\n\t", " ")
	s = strings.ReplaceAll(s, "\n ", " ")
	return s
}

// StripFWS removes all folding whitespace (WSP and CRLF) from s. RFC 6376
// specifies that whitespace is ignored within base64 tag values (b=, bh=, p=).
func StripFWS(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}

// skipFWS returns the index of the first byte at or after i that is not
// folding whitespace.
func skipFWS(s string, i int) int {
	for i < len(s) {
		switch {
		case IsWSP(s[i]):
			i++
		case s[i] == '\r' && i+2 < len(s) && s[i+1] == '\n' && IsWSP(s[i+2]):
			i += 3
		case s[i] == '\n' && i+1 < len(s) && IsWSP(s[i+1]):
			i += 2
		default:
			return i
		}
	}
	return i
}

// IsSubDomain reports whether s matches sub-domain per RFC 6376/5321:
// (ALPHA/DIGIT) [*(ALPHA/DIGIT/"-") (ALPHA/DIGIT)].
func IsSubDomain(s string) bool {
	return isLabel(s, false)
}

func isLabel(s string, allowUnderscore bool) bool {
	if len(s) == 0 {
		return false
	}
	inner := func(c byte) bool {
		return IsAlpha(c) || IsDigit(c) || c == '-' || allowUnderscore && c == '_'
	}
	edge := func(c byte) bool {
		return IsAlpha(c) || IsDigit(c) || allowUnderscore && c == '_'
	}
	if !edge(s[0]) || !edge(s[len(s)-1]) {
		return false
	}
	for i := 1; i < len(s)-1; i++ {
		if !inner(s[i]) {
			return false
		}
	}
	return true
}

// IsDomainName reports whether s matches domain-name per RFC 6376
// Section 3.5: sub-domain 1*("." sub-domain). A single label is not a valid
// signing domain.
func IsDomainName(s string) bool {
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !IsSubDomain(l) {
			return false
		}
	}
	return true
}

// IsSelector reports whether s matches selector per RFC 6376 Section 3.1:
// sub-domain *("." sub-domain).
func IsSelector(s string) bool {
	for _, l := range strings.Split(s, ".") {
		if !IsSubDomain(l) {
			return false
		}
	}
	return true
}

// IsSelectorRelaxed is a compatibility fallback for IsSelector that also
// accepts underscores inside labels. Selectors with underscores are seen in
// the wild even though RFC 6376 does not allow them.
func IsSelectorRelaxed(s string) bool {
	for _, l := range strings.Split(s, ".") {
		if !isLabel(l, true) {
			return false
		}
	}
	return true
}

// IsDotAtomText reports whether s matches dot-atom-text per RFC 5322
// Section 3.2.3: 1*atext *("." 1*atext).
func IsDotAtomText(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if len(part) == 0 {
			return false
		}
		for i := 0; i < len(part); i++ {
			if !IsAtext(part[i]) {
				return false
			}
		}
	}
	return true
}

// IsQuotedString reports whether s matches quoted-string per RFC 5322
// Section 3.2.4, without surrounding CFWS.
func IsQuotedString(s string) bool {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return false
	}
	body := s[1 : len(s)-1]
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\':
			// quoted-pair: "\" (VCHAR / WSP)
			i++
			if i >= len(body) {
				return false
			}
			if !(body[i] >= 0x21 && body[i] <= 0x7E || IsWSP(body[i])) {
				return false
			}
		case IsQtext(c) || IsWSP(c):
		default:
			return false
		}
	}
	return true
}

// IsLocalPart reports whether s matches Local-part per RFC 5321/5322:
// dot-atom or quoted-string.
func IsLocalPart(s string) bool {
	return IsDotAtomText(s) || IsQuotedString(s)
}

// IsBase64String reports whether s matches base64string per RFC 6376
// Section 2.10, which permits FWS between characters and up to two padding
// characters.
func IsBase64String(s string) bool {
	stripped := StripFWS(s)
	if len(stripped) == 0 {
		return false
	}
	end := len(stripped)
	for end > 0 && stripped[end-1] == '=' {
		end--
	}
	if len(stripped)-end > 2 {
		return false
	}
	for i := 0; i < end; i++ {
		if !IsBase64Char(stripped[i]) {
			return false
		}
	}
	return true
}

// IsHyphenatedWord reports whether s matches hyphenated-word per RFC 6376
// Section 3.1: ALPHA [*(ALPHA / DIGIT / "-") (ALPHA / DIGIT)].
func IsHyphenatedWord(s string) bool {
	if len(s) == 0 || !IsAlpha(s[0]) {
		return false
	}
	if len(s) == 1 {
		return true
	}
	last := s[len(s)-1]
	if !IsAlpha(last) && !IsDigit(last) {
		return false
	}
	for i := 1; i < len(s)-1; i++ {
		if !IsAlpha(s[i]) && !IsDigit(s[i]) && s[i] != '-' {
			return false
		}
	}
	return true
}

// IsDkimQuotedPrintable reports whether s matches dkim-quoted-printable per
// RFC 6376 Section 2.11 (dkim-safe-char and hex-octets, FWS allowed).
func IsDkimQuotedPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '=':
			if i+2 >= len(s) || !IsHexDigit(s[i+1]) || !IsHexDigit(s[i+2]) {
				return false
			}
			i += 2
		case IsDkimSafeChar(c) || IsWSP(c) || c == '\r' || c == '\n':
		default:
			return false
		}
	}
	return true
}

// DecodeDkimQP decodes a dkim-quoted-printable value. Malformed hex-octets
// are passed through literally.
func DecodeDkimQP(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) && IsHexDigit(s[i+1]) && IsHexDigit(s[i+2]) {
			b.WriteByte(hexVal(s[i+1])<<4 | hexVal(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return c - 'a' + 10
	}
}

// TagMap holds a parsed tag-value list, preserving tag order.
type TagMap struct {
	order []string
	vals  map[string]string
}

// Get returns the value of the named tag and whether it is present.
// A present tag may have an empty value.
func (m *TagMap) Get(name string) (string, bool) {
	v, ok := m.vals[name]
	return v, ok
}

// Has reports whether the named tag is present.
func (m *TagMap) Has(name string) bool {
	_, ok := m.vals[name]
	return ok
}

// Tags returns the tag names in their original order.
func (m *TagMap) Tags() []string {
	return m.order
}

// ParseTagValueList parses a tag-value list per RFC 6376 Section 3.2.
//
// The input may contain folded lines (CRLF followed by WSP). Returns
// ErrDuplicateTag if any tag name repeats, ErrIllFormed if the syntax does
// not match the grammar. Tag values are returned with folding whitespace
// collapsed to single spaces and surrounding whitespace trimmed.
func ParseTagValueList(s string) (*TagMap, error) {
	m := &TagMap{vals: make(map[string]string)}

	// VALCHAR excludes ";", so splitting is exact.
	specs := strings.Split(s, ";")
	for i, spec := range specs {
		name, value, err := parseTagSpec(spec)
		if err != nil {
			// A single empty trailing segment is the optional final ";".
			if i == len(specs)-1 && skipFWS(spec, 0) == len(spec) {
				break
			}
			return nil, err
		}
		if _, dup := m.vals[name]; dup {
			return nil, ErrDuplicateTag
		}
		m.order = append(m.order, name)
		m.vals[name] = value
	}

	if len(m.order) == 0 {
		return nil, ErrIllFormed
	}
	return m, nil
}

// parseTagSpec parses one tag-spec: [FWS] tag-name [FWS] "=" [FWS] tag-value [FWS].
func parseTagSpec(s string) (name, value string, err error) {
	i := skipFWS(s, 0)

	// tag-name = ALPHA *ALNUMPUNC
	start := i
	if i >= len(s) || !IsAlpha(s[i]) {
		return "", "", ErrIllFormed
	}
	i++
	for i < len(s) && (IsAlpha(s[i]) || IsDigit(s[i]) || s[i] == '_') {
		i++
	}
	name = s[start:i]

	i = skipFWS(s, i)
	if i >= len(s) || s[i] != '=' {
		return "", "", ErrIllFormed
	}
	i++
	i = skipFWS(s, i)

	// tag-value = [ tval *( 1*(WSP/FWS) tval ) ]
	var b strings.Builder
	pendingFWS := false
	for i < len(s) {
		c := s[i]
		switch {
		case IsValchar(c):
			if pendingFWS {
				b.WriteByte(' ')
				pendingFWS = false
			}
			b.WriteByte(c)
			i++
		case IsWSP(c), c == '\r', c == '\n':
			next := skipFWS(s, i)
			if next == i {
				// CR or LF not part of a fold
				return "", "", ErrIllFormed
			}
			if b.Len() > 0 {
				pendingFWS = true
			}
			i = next
		default:
			return "", "", ErrIllFormed
		}
	}
	return name, b.String(), nil
}
