// Package arh parses Authentication-Results headers (RFC 8601).
//
// The parser is a recursive descent over the header value with full CFWS
// (comments, folding whitespace) support. By default it is strict: a
// token must be followed by a delimiter the grammar allows. Relaxed mode
// tolerates the common deviations seen in the wild, such as a trailing
// semicolon and slashes inside property values.
package arh

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is a parsed Authentication-Results header value.
type Header struct {
	// AuthservID identifies the evaluating server.
	AuthservID string

	// Version is the optional authres-version; 1 when absent.
	Version int

	// Results holds one entry per method; empty for "none".
	Results []ResInfo
}

// ResInfo is one method result (resinfo).
type ResInfo struct {
	// Method is the lower-cased method keyword, e.g. "dkim" or "spf".
	Method string

	// MethodVersion is the optional method version; 1 when absent.
	MethodVersion int

	// Result is the lower-cased result keyword, e.g. "pass".
	Result string

	// Reason is the optional reason value, unquoted.
	Reason string

	// Properties holds the propspecs in order.
	Properties []Property
}

// Property is one propspec: ptype.name=value.
type Property struct {
	Type  string
	Name  string
	Value string
}

// Options controls parsing.
type Options struct {
	// Relaxed tolerates a trailing bare ";" and accepts "/" inside
	// unquoted property values.
	Relaxed bool
}

// SyntaxError reports where parsing failed.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("arh: %s at position %d", e.Msg, e.Pos)
}

// Parse parses an Authentication-Results header value (the part after the
// colon, unfolded or not).
func Parse(value string, opts Options) (h *Header, err error) {
	p := &parser{s: value, relaxed: opts.Relaxed}
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*SyntaxError)
			if !ok {
				panic(r)
			}
			h, err = nil, se
		}
	}()

	h = p.parseHeader()
	return h, nil
}

type parser struct {
	s       string
	pos     int
	relaxed bool
}

func (p *parser) fail(format string, args ...any) {
	panic(&SyntaxError{Pos: p.pos, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) parseHeader() *Header {
	h := &Header{Version: 1}

	p.skipCFWS()
	h.AuthservID = p.value()
	if h.AuthservID == "" {
		p.fail("missing authserv-id")
	}

	p.skipCFWS()
	if d := p.digits(); d != "" {
		v, err := strconv.Atoi(d)
		if err != nil {
			p.fail("bad authres-version %q", d)
		}
		h.Version = v
		p.skipCFWS()
	}

	if p.eof() {
		p.fail("missing results")
	}

	for !p.eof() {
		p.expect(';')
		p.skipCFWS()

		if p.relaxed && p.eof() {
			// Trailing semicolon.
			break
		}

		// no-result: a lone "none".
		if len(h.Results) == 0 && p.takeKeywordFold("none") {
			p.skipCFWS()
			if !p.eof() {
				p.fail("content after none")
			}
			break
		}

		h.Results = append(h.Results, p.parseResInfo())
		p.skipCFWS()
	}

	return h
}

// parseResInfo parses methodspec [reasonspec] [propspecs].
func (p *parser) parseResInfo() ResInfo {
	var ri ResInfo

	ri.Method = strings.ToLower(p.keyword())
	if ri.Method == "" {
		p.fail("missing method")
	}
	ri.MethodVersion = 1

	p.skipCFWS()
	if p.peek() == '/' {
		p.pos++
		p.skipCFWS()
		d := p.digits()
		if d == "" {
			p.fail("missing method version")
		}
		v, err := strconv.Atoi(d)
		if err != nil {
			p.fail("bad method version %q", d)
		}
		ri.MethodVersion = v
		p.skipCFWS()
	}

	p.expect('=')
	p.skipCFWS()
	ri.Result = strings.ToLower(p.keyword())
	if ri.Result == "" {
		p.fail("missing result")
	}
	p.checkBoundary()

	p.skipCFWS()
	if p.hasKeywordAhead("reason") {
		p.keyword() // consume "reason"
		p.skipCFWS()
		p.expect('=')
		p.skipCFWS()
		ri.Reason = p.value()
		p.checkBoundary()
		p.skipCFWS()
	}

	for !p.eof() && p.peek() != ';' {
		ri.Properties = append(ri.Properties, p.parsePropSpec())
		p.skipCFWS()
	}
	return ri
}

// parsePropSpec parses ptype.property=pvalue.
func (p *parser) parsePropSpec() Property {
	var prop Property

	prop.Type = strings.ToLower(p.keyword())
	if prop.Type == "" {
		p.fail("missing ptype")
	}
	p.skipCFWS()
	p.expect('.')
	p.skipCFWS()
	prop.Name = strings.ToLower(p.keyword())
	if prop.Name == "" {
		p.fail("missing property name")
	}
	p.skipCFWS()
	p.expect('=')
	p.skipCFWS()
	prop.Value = p.pvalue()
	p.checkBoundary()
	return prop
}

// pvalue is a token, quoted-string, or mailbox-ish value ([local]@domain).
func (p *parser) pvalue() string {
	if p.peek() == '"' {
		return p.quotedString()
	}

	start := p.pos
	for !p.eof() {
		c := p.peek()
		if isTokenChar(c) || c == '@' || (p.relaxed && c == '/') {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		p.fail("missing property value")
	}
	return p.s[start:p.pos]
}

// value is a token or quoted-string.
func (p *parser) value() string {
	if p.peek() == '"' {
		return p.quotedString()
	}
	return p.token()
}

func (p *parser) quotedString() string {
	p.expect('"')
	var b strings.Builder
	for {
		if p.eof() {
			p.fail("unterminated quoted string")
		}
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String()
		case '\\':
			if p.eof() {
				p.fail("dangling escape")
			}
			b.WriteByte(p.s[p.pos])
			p.pos++
		default:
			b.WriteByte(c)
		}
	}
}

// token per RFC 2045: printable US-ASCII excluding tspecials.
func (p *parser) token() string {
	start := p.pos
	for !p.eof() && isTokenChar(p.peek()) {
		p.pos++
	}
	return p.s[start:p.pos]
}

// keyword is a token restricted to keyword characters (no "=" handling
// needed: "=" is a tspecial and ends the token).
func (p *parser) keyword() string {
	return p.token()
}

func (p *parser) digits() string {
	start := p.pos
	for !p.eof() && p.peek() >= '0' && p.peek() <= '9' {
		p.pos++
	}
	return p.s[start:p.pos]
}

// takeKeywordFold consumes the next token if it equals kw
// case-insensitively; otherwise the position is restored.
func (p *parser) takeKeywordFold(kw string) bool {
	save := p.pos
	tok := p.token()
	if strings.EqualFold(tok, kw) {
		return true
	}
	p.pos = save
	return false
}

// hasKeywordAhead reports whether the next token is kw followed by "=",
// without consuming.
func (p *parser) hasKeywordAhead(kw string) bool {
	save := p.pos
	defer func() { p.pos = save }()
	tok := p.token()
	if !strings.EqualFold(tok, kw) {
		return false
	}
	p.skipCFWS()
	return p.peek() == '='
}

// checkBoundary enforces that a just-consumed token ends at a delimiter
// the grammar allows: end of input, ";", or CFWS. In relaxed mode any
// position is accepted.
func (p *parser) checkBoundary() {
	if p.relaxed || p.eof() {
		return
	}
	switch c := p.peek(); c {
	case ';', ' ', '\t', '\r', '\n', '(':
	default:
		p.fail("unexpected character %q after token", c)
	}
}

func (p *parser) expect(c byte) {
	if p.eof() || p.s[p.pos] != c {
		p.fail("expected %q", string(c))
	}
	p.pos++
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.s[p.pos]
}

func (p *parser) eof() bool { return p.pos >= len(p.s) }

// skipCFWS skips folding whitespace and nested comments.
func (p *parser) skipCFWS() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\r', '\n':
			p.pos++
		case '(':
			p.skipComment()
		default:
			return
		}
	}
}

func (p *parser) skipComment() {
	depth := 0
	for !p.eof() {
		switch p.s[p.pos] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				p.pos++
				return
			}
		case '\\':
			p.pos++
		}
		p.pos++
	}
	p.fail("unterminated comment")
}

func isTokenChar(c byte) bool {
	if c <= ' ' || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=':
		return false
	}
	return true
}
