package dkim

import (
	"strings"

	"github.com/synqronlabs/kestrel/message"
)

// CanonicalizeBody canonicalizes a CRLF-normalized body per RFC 6376
// section 3.4. Both algorithms are idempotent.
func CanonicalizeBody(body string, canon Canonicalization) string {
	if canon == CanonRelaxed {
		return canonicalizeBodyRelaxed(body)
	}
	return canonicalizeBodySimple(body)
}

// canonicalizeBodySimple reduces trailing empty lines to a single CRLF.
// An empty body becomes a lone CRLF.
func canonicalizeBodySimple(body string) string {
	for strings.HasSuffix(body, "\r\n") {
		body = body[:len(body)-2]
	}
	return body + "\r\n"
}

// canonicalizeBodyRelaxed strips trailing whitespace from each line,
// collapses whitespace runs to a single space and drops trailing empty
// lines. An empty body stays empty.
func canonicalizeBodyRelaxed(body string) string {
	lines := strings.Split(body, "\r\n")
	for i, line := range lines {
		lines[i] = collapseWSP(line)
	}
	// Drop trailing empty lines. The final split element is "" when the
	// body ends in CRLF, so this also normalizes the terminator.
	n := len(lines)
	for n > 0 && lines[n-1] == "" {
		n--
	}
	if n == 0 {
		return ""
	}
	return strings.Join(lines[:n], "\r\n") + "\r\n"
}

// collapseWSP reduces interior WSP runs to one SP and removes trailing WSP.
func collapseWSP(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	pendingWSP := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == ' ' || c == '\t' {
			pendingWSP = true
			continue
		}
		if pendingWSP {
			b.WriteByte(' ')
		}
		pendingWSP = false
		b.WriteByte(c)
	}
	return b.String()
}

// canonicalizeHeaderRelaxed canonicalizes one complete header field per
// RFC 6376 section 3.4.2: lower-case the name, unfold, collapse WSP, no
// space around the colon. The result has no trailing CRLF.
func canonicalizeHeaderRelaxed(raw string) string {
	raw = strings.TrimSuffix(raw, "\r\n")

	name, value, _ := strings.Cut(raw, ":")
	name = strings.ToLower(strings.TrimRight(name, " \t"))

	value = strings.ReplaceAll(value, "\r\n", "")
	value = collapseWSP(value)
	value = strings.TrimLeft(value, " ")

	return name + ":" + value
}

// headerRewrite optionally replaces the raw bytes of a header before it is
// canonicalized into the data hash. Used for verification retries that
// undo known in-transit mutations; nil leaves every header untouched.
type headerRewrite func(lkey string, raw []byte) []byte

// dataHashInput assembles the byte string the signature is computed over:
// the h= listed headers in order, then the DKIM-Signature header itself
// with the b= value stripped and no trailing CRLF.
//
// Repeated names in h= select instances bottom-up: the last instance in
// the message first, then the one above it. Names beyond the available
// instances contribute nothing, which is how oversigning pins a header
// against later additions.
func dataHashInput(canon Canonicalization, headers []message.Header, signed []string, sigStripped []byte, rewrite headerRewrite) []byte {
	cursor := make(map[string]int, len(signed))
	index := make(map[string][]int)
	for i, h := range headers {
		index[h.LKey] = append(index[h.LKey], i)
	}

	var b strings.Builder
	for _, name := range signed {
		instances := index[name]
		used := cursor[name]
		if used >= len(instances) {
			continue
		}
		cursor[name] = used + 1

		// Bottom-up: last instance first.
		h := headers[instances[len(instances)-1-used]]
		raw := h.Raw
		if rewrite != nil {
			raw = rewrite(h.LKey, raw)
		}
		if canon == CanonRelaxed {
			b.WriteString(canonicalizeHeaderRelaxed(string(raw)))
			b.WriteString("\r\n")
		} else {
			b.Write(raw)
			if !strings.HasSuffix(string(raw), "\r\n") {
				b.WriteString("\r\n")
			}
		}
	}

	if canon == CanonRelaxed {
		b.WriteString(canonicalizeHeaderRelaxed(string(sigStripped)))
	} else {
		b.Write(sigStripped)
	}
	return []byte(b.String())
}
