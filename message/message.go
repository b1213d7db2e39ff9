// Package message splits raw mail into headers and body and extracts the
// structured values the verifier and policy engine need: the authoritative
// From address, Reply-To, List-Id and Received timestamps.
//
// Line endings are normalized to CRLF before any parsing, so signatures over
// messages saved with bare LF still verify.
package message

import (
	"bytes"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/synqronlabs/kestrel/rfcparse"
)

// Parse errors.
var (
	// ErrMalformed indicates the input is not a parseable RFC 5322 message.
	ErrMalformed = errors.New("message: malformed message")

	// ErrNoHeader indicates a requested header is not present.
	ErrNoHeader = errors.New("message: header not present")
)

// Header is one header field instance.
type Header struct {
	Key   string // Original case.
	LKey  string // Lower-case, for lookups.
	Value []byte // Value after the colon, unmodified, possibly folded, with CRLF.
	Raw   []byte // Complete field including name and colon, with trailing CRLF.
}

// Message is a parsed mail message. Headers preserve the original order;
// multiple instances of the same field are all retained.
type Message struct {
	Headers []Header
	Body    string
}

// Fields returns all instances of the named header in original order.
// The name is matched case-insensitively.
func (m *Message) Fields(name string) []Header {
	lname := strings.ToLower(name)
	var out []Header
	for _, h := range m.Headers {
		if h.LKey == lname {
			out = append(out, h)
		}
	}
	return out
}

// Field returns the first instance of the named header.
func (m *Message) Field(name string) (Header, bool) {
	lname := strings.ToLower(name)
	for _, h := range m.Headers {
		if h.LKey == lname {
			return h, true
		}
	}
	return Header{}, false
}

// normalizeCRLF converts all line endings (LF, CR, CRLF) to CRLF.
func normalizeCRLF(raw []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(raw) + len(raw)/64)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			b.WriteString("\r\n")
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
		case '\n':
			b.WriteString("\r\n")
		default:
			b.WriteByte(raw[i])
		}
	}
	return b.Bytes()
}

// Parse parses a raw message into headers and body.
//
// The message is split at the first empty line. A message without an empty
// line is all header, but only if it still ends in CRLF; otherwise it is not
// a valid message and ErrMalformed is returned.
func Parse(raw []byte) (*Message, error) {
	norm := normalizeCRLF(raw)

	var headerBlock, body []byte
	if idx := bytes.Index(norm, []byte("\r\n\r\n")); idx >= 0 {
		headerBlock = norm[:idx+2]
		body = norm[idx+4:]
	} else {
		if !bytes.HasSuffix(norm, []byte("\r\n")) {
			return nil, ErrMalformed
		}
		headerBlock = norm
	}

	headers, err := ParseHeaderBlock(headerBlock)
	if err != nil {
		return nil, err
	}

	return &Message{Headers: headers, Body: string(body)}, nil
}

// ParseHeaderBlock parses a CRLF-terminated header block into fields.
// Folded lines (continuation lines starting with WSP) are attached to the
// preceding field.
func ParseHeaderBlock(block []byte) ([]Header, error) {
	var headers []Header
	var cur *Header

	for len(block) > 0 {
		nl := bytes.Index(block, []byte("\r\n"))
		if nl < 0 {
			return nil, ErrMalformed
		}
		line := block[:nl+2]
		block = block[nl+2:]

		if len(line) == 2 {
			// Empty line ends the header block.
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if cur == nil {
				return nil, ErrMalformed
			}
			cur.Value = append(cur.Value, line...)
			cur.Raw = append(cur.Raw, line...)
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, ErrMalformed
		}

		key := strings.TrimRight(string(line[:colon]), " \t")
		for i := 0; i < len(key); i++ {
			if key[i] <= ' ' || key[i] >= 0x7f {
				return nil, ErrMalformed
			}
		}

		headers = append(headers, Header{
			Key:   key,
			LKey:  strings.ToLower(key),
			Value: bytes.Clone(line[colon+1:]),
			Raw:   bytes.Clone(line),
		})
		cur = &headers[len(headers)-1]
	}

	return headers, nil
}

// unfoldValue returns the header value unfolded and trimmed for address
// parsing.
func unfoldValue(h Header) string {
	return strings.TrimSpace(rfcparse.UnfoldFWS(string(h.Value)))
}

// FromAddress extracts the address from the authoritative From header.
//
// The first From header is authoritative. Display names, comments and
// quoted local parts are handled by the mailbox grammar; a bare addr-spec
// without angle brackets also parses.
func (m *Message) FromAddress() (string, error) {
	h, ok := m.Field("From")
	if !ok {
		return "", ErrNoHeader
	}
	return parseAddress(unfoldValue(h))
}

// ReplyToAddress extracts the first address of the Reply-To header, if any.
func (m *Message) ReplyToAddress() (string, error) {
	h, ok := m.Field("Reply-To")
	if !ok {
		return "", ErrNoHeader
	}
	return parseAddress(unfoldValue(h))
}

// parseAddress extracts the first addr-spec from a mailbox-list.
func parseAddress(value string) (string, error) {
	if value == "" {
		return "", ErrMalformed
	}

	// net/mail implements the RFC 5322 mailbox grammar including
	// display-name, angle-addr, quoted-string and comments.
	if list, err := mail.ParseAddressList(value); err == nil && len(list) > 0 {
		return list[0].Address, nil
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return addr.Address, nil
	}

	// Fallback for non-conformant senders: take the content of the first
	// angle-addr, or the first token containing "@".
	if open := strings.IndexByte(value, '<'); open >= 0 {
		if close := strings.IndexByte(value[open:], '>'); close > 1 {
			cand := strings.TrimSpace(value[open+1 : open+close])
			if strings.Contains(cand, "@") {
				return cand, nil
			}
		}
	}
	for _, tok := range strings.Fields(value) {
		tok = strings.Trim(tok, "<>,;\"")
		if at := strings.IndexByte(tok, '@'); at > 0 && at < len(tok)-1 {
			return tok, nil
		}
	}
	return "", ErrMalformed
}

// DomainOf returns the lower-cased domain part of an address, or "" if the
// address has no domain.
func DomainOf(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// ListID extracts the list identifier from the List-Id header (RFC 2919).
// The identifier must be a dot-atom of at least two parts inside angle
// brackets; the optional preceding phrase is ignored.
func (m *Message) ListID() (string, error) {
	h, ok := m.Field("List-Id")
	if !ok {
		return "", ErrNoHeader
	}
	value := unfoldValue(h)

	open := strings.LastIndexByte(value, '<')
	if open < 0 {
		return "", ErrMalformed
	}
	close := strings.IndexByte(value[open:], '>')
	if close < 0 {
		return "", ErrMalformed
	}
	id := strings.ToLower(strings.TrimSpace(value[open+1 : open+close]))

	if !rfcparse.IsDotAtomText(id) || !strings.Contains(id, ".") {
		return "", ErrMalformed
	}
	return id, nil
}

// ReceivedTime extracts the timestamp of the most recent Received header
// (the date-time after the last ";"). Parse failures are logged, not
// returned: the zero time means no usable timestamp.
func (m *Message) ReceivedTime(logger *slog.Logger) time.Time {
	if logger == nil {
		logger = slog.Default()
	}
	h, ok := m.Field("Received")
	if !ok {
		return time.Time{}
	}
	value := unfoldValue(h)

	semi := strings.LastIndexByte(value, ';')
	if semi < 0 || semi == len(value)-1 {
		logger.Debug("no date in Received header", slog.String("value", value))
		return time.Time{}
	}
	t, err := mail.ParseDate(strings.TrimSpace(value[semi+1:]))
	if err != nil {
		logger.Debug("unparseable date in Received header",
			slog.String("value", value),
			slog.Any("error", err),
		)
		return time.Time{}
	}
	return t
}
