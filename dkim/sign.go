package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/kestrel/message"
)

// Signing errors.
var (
	ErrFromRequired        = fmt.Errorf("dkim: message needs exactly one From header")
	ErrSignKeyUnsupported  = fmt.Errorf("dkim: unsupported private key type")
	ErrSignHashUnsupported = fmt.Errorf("dkim: unsupported hash algorithm")
)

// DefaultSignedHeaders is the signed header set used when Signer.Headers
// is empty.
var DefaultSignedHeaders = []string{
	"From", "Reply-To", "Subject", "Date", "To", "Cc",
	"In-Reply-To", "References", "Message-ID",
	"Content-Type", "Content-Transfer-Encoding", "MIME-Version",
}

// Signer produces DKIM-Signature headers.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector locates the public key (s= tag).
	Selector string

	// PrivateKey is the signing key: *rsa.PrivateKey or
	// ed25519.PrivateKey.
	PrivateKey crypto.Signer

	// Headers lists the headers to sign. From is always included.
	// If empty, DefaultSignedHeaders is used.
	Headers []string

	// HeaderCanonicalization and BodyCanonicalization default to relaxed.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// Hash is the hash algorithm name; default sha256. Ed25519 keys
	// always use sha256.
	Hash string

	// Identity is the i= tag; empty means omitted.
	Identity string

	// Expiration sets x= relative to the signing time; zero means no
	// expiration.
	Expiration time.Duration

	// BodyLength, when positive, emits an l= tag and signs only that
	// many bytes of the canonical body (clamped to the body size).
	BodyLength int64

	// Oversign repeats each signed header name once more than it occurs,
	// pinning it against later additions.
	Oversign bool

	// now is swappable in tests.
	now func() time.Time
}

// Sign signs a complete RFC 5322 message and returns the DKIM-Signature
// header field, including the trailing CRLF, ready to prepend.
func (s *Signer) Sign(raw []byte) (string, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing message: %w", err)
	}
	return s.sign(msg, nil)
}

// SignAll signs the message with every signer and returns the concatenated
// DKIM-Signature header fields. The canonical body hash is computed once
// per distinct canonicalization, hash and body length across signers.
func SignAll(raw []byte, signers ...*Signer) (string, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing message: %w", err)
	}

	cache := make(map[string]bodyHashEntry)
	var b strings.Builder
	for _, s := range signers {
		h, err := s.sign(msg, cache)
		if err != nil {
			return "", err
		}
		b.WriteString(h)
	}
	return b.String(), nil
}

func (s *Signer) sign(msg *message.Message, cache map[string]bodyHashEntry) (string, error) {
	if n := len(msg.Fields("From")); n != 1 {
		return "", fmt.Errorf("%w, have %d", ErrFromRequired, n)
	}

	keyAlg, hashAlg, err := s.algorithm()
	if err != nil {
		return "", err
	}

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}

	signed := s.signedHeaderList(msg)

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ts := now().Unix()
	exp := int64(-1)
	if s.Expiration > 0 {
		exp = ts + int64(s.Expiration.Seconds())
	}

	bodyHash, bodyLen, err := s.bodyHash(msg.Body, bodyCanon, hashAlg, cache)
	if err != nil {
		return "", err
	}

	write := func(signature []byte) string {
		w := &headerWriter{}
		w.addf("", "DKIM-Signature: v=1;")
		w.addf(" ", "a=%s-%s;", keyAlg, hashAlg)
		w.addf(" ", "c=%s/%s;", headerCanon, bodyCanon)
		w.addf(" ", "d=%s;", s.Domain)
		w.addf(" ", "s=%s;", s.Selector)
		if s.Identity != "" {
			w.addf(" ", "i=%s;", s.Identity)
		}
		w.addf(" ", "t=%d;", ts)
		if exp >= 0 {
			w.addf(" ", "x=%d;", exp)
		}
		if bodyLen >= 0 {
			w.addf(" ", "l=%d;", bodyLen)
		}
		w.addf(" ", "h=%s;", strings.Join(signed, ":"))
		w.addf(" ", "bh=")
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(bodyHash)))
		w.add("", ";")
		w.addf(" ", "b=")
		if len(signature) > 0 {
			w.addWrap([]byte(base64.StdEncoding.EncodeToString(signature)))
		}
		return w.String()
	}

	lowered := make([]string, len(signed))
	for i, h := range signed {
		lowered[i] = strings.ToLower(h)
	}

	data := dataHashInput(headerCanon, msg.Headers, lowered, []byte(write(nil)), nil)
	dataHash, err := digest(hashAlg, data)
	if err != nil {
		return "", err
	}

	signature, err := s.signHash(keyAlg, hashAlg, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return write(signature) + "\r\n", nil
}

// bodyHashEntry is a cached canonical body digest, shared across signers.
type bodyHashEntry struct {
	hash   []byte
	length int64
}

// bodyHash computes the bh= digest and the effective l= value (-1 when no
// l= tag is emitted), consulting the cache when one is supplied.
func (s *Signer) bodyHash(body string, bodyCanon Canonicalization, hashAlg string, cache map[string]bodyHashEntry) ([]byte, int64, error) {
	key := string(bodyCanon) + "\x00" + hashAlg + "\x00" + strconv.FormatInt(s.BodyLength, 10)
	if e, ok := cache[key]; ok {
		return e.hash, e.length, nil
	}

	canonical := CanonicalizeBody(body, bodyCanon)
	length := int64(-1)
	if s.BodyLength > 0 {
		length = min(s.BodyLength, int64(len(canonical)))
		canonical = canonical[:length]
	}
	hash, err := digest(hashAlg, []byte(canonical))
	if err != nil {
		return nil, 0, err
	}
	if cache != nil {
		cache[key] = bodyHashEntry{hash: hash, length: length}
	}
	return hash, length, nil
}

// algorithm derives the a= tag halves from the key type.
func (s *Signer) algorithm() (keyAlg, hashAlg string, err error) {
	hashAlg = strings.ToLower(s.Hash)
	if hashAlg == "" {
		hashAlg = HashSHA256
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		if hashAlg != HashSHA1 && hashAlg != HashSHA256 {
			return "", "", fmt.Errorf("%w: %s", ErrSignHashUnsupported, hashAlg)
		}
		return AlgRSA, hashAlg, nil
	case ed25519.PrivateKey:
		return AlgEd25519, HashSHA256, nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrSignKeyUnsupported, s.PrivateKey)
	}
}

// signHash signs the data digest. Ed25519 signs the digest directly
// (RFC 8463); RSA uses PKCS#1 v1.5 over the named hash.
func (s *Signer) signHash(keyAlg, hashAlg string, dig []byte) ([]byte, error) {
	switch k := s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		h, _ := hashAlgo(hashAlg)
		return k.Sign(rand.Reader, dig, h)
	case ed25519.PrivateKey:
		return k.Sign(rand.Reader, dig, crypto.Hash(0))
	default:
		return nil, ErrSignKeyUnsupported
	}
}

// signedHeaderList builds the h= list: the configured headers that are
// present in the message, From guaranteed, optionally oversigned.
func (s *Signer) signedHeaderList(msg *message.Message) []string {
	want := s.Headers
	if len(want) == 0 {
		want = DefaultSignedHeaders
	}
	hasFrom := false
	for _, h := range want {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		want = append([]string{"From"}, want...)
	}

	present := make(map[string]int)
	for _, h := range msg.Headers {
		present[h.LKey]++
	}

	var signed []string
	for _, h := range want {
		if present[strings.ToLower(h)] > 0 {
			signed = append(signed, h)
		}
	}

	if s.Oversign {
		counts := make(map[string]int)
		for _, h := range signed {
			counts[strings.ToLower(h)]++
		}
		for _, h := range signed {
			lh := strings.ToLower(h)
			for counts[lh] < present[lh]+1 {
				signed = append(signed, h)
				counts[lh]++
			}
		}
	}
	return signed
}

// headerWriter builds a folded DKIM-Signature header, tracking line
// length per RFC 5322.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

// add adds text, folding first when it would exceed the line limit.
func (w *headerWriter) add(sep, text string) {
	const maxLen = 76

	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+len(text) > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that may break at any position, like base64.
func (w *headerWriter) addWrap(data []byte) {
	const maxLen = 76

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *headerWriter) String() string {
	return w.b.String()
}
