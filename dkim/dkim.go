// Package dkim implements DKIM signing and verification (RFC 6376),
// including the ed25519-sha256 algorithm (RFC 8463) and the key and
// algorithm requirements of RFC 8301.
//
// Verification is policy-driven: deviations such as rsa-sha1 signatures,
// weak RSA keys or ill-formed optional tags can be treated as hard errors,
// downgraded to warnings, or ignored, per VerifyOptions. Every signature
// yields exactly one Result; a Verifier never panics on malformed input.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"

	_ "crypto/sha1"
	_ "crypto/sha256"
)

// Status is the verdict for a single signature or for a whole message.
type Status string

const (
	// StatusNone means the message carries no DKIM signature.
	StatusNone Status = "none"
	// StatusSuccess means the signature verified.
	StatusSuccess Status = "SUCCESS"
	// StatusPermfail means the signature permanently failed verification.
	StatusPermfail Status = "PERMFAIL"
	// StatusTempfail means verification could not complete; retrying later
	// may succeed.
	StatusTempfail Status = "TEMPFAIL"
)

// Canonicalization is a header or body canonicalization algorithm.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "simple"
	CanonRelaxed Canonicalization = "relaxed"
)

// Signature algorithms (the a= tag's key half).
const (
	AlgRSA     = "rsa"
	AlgEd25519 = "ed25519"
)

// Hash algorithms (the a= tag's digest half).
const (
	HashSHA1   = "sha1"
	HashSHA256 = "sha256"
)

// hashAlgo maps a DKIM hash name to the registered crypto.Hash.
func hashAlgo(name string) (crypto.Hash, bool) {
	switch name {
	case HashSHA1:
		return crypto.SHA1, true
	case HashSHA256:
		return crypto.SHA256, true
	default:
		return 0, false
	}
}

// digest hashes data with the named DKIM hash algorithm.
func digest(hashName string, data []byte) ([]byte, error) {
	h, ok := hashAlgo(hashName)
	if !ok {
		return nil, sigError(CodeUnknownA, hashName)
	}
	hw := h.New()
	hw.Write(data)
	return hw.Sum(nil), nil
}

// verifyWithKey checks sig over the digest of data using the raw public key
// bytes from a key record. It returns the key size in bits on success.
//
// For ed25519 the signed message is the data digest itself, not the raw
// data (RFC 8463 section 3).
func verifyWithKey(keyType string, keyData []byte, hashName string, data, sig []byte) (int, error) {
	dig, err := digest(hashName, data)
	if err != nil {
		return 0, err
	}

	switch keyType {
	case AlgRSA:
		parsed, err := x509.ParsePKIXPublicKey(keyData)
		if err != nil {
			// Some signers publish a bare RSAPublicKey (PKCS#1) instead
			// of the SubjectPublicKeyInfo the RFC requires.
			if pk, err1 := x509.ParsePKCS1PublicKey(keyData); err1 == nil {
				parsed = pk
			} else {
				return 0, sigError(CodeKeyDecode, err.Error())
			}
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return 0, sigError(CodeKeyDecode, "not an RSA key")
		}
		bits := pub.N.BitLen()
		h, _ := hashAlgo(hashName)
		if err := rsa.VerifyPKCS1v15(pub, h, dig, sig); err != nil {
			return bits, sigError(CodeBadSig)
		}
		return bits, nil

	case AlgEd25519:
		if len(keyData) != ed25519.PublicKeySize {
			return 0, sigError(CodeKeyDecode, "bad ed25519 key length")
		}
		if !ed25519.Verify(ed25519.PublicKey(keyData), dig, sig) {
			return ed25519.PublicKeySize * 8, sigError(CodeBadSig)
		}
		return ed25519.PublicKeySize * 8, nil

	default:
		return 0, sigError(CodeKeyUnknownK, keyType)
	}
}
