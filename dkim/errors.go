package dkim

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a verification failure or warning. Codes are stable
// strings: they are persisted in serialized results and compared across
// versions, so they must never change meaning or spelling.
type Code string

// Signature errors (PERMFAIL).
const (
	CodeDuplicateTag     Code = "DKIM_SIGERROR_DUPLICATE_TAG"
	CodeIllformedTagSpec Code = "DKIM_SIGERROR_ILLFORMED_TAGSPEC"

	CodeMissingV  Code = "DKIM_SIGERROR_MISSING_V"
	CodeVersion   Code = "DKIM_SIGERROR_VERSION"
	CodeMissingA  Code = "DKIM_SIGERROR_MISSING_A"
	CodeIllformA  Code = "DKIM_SIGERROR_ILLFORMED_A"
	CodeUnknownA  Code = "DKIM_SIGERROR_UNKNOWN_A"
	CodeInsecureA Code = "DKIM_SIGERROR_INSECURE_A"
	CodeMissingB  Code = "DKIM_SIGERROR_MISSING_B"
	CodeIllformB  Code = "DKIM_SIGERROR_ILLFORMED_B"
	CodeMissingBH Code = "DKIM_SIGERROR_MISSING_BH"
	CodeIllformBH Code = "DKIM_SIGERROR_ILLFORMED_BH"
	CodeIllformC  Code = "DKIM_SIGERROR_ILLFORMED_C"
	CodeUnknownCH Code = "DKIM_SIGERROR_UNKNOWN_C_H"
	CodeUnknownCB Code = "DKIM_SIGERROR_UNKNOWN_C_B"
	CodeMissingD  Code = "DKIM_SIGERROR_MISSING_D"
	CodeIllformD  Code = "DKIM_SIGERROR_ILLFORMED_D"
	CodeMissingH  Code = "DKIM_SIGERROR_MISSING_H"
	CodeIllformH  Code = "DKIM_SIGERROR_ILLFORMED_H"
	CodeMissFrom  Code = "DKIM_SIGERROR_MISSING_FROM"
	CodeIllformI  Code = "DKIM_SIGERROR_ILLFORMED_I"
	CodeSubdomI   Code = "DKIM_SIGERROR_SUBDOMAIN_I"
	CodeDomainI   Code = "DKIM_SIGERROR_DOMAIN_I"
	CodeIllformL  Code = "DKIM_SIGERROR_ILLFORMED_L"
	CodeIllformQ  Code = "DKIM_SIGERROR_ILLFORMED_Q"
	CodeInvalidQ  Code = "DKIM_SIGERROR_INVALID_Q"
	CodeMissingS  Code = "DKIM_SIGERROR_MISSING_S"
	CodeIllformS  Code = "DKIM_SIGERROR_ILLFORMED_S"
	CodeIllformT  Code = "DKIM_SIGERROR_ILLFORMED_T"
	CodeIllformX  Code = "DKIM_SIGERROR_ILLFORMED_X"
	CodeTimestamp Code = "DKIM_SIGERROR_TIMESTAMPS"
	CodeIllformZ  Code = "DKIM_SIGERROR_ILLFORMED_Z"

	CodeTooLargeL Code = "DKIM_SIGERROR_TOOLARGE_L"
	CodeCorruptBH Code = "DKIM_SIGERROR_CORRUPT_BH"
	CodeBadSig    Code = "DKIM_SIGERROR_BADSIG"
	CodeKeyDecode Code = "DKIM_SIGERROR_KEYDECODE"
	CodeKeySmall  Code = "DKIM_SIGERROR_KEYSMALL"
	CodeNoKey     Code = "DKIM_SIGERROR_NOKEY"

	CodeKeyInvalidV         Code = "DKIM_SIGERROR_KEY_INVALID_V"
	CodeKeyIllformedH       Code = "DKIM_SIGERROR_KEY_ILLFORMED_H"
	CodeKeyHashNotIncluded  Code = "DKIM_SIGERROR_KEY_HASHNOTINCLUDED"
	CodeKeyUnknownK         Code = "DKIM_SIGERROR_KEY_UNKNOWN_K"
	CodeKeyMismatchedK      Code = "DKIM_SIGERROR_KEY_MISMATCHED_K"
	CodeKeyMissingP         Code = "DKIM_SIGERROR_KEY_MISSING_P"
	CodeKeyIllformedP       Code = "DKIM_SIGERROR_KEY_ILLFORMED_P"
	CodeKeyRevoked          Code = "DKIM_SIGERROR_KEY_REVOKED"
	CodeKeyNotEmailKey      Code = "DKIM_SIGERROR_KEY_NOTEMAILKEY"
	CodeKeyTestMode         Code = "DKIM_SIGERROR_KEY_TESTMODE"
	CodeKeyIllformedTagSpec Code = "DKIM_SIGERROR_KEY_ILLFORMED_TAGSPEC"
	CodeKeyDuplicateTag     Code = "DKIM_SIGERROR_KEY_DUPLICATE_TAG"
)

// Policy errors (PERMFAIL raised by the policy layer rather than by the
// signature itself).
const (
	CodeMissingSig          Code = "DKIM_POLICYERROR_MISSING_SIG"
	CodeWrongSDID           Code = "DKIM_POLICYERROR_WRONG_SDID"
	CodeUnsignedHeaderAdded Code = "DKIM_POLICYERROR_UNSIGNED_HEADER_ADDED"
	CodeKeyInsecure         Code = "DKIM_POLICYERROR_KEY_INSECURE"
)

// Internal errors (TEMPFAIL).
const (
	CodeInternalError        Code = "DKIM_INTERNALERROR"
	CodeIncorrectEmailFormat Code = "DKIM_INTERNALERROR_INCORRECT_EMAIL_FORMAT"
	CodeDNSServerError       Code = "DKIM_DNSERROR_SERVER_ERROR"
	CodeDNSSECBogus          Code = "DKIM_DNSERROR_DNSSEC_BOGUS"
)

// Warning codes. Warnings never change the verdict on their own.
const (
	WarnSHA1               Code = "DKIM_SIGWARNING_INSECURE_A"
	WarnIllformedI         Code = "DKIM_SIGWARNING_ILLFORMED_I"
	WarnIllformedS         Code = "DKIM_SIGWARNING_ILLFORMED_S"
	WarnExpired            Code = "DKIM_SIGWARNING_EXPIRED"
	WarnFuture             Code = "DKIM_SIGWARNING_FUTURE"
	WarnSmallL             Code = "DKIM_SIGWARNING_SMALL_L"
	WarnKeySmall           Code = "DKIM_SIGWARNING_KEYSMALL"
	WarnKeyInsecure        Code = "DKIM_SIGWARNING_KEY_INSECURE"
	WarnKeyIsTestKey       Code = "DKIM_SIGWARNING_KEY_TESTMODE"
	WarnFromNotInSDID      Code = "DKIM_SIGWARNING_FROM_NOT_IN_SDID"
	WarnFromNotInAUID      Code = "DKIM_SIGWARNING_FROM_NOT_IN_AUID"
	WarnUnsignedHeader     Code = "DKIM_SIGWARNING_UNSIGNED_HEADER"
	WarnRepairedContent    Code = "DKIM_SIGWARNING_REPAIRED_CONTENT_TYPE"
	WarnRepairedSubject    Code = "DKIM_SIGWARNING_REPAIRED_SUBJECT"
	WarnPolicyWrongSDID    Code = "DKIM_POLICYWARNING_WRONG_SDID"
	WarnPolicyShouldBeSign Code = "DKIM_POLICYWARNING_SHOULD_BE_SIGNED"
)

// SigError is a permanent verification failure. Its code is the stable
// identifier surfaced in results; params carry human-readable detail.
type SigError struct {
	Code   Code
	Params []string
}

func (e *SigError) Error() string {
	if len(e.Params) == 0 {
		return string(e.Code)
	}
	return string(e.Code) + " (" + strings.Join(e.Params, ", ") + ")"
}

func sigError(code Code, params ...string) *SigError {
	return &SigError{Code: code, Params: params}
}

// InternalError is a transient failure: the message could not be verified
// now, but a retry may succeed. It maps to TEMPFAIL.
type InternalError struct {
	Code Code
	Err  error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func internalError(code Code, err error) *InternalError {
	return &InternalError{Code: code, Err: err}
}

// Warning is a non-fatal finding attached to a result.
type Warning struct {
	Code   Code     `json:"name"`
	Params []string `json:"params,omitempty"`
}

// IsSigError reports whether err is a SigError with the given code.
func IsSigError(err error, code Code) bool {
	var se *SigError
	return errors.As(err, &se) && se.Code == code
}

// errorCode extracts the stable code from a verification error; unknown
// error types collapse to the generic internal code.
func errorCode(err error) Code {
	var se *SigError
	if errors.As(err, &se) {
		return se.Code
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeInternalError
}
