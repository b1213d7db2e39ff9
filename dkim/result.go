package dkim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tinylib/msgp/msgp"
)

// ResultVersion is the serialization version written by this package.
// The major number guards semantics: stored results with an unknown major
// are rejected, a newer minor of the same major is readable.
const ResultVersion = "2.1"

// ErrResultVersion indicates a stored result with an unsupported major
// version.
var ErrResultVersion = errors.New("dkim: unsupported result version")

// Result is the outcome of verifying one signature. It is self-contained
// and serializable: cached results are replayed without the message.
type Result struct {
	Version string `json:"version"`
	Result  Status `json:"result"`

	SDID     string `json:"sdid,omitempty"`
	AUID     string `json:"auid,omitempty"`
	Selector string `json:"selector,omitempty"`

	AlgorithmSignature string `json:"algorithmSignature,omitempty"`
	AlgorithmHash      string `json:"algorithmHash,omitempty"`

	// KeySecure is true when the key record was DNSSEC authenticated.
	KeySecure bool `json:"keySecure,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`

	// ErrorType is the stable failure code for PERMFAIL and TEMPFAIL.
	ErrorType   Code     `json:"errorType,omitempty"`
	ErrorParams []string `json:"errorParams,omitempty"`

	// HideFail asks the consumer to present this failure like an
	// unsigned message (sign rules and t=y test keys).
	HideFail bool `json:"hideFail,omitempty"`
}

// resultV1 is the legacy stored shape: warnings were bare strings and
// there was no AUID or algorithm detail.
type resultV1 struct {
	Version   string   `json:"version"`
	Result    string   `json:"result"`
	SDID      string   `json:"SDID"`
	Selector  string   `json:"selector"`
	Warnings  []string `json:"warnings"`
	ErrorType string   `json:"errorType"`
	HideFail  bool     `json:"hideFail"`
}

func majorVersion(v string) string {
	major, _, _ := strings.Cut(v, ".")
	return major
}

// ToJSON encodes the result for storage.
func (r Result) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ResultFromJSON decodes a stored result, migrating version 1 results to
// the current shape. An unknown major version is an error, not a guess.
func ResultFromJSON(data []byte) (Result, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Result{}, err
	}

	switch majorVersion(probe.Version) {
	case "2":
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			return Result{}, err
		}
		return r, nil
	case "1":
		var v1 resultV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return Result{}, err
		}
		return migrateV1(v1), nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrResultVersion, probe.Version)
	}
}

// migrateV1 lifts a version 1 result into the current shape. Warning
// strings become codes without params; fields v1 never had stay empty.
func migrateV1(v1 resultV1) Result {
	r := Result{
		Version:   ResultVersion,
		Result:    Status(v1.Result),
		SDID:      v1.SDID,
		Selector:  v1.Selector,
		ErrorType: Code(v1.ErrorType),
		HideFail:  v1.HideFail,
	}
	for _, w := range v1.Warnings {
		r.Warnings = append(r.Warnings, Warning{Code: Code(w)})
	}
	return r
}

// MessagePack field count for Result.
const resultMsgpFields = 11

// ToMessagePack encodes the result as a MessagePack map, the compact
// format used for bulk caches.
func (r Result) ToMessagePack() ([]byte, error) {
	b := make([]byte, 0, 160)
	b = msgp.AppendMapHeader(b, resultMsgpFields)

	b = msgp.AppendString(b, "version")
	b = msgp.AppendString(b, r.Version)
	b = msgp.AppendString(b, "result")
	b = msgp.AppendString(b, string(r.Result))
	b = msgp.AppendString(b, "sdid")
	b = msgp.AppendString(b, r.SDID)
	b = msgp.AppendString(b, "auid")
	b = msgp.AppendString(b, r.AUID)
	b = msgp.AppendString(b, "selector")
	b = msgp.AppendString(b, r.Selector)
	b = msgp.AppendString(b, "algorithmSignature")
	b = msgp.AppendString(b, r.AlgorithmSignature)
	b = msgp.AppendString(b, "algorithmHash")
	b = msgp.AppendString(b, r.AlgorithmHash)
	b = msgp.AppendString(b, "keySecure")
	b = msgp.AppendBool(b, r.KeySecure)

	b = msgp.AppendString(b, "warnings")
	b = msgp.AppendArrayHeader(b, uint32(len(r.Warnings)))
	for _, w := range r.Warnings {
		b = msgp.AppendMapHeader(b, 2)
		b = msgp.AppendString(b, "name")
		b = msgp.AppendString(b, string(w.Code))
		b = msgp.AppendString(b, "params")
		b = msgp.AppendArrayHeader(b, uint32(len(w.Params)))
		for _, p := range w.Params {
			b = msgp.AppendString(b, p)
		}
	}

	b = msgp.AppendString(b, "errorType")
	b = msgp.AppendString(b, string(r.ErrorType))
	b = msgp.AppendString(b, "hideFail")
	b = msgp.AppendBool(b, r.HideFail)

	return b, nil
}

// ResultFromMessagePack decodes a MessagePack encoded result. Unknown
// fields are skipped so minor additions stay readable; an unknown major
// version is rejected like in JSON.
func ResultFromMessagePack(data []byte) (Result, error) {
	var r Result

	sz, o, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return Result{}, err
	}
	for i := uint32(0); i < sz; i++ {
		var field string
		field, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return Result{}, err
		}
		switch field {
		case "version":
			r.Version, o, err = msgp.ReadStringBytes(o)
		case "result":
			var s string
			s, o, err = msgp.ReadStringBytes(o)
			r.Result = Status(s)
		case "sdid":
			r.SDID, o, err = msgp.ReadStringBytes(o)
		case "auid":
			r.AUID, o, err = msgp.ReadStringBytes(o)
		case "selector":
			r.Selector, o, err = msgp.ReadStringBytes(o)
		case "algorithmSignature":
			r.AlgorithmSignature, o, err = msgp.ReadStringBytes(o)
		case "algorithmHash":
			r.AlgorithmHash, o, err = msgp.ReadStringBytes(o)
		case "keySecure":
			r.KeySecure, o, err = msgp.ReadBoolBytes(o)
		case "warnings":
			r.Warnings, o, err = readWarnings(o)
		case "errorType":
			var s string
			s, o, err = msgp.ReadStringBytes(o)
			r.ErrorType = Code(s)
		case "hideFail":
			r.HideFail, o, err = msgp.ReadBoolBytes(o)
		default:
			o, err = msgp.Skip(o)
		}
		if err != nil {
			return Result{}, err
		}
	}

	if major := majorVersion(r.Version); major != "2" {
		return Result{}, fmt.Errorf("%w: %q", ErrResultVersion, r.Version)
	}
	return r, nil
}

func readWarnings(o []byte) ([]Warning, []byte, error) {
	n, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, o, err
	}
	var warnings []Warning
	for i := uint32(0); i < n; i++ {
		var w Warning
		var fields uint32
		fields, o, err = msgp.ReadMapHeaderBytes(o)
		if err != nil {
			return nil, o, err
		}
		for j := uint32(0); j < fields; j++ {
			var field string
			field, o, err = msgp.ReadStringBytes(o)
			if err != nil {
				return nil, o, err
			}
			switch field {
			case "name":
				var s string
				s, o, err = msgp.ReadStringBytes(o)
				w.Code = Code(s)
			case "params":
				var pn uint32
				pn, o, err = msgp.ReadArrayHeaderBytes(o)
				for k := uint32(0); err == nil && k < pn; k++ {
					var p string
					p, o, err = msgp.ReadStringBytes(o)
					w.Params = append(w.Params, p)
				}
			default:
				o, err = msgp.Skip(o)
			}
			if err != nil {
				return nil, o, err
			}
		}
		warnings = append(warnings, w)
	}
	return warnings, o, nil
}
