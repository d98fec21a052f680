// Package codec holds the deterministic CBOR configuration used wherever the
// core needs identical bytes for identical logical data: attempt-id
// canonicalization, admission report encoding, the cycle log blob, and the
// dispatch port's gRPC wire format.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer and float encodings, no indefinite-length items.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// #region modes

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// #endregion modes

// #region api

// Marshal encodes v with core deterministic encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Untyped maps decode as map[string]any.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose renders data in CBOR extended diagnostic notation. The journal
// uses it to show stored blobs as written.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// #endregion api
