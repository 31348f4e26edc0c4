package types

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// The kernel's determinism contract requires that equal values always encode
// to equal bytes, so every persisted or compared structure goes through this
// one canonical encoder.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes v with canonical CBOR.
func Encode(v interface{}) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical encode")
	}
	return raw, nil
}

// Decode deserializes canonical CBOR produced by Encode.
func Decode(raw []byte, out interface{}) error {
	if err := decMode.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "canonical decode")
	}
	return nil
}
