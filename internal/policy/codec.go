package policy

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding so the same document always
// produces the same bytes.
var encMode cbor.EncMode

// decMode is strict: duplicate keys, unknown fields and indefinite-length
// items are rejected.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("policy: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("policy: CBOR decoder initialization failed: " + err.Error())
	}
}

// Canonical returns the deterministic encoding of d.
func Canonical(d Document) ([]byte, error) {
	return encMode.Marshal(d)
}

// decodeCanonical decodes payload and rejects it unless re-encoding yields
// the identical bytes.
func decodeCanonical(payload []byte) (Document, error) {
	var d Document
	if err := decMode.Unmarshal(payload, &d); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	again, err := encMode.Marshal(d)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !bytes.Equal(again, payload) {
		return Document{}, fmt.Errorf("%w: payload is not canonical", ErrMalformed)
	}
	return d, nil
}

// Digest is the hex BLAKE3 hash of a payload, used as the HTTP ETag.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
