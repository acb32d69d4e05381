package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Participant and reaction lists are stored as deterministic CBOR blobs.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: cbor decoder: " + err.Error())
	}
}

func encodeBlob(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return b, nil
}

func decodeBlob(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}
