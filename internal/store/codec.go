package store

import (
	"github.com/fxamacker/cbor/v2"
)

// Capture headers use Core Deterministic Encoding so the same header
// always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalHeader(h *CaptureHeader) ([]byte, error) {
	return encMode.Marshal(h)
}

func unmarshalHeader(data []byte, h *CaptureHeader) error {
	return decMode.Unmarshal(data, h)
}
