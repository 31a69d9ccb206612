package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// EncodeSnapshot returns the canonical JSON encoding of Snapshot |s|.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if s.Errors == nil {
		// Encode as [] rather than null, which readers may reject.
		var cp = *s
		cp.Errors = []string{}
		s = &cp
	}
	return json.MarshalIndent(s, "", "  ")
}

// DecodeSnapshot decodes a Snapshot from its JSON encoding. It fails on
// empty, truncated, or trailing content. It does not Validate the Snapshot.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	var s = new(Snapshot)
	if err := strictDecode(b, s); err != nil {
		return nil, errors.WithMessage(err, "decoding snapshot")
	}
	return s, nil
}

// EncodePointer returns the canonical JSON encoding of Pointer |p|.
func EncodePointer(p Pointer) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// DecodePointer decodes a Pointer from its JSON encoding.
// It does not Validate the Pointer.
func DecodePointer(b []byte) (Pointer, error) {
	var p Pointer
	if err := strictDecode(b, &p); err != nil {
		return Pointer{}, errors.WithMessage(err, "decoding pointer")
	}
	return p, nil
}

func strictDecode(b []byte, v interface{}) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return errors.New("empty document")
	}
	var dec = json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return err
	} else if dec.More() {
		return errors.New("unexpected trailing content")
	}
	return nil
}
