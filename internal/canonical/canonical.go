// Package canonical produces the deterministic byte serialization that is
// signed and verified. Two semantically equal payloads must encode to the
// same bytes regardless of construction order; any divergence here breaks
// every valid signature in the system.
package canonical

import (
	"encoding/json"

	"github.com/gowebpki/jcs"

	xerrors "Amorce-Core/internal/errors"
)

// Encode serializes v into canonical JSON per RFC 8785 (JCS): object keys
// sorted lexicographically by UTF-16 code units, fixed ES6 number
// formatting, minimal string escaping, no insignificant whitespace.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncoding, err, "serialize payload")
	}
	return EncodeRaw(raw)
}

// EncodeRaw canonicalizes an already-serialized JSON document. Used on the
// verification path, where the inbound bytes are re-encoded rather than
// trusted as-is.
func EncodeRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncoding, err, "canonicalize payload")
	}
	return out, nil
}
