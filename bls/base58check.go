package bls

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// Encode produces the base58check text form: base58(prefix || payload ||
// checksum(prefix || payload)).
func Encode(prefix, payload []byte) string {
	buf := make([]byte, 0, len(prefix)+len(payload)+4)
	buf = append(buf, prefix...)
	buf = append(buf, payload...)
	sum := checksum(buf)
	buf = append(buf, sum[:]...)
	return base58.Encode(buf)
}

// Decode base58-decodes s, verifies its checksum, strips the expected
// prefix, and returns the remaining payload bytes.
func Decode(s string, expectedPrefix []byte) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, newErr("invalid_base58", err)
	}
	if len(raw) < len(expectedPrefix)+4 {
		return nil, newErr("invalid_base58", fmt.Errorf("too short for prefix and checksum"))
	}

	body := raw[:len(raw)-4]
	wantSum := raw[len(raw)-4:]
	gotSum := checksum(body)
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, newErr("invalid_checksum", fmt.Errorf("base58check checksum mismatch"))
	}

	if !bytes.HasPrefix(body, expectedPrefix) {
		return nil, newErr("invalid_prefix", fmt.Errorf("unexpected prefix"))
	}
	return body[len(expectedPrefix):], nil
}
