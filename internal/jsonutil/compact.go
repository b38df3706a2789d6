// Package jsonutil normalises JSON documents supplied on the command line
// before they are decoded into operations.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// DefaultMaxBytes bounds a single operation document.
const DefaultMaxBytes = 64 << 10

// ErrInvalid reports malformed JSON.
var ErrInvalid = errors.New("json: invalid input")

// Compact strips insignificant whitespace from raw. maxBytes limits the input
// size (<=0 disables the limit).
func Compact(raw []byte, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
	}
	if !json.Valid(raw) {
		return nil, ErrInvalid
	}
	if !hasSpace(raw) {
		return raw, nil
	}
	return jpact.CompactToBuffer(bytes.NewReader(raw), maxBytes)
}

// Decode compacts raw and decodes it into v. Unknown fields and trailing
// values are rejected.
func Decode(raw []byte, maxBytes int64, v any) error {
	compacted, err := Compact(raw, maxBytes)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(compacted))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json: decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("json: trailing data after document")
	}
	return nil
}

func hasSpace(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\n', '\t', '\r':
			return true
		}
	}
	return false
}
