package aitalk

import (
	"bytes"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
)

// Codec converts between Go strings and the engine's byte encoding.
type Codec struct {
	enc encoding.Encoding
}

// ShiftJIS is the encoding the engine uses for text, names and paths.
var ShiftJIS = Codec{enc: japanese.ShiftJIS}

// Encode converts s to the engine encoding.
func (c Codec) Encode(s string) ([]byte, error) {
	return c.enc.NewEncoder().Bytes([]byte(s))
}

// Decode converts engine bytes to a string, trimming NUL padding. Invalid
// sequences are replaced rather than reported.
func (c Codec) Decode(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
