package amf

import (
	"errors"
	"io"
)

// Errors returned by the codecs. Every failure wraps one of these.
var (
	ErrUnsupportedType = errors.New("amf: unsupported type")
	ErrUnexpectedEOF   = errors.New("amf: unexpected end of stream")
	ErrOverflow        = errors.New("amf: value out of range")
	ErrMalformed       = errors.New("amf: malformed stream")
	ErrUnknownClass    = errors.New("amf: unknown class")
)

// ReadError maps reader exhaustion inside a value onto ErrUnexpectedEOF and
// passes other errors through.
func ReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}
	return err
}
