package protocol

import (
	"bytes"
	"unicode/utf8"
)

// EncodeZ returns s as bytes followed by a single null terminator.
func EncodeZ(s string) []byte {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}

// DecodeUTF8Z decodes UTF-8 text up to the first null byte.
func DecodeUTF8Z(b []byte) (string, error) {
	text, err := untilNull(b)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(text) {
		return "", ErrInvalidText
	}
	return string(text), nil
}

// DecodeASCIIZ decodes 7-bit ASCII text up to the first null byte.
func DecodeASCIIZ(b []byte) (string, error) {
	text, err := untilNull(b)
	if err != nil {
		return "", err
	}
	for _, c := range text {
		if c >= 0x80 {
			return "", ErrInvalidText
		}
	}
	return string(text), nil
}

func untilNull(b []byte) ([]byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return nil, ErrMissingTerminator
	}
	return b[:i], nil
}
