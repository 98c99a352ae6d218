package model

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodePayload decodes base64 text in either the standard or the URL-safe
// alphabet. Padding is optional and embedded whitespace (as produced by
// MIME line wrapping) is ignored.
func DecodePayload(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		case '-':
			return '+'
		case '_':
			return '/'
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")

	data, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, NewError(KindCorruptPayload, "decode", fmt.Errorf("decoding base64 payload: %w", err))
	}
	return data, nil
}
