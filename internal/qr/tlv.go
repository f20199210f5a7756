// Package qr builds the TLV payload printed as a QR code on every receipt.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	TagSellerName byte = 1
	TagTaxID      byte = 2
	TagTimestamp  byte = 3
	TagTotal      byte = 4
	TagTaxAmount  byte = 5
	TagHash       byte = 6
	TagSignature  byte = 7
	TagPublicKey  byte = 8
)

const maxValueLen = 255

var (
	ErrValueTooLong = errors.New("tlv value exceeds 255 bytes")
	ErrMalformed    = errors.New("malformed tlv payload")
)

type Field struct {
	Tag   byte
	Value string
}

// EncodeTLV writes fields in the given order as tag, length, value triples.
func EncodeTLV(fields []Field) ([]byte, error) {
	size := 0
	for _, f := range fields {
		if len(f.Value) > maxValueLen {
			return nil, fmt.Errorf("%w: tag %d has %d bytes", ErrValueTooLong, f.Tag, len(f.Value))
		}
		if !utf8.ValidString(f.Value) {
			return nil, fmt.Errorf("%w: tag %d is not valid UTF-8", ErrMalformed, f.Tag)
		}
		size += 2 + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, f.Tag, byte(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out, nil
}

func DecodeTLV(raw []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
	for i := 0; i < len(raw); {
		if i+2 > len(raw) {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrMalformed, i)
		}
		tag, length := raw[i], int(raw[i+1])
		i += 2
		if i+length > len(raw) {
			return nil, fmt.Errorf("%w: tag %d value truncated", ErrMalformed, tag)
		}
		fields = append(fields, Field{Tag: tag, Value: string(raw[i : i+length])})
		i += length
	}
	return fields, nil
}

// Decode reverses a base64 payload produced by Encoder.Encode.
func Decode(payload string) ([]Field, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeTLV(raw)
}
