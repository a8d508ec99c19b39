// Package rlp implements the canonical recursive byte-list codec used for
// every wire and on-disk format in this repository: account frames, entity
// frames, gossip profiles, log records and snapshots all encode through this
// package (spec §4.1(b), §6). A Value is either a byte string or an ordered
// list of Values; non-negative integers are encoded as big-endian byte
// strings with no leading zero byte. Every value has exactly one encoding,
// and decoding is the left inverse of encoding — there is no second valid
// byte layout for the same logical value.
package rlp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind distinguishes the two shapes a Value can take.
type Kind uint8

const (
	KindBytes Kind = iota
	KindList
)

// Value is a node in the canonical byte-list tree.
type Value struct {
	Kind  Kind
	Bytes []byte
	List  []Value
}

// Bytes wraps a raw byte string as a leaf Value.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// List wraps a sequence of Values as a list Value.
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// Uint encodes a non-negative integer as a big-endian byte string with no
// leading zero byte (the zero value encodes as the empty byte string).
func Uint(v uint64) Value {
	if v == 0 {
		return Value{Kind: KindBytes, Bytes: nil}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 8 && buf[i] == 0 {
		i++
	}
	return Value{Kind: KindBytes, Bytes: append([]byte(nil), buf[i:]...)}
}

// Int encodes a signed integer as spec §6 specifies for signed deltas: the
// pair [sign-byte (0 for >=0, 1 for <0), abs(value)].
func Int(v int64) Value {
	sign := byte(0)
	abs := uint64(v)
	if v < 0 {
		sign = 1
		abs = uint64(-v)
	}
	return List(Bytes([]byte{sign}), Uint(abs))
}

// DecodeUint decodes a byte-string Value produced by Uint. It rejects values
// with a leading zero byte, which would break canonicity.
func DecodeUint(v Value) (uint64, error) {
	if v.Kind != KindBytes {
		return 0, errors.New("rlp: expected byte string for uint")
	}
	if len(v.Bytes) > 0 && v.Bytes[0] == 0 {
		return 0, errors.New("rlp: leading zero byte in uint encoding")
	}
	if len(v.Bytes) > 8 {
		return 0, errors.New("rlp: uint overflow")
	}
	var buf [8]byte
	copy(buf[8-len(v.Bytes):], v.Bytes)
	return binary.BigEndian.Uint64(buf[:]), nil
}

// DecodeInt is the left inverse of Int.
func DecodeInt(v Value) (int64, error) {
	if v.Kind != KindList || len(v.List) != 2 {
		return 0, errors.New("rlp: expected 2-element list for int")
	}
	signV := v.List[0]
	if signV.Kind != KindBytes || len(signV.Bytes) != 1 || signV.Bytes[0] > 1 {
		return 0, errors.New("rlp: invalid sign byte")
	}
	abs, err := DecodeUint(v.List[1])
	if err != nil {
		return 0, fmt.Errorf("rlp: decode int magnitude: %w", err)
	}
	if signV.Bytes[0] == 1 {
		if abs == 0 {
			return 0, errors.New("rlp: negative zero is not canonical")
		}
		return -int64(abs), nil
	}
	return int64(abs), nil
}

// Encode serialises a Value into its unique canonical byte representation.
//
// Wire format (length-prefixed, not RLP's single-byte-prefix scheme, chosen
// for simplicity and because this package has no compatibility obligation to
// Ethereum's wire format — only to the grammar in spec §4.1(b)):
//
//	byte string: 0x00, varint(len), bytes
//	list:        0x01, varint(count), encode(element)...
func Encode(v Value) []byte {
	var out []byte
	switch v.Kind {
	case KindBytes:
		out = append(out, 0x00)
		out = appendUvarint(out, uint64(len(v.Bytes)))
		out = append(out, v.Bytes...)
	case KindList:
		out = append(out, 0x01)
		out = appendUvarint(out, uint64(len(v.List)))
		for _, e := range v.List {
			out = append(out, Encode(e)...)
		}
	default:
		panic("rlp: unknown kind")
	}
	return out
}

// Decode parses the canonical byte representation produced by Encode. It
// returns an error if any trailing bytes remain, since a canonical encoding
// has exactly one value and no padding.
func Decode(b []byte) (Value, error) {
	v, rest, err := decode(b)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, errors.New("rlp: trailing bytes after decode")
	}
	return v, nil
}

func decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, errors.New("rlp: unexpected end of input")
	}
	tag := b[0]
	rest := b[1:]
	n, rest, err := readUvarint(rest)
	if err != nil {
		return Value{}, nil, err
	}
	switch tag {
	case 0x00:
		if uint64(len(rest)) < n {
			return Value{}, nil, errors.New("rlp: truncated byte string")
		}
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), rest[:n]...)}, rest[n:], nil
	case 0x01:
		list := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			var elem Value
			elem, rest, err = decode(rest)
			if err != nil {
				return Value{}, nil, err
			}
			list = append(list, elem)
		}
		return Value{Kind: KindList, List: list}, rest, nil
	default:
		return Value{}, nil, fmt.Errorf("rlp: unknown tag byte %#x", tag)
	}
}

func appendUvarint(b []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(b, buf[:n]...)
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.New("rlp: malformed varint length")
	}
	if n > 1 && b[n-1] == 0 {
		return 0, nil, errors.New("rlp: non-minimal varint length")
	}
	return v, b[n:], nil
}
