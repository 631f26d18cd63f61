// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package term

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxDepth bounds term nesting so that a hostile input cannot exhaust the
// stack with deeply nested lists or tuples.
const maxDepth = 100

// A DecodeError reports a malformed or truncated term.
type DecodeError struct {
	Offset int    // the byte offset at which decoding failed
	Reason string // a human-readable description of the problem
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode term at offset %d: %s", e.Offset, e.Reason)
}

// Decode decodes one value from the front of data, skipping a leading version
// marker if one is present. It reports the value and the total number of
// bytes consumed. If data is malformed or truncated, Decode reports a
// *[DecodeError] without reading past the end of data.
func Decode(data []byte) (Value, int, error) {
	d := NewDecoder(data)
	d.Version()
	v, err := d.Value()
	if err != nil {
		return nil, d.Offset(), err
	}
	return v, d.Offset(), nil
}

// A Decoder reads encoded terms from the contents of a message. The decoder
// does not modify the input, but may retain slices into it, so the caller
// should ensure it is not modified while the decoder is in use.
type Decoder struct {
	input []byte
	rest  []byte
}

// NewDecoder constructs a [Decoder] that consumes terms from input.
func NewDecoder(input []byte) *Decoder { return &Decoder{input: input, rest: input} }

// Offset reports the offset (0-based) of the next unconsumed input byte.
func (d *Decoder) Offset() int { return len(d.input) - len(d.rest) }

// Len reports the number of remaining unconsumed input bytes.
func (d *Decoder) Len() int { return len(d.rest) }

// Version consumes a version marker byte if one is next in the input, and
// reports whether it did so. Nested terms never carry a version marker, so
// this should be called only at the top of a message.
func (d *Decoder) Version() bool {
	if len(d.rest) != 0 && d.rest[0] == tagVersion {
		d.rest = d.rest[1:]
		return true
	}
	return false
}

// Value decodes the next term from the input.
func (d *Decoder) Value() (Value, error) { return d.value(0) }

// TupleHeader decodes a tuple header from the input and reports its arity.
// The caller is responsible for decoding exactly that many elements.
func (d *Decoder) TupleHeader() (int, error) {
	tag, err := d.take(1)
	if err != nil {
		return 0, err
	}
	var arity int
	switch tag[0] {
	case tagSmallTuple:
		b, err := d.take(1)
		if err != nil {
			return 0, err
		}
		arity = int(b[0])
	case tagLargeTuple:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		arity = int(binary.BigEndian.Uint32(b))
	default:
		return 0, d.failf("got tag %d, want a tuple", tag[0])
	}
	if arity > len(d.rest) {
		return 0, d.failf("tuple arity %d exceeds input", arity)
	}
	return arity, nil
}

// Text decodes the next term as a string. Atoms, strings, and binaries all
// satisfy Text; any other term is an error.
func (d *Decoder) Text() (string, error) {
	v, err := d.value(maxDepth - 1) // only one level is permitted here
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case String:
		return string(t), nil
	case Bool:
		// The atoms "true" and "false" are legal names in text position.
		if t {
			return atomTrue, nil
		}
		return atomFalse, nil
	case Null:
		return atomNil, nil
	default:
		return "", d.failf("got %T, want text", v)
	}
}

// Raw consumes the next term without interpreting it and returns a verbatim
// copy of its encoding. Raw additionally understands process identifiers,
// ports, and references, which have no [Value] representation.
func (d *Decoder) Raw() (Raw, error) {
	start := d.rest
	if err := d.skip(0); err != nil {
		return nil, err
	}
	out := make(Raw, len(start)-len(d.rest))
	copy(out, start)
	return out, nil
}

// take consumes and returns the next n bytes of input.
func (d *Decoder) take(n int) ([]byte, error) {
	if len(d.rest) < n {
		return nil, d.failf("truncated term (%d < %d bytes)", len(d.rest), n)
	}
	out := d.rest[:n]
	d.rest = d.rest[n:]
	return out, nil
}

func (d *Decoder) failf(format string, args ...any) error {
	return &DecodeError{Offset: d.Offset(), Reason: fmt.Sprintf(format, args...)}
}

func (d *Decoder) value(depth int) (Value, error) {
	if depth >= maxDepth {
		return nil, d.failf("term nesting exceeds %d levels", maxDepth)
	}
	tag, err := d.take(1)
	if err != nil {
		return nil, err
	}
	switch tag[0] {
	case tagSmallInteger:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return Int(b[0]), nil

	case tagInteger:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return Int(int32(binary.BigEndian.Uint32(b))), nil

	case tagSmallBig:
		mag, sign, err := d.big()
		if err != nil {
			return nil, err
		}
		if sign != 0 {
			if mag > -math.MinInt64 {
				return nil, d.failf("integer underflows int64")
			}
			return Int(-int64(mag - 1) - 1), nil
		}
		if mag > math.MaxInt64 {
			return nil, d.failf("integer overflows int64")
		}
		return Int(mag), nil

	case tagNewFloat:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(b))), nil

	case tagOldFloat:
		b, err := d.take(31)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimRight(string(b), "\x00"), 64)
		if err != nil {
			return nil, d.failf("invalid float text")
		}
		return Float(f), nil

	case tagAtom, tagAtomUTF8, tagSmallAtom, tagSmallAtm8:
		name, err := d.atomName(tag[0])
		if err != nil {
			return nil, err
		}
		switch name {
		case atomTrue:
			return Bool(true), nil
		case atomFalse:
			return Bool(false), nil
		case atomNil:
			return Null{}, nil
		}
		return String(name), nil

	case tagString:
		b, err := d.take(2)
		if err != nil {
			return nil, err
		}
		s, err := d.take(int(binary.BigEndian.Uint16(b)))
		if err != nil {
			return nil, err
		}
		return String(s), nil

	case tagBinary:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return nil, d.failf("truncated binary (%d < %d bytes)", len(d.rest), n)
		}
		s, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		return String(s), nil

	case tagNil:
		return List{}, nil

	case tagList:
		return d.list(depth)

	case tagSmallTuple:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return d.tuple(int(b[0]), depth)

	case tagLargeTuple:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return nil, d.failf("tuple arity %d exceeds input", n)
		}
		return d.tuple(int(n), depth)

	default:
		return nil, d.failf("unsupported term tag %d", tag[0])
	}
}

func (d *Decoder) list(depth int) (Value, error) {
	b, err := d.take(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(d.rest)) {
		return nil, d.failf("list length %d exceeds input", n)
	}
	out := make(List, 0, n)
	for range n {
		elt, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, elt)
	}
	// A proper list ends with the empty-list tag.
	tail, err := d.take(1)
	if err != nil {
		return nil, err
	}
	if tail[0] != tagNil {
		return nil, d.failf("improper list tail (tag %d)", tail[0])
	}
	return out, nil
}

// tuple decodes the body of a tuple with the given arity. Only the tagged
// shapes used by the protocol are accepted; a generic tuple is an error.
func (d *Decoder) tuple(arity, depth int) (Value, error) {
	if arity == 0 {
		return nil, d.failf("empty tuple")
	}
	tag, err := d.take(1)
	if err != nil {
		return nil, err
	}
	marker, err := d.atomName(tag[0])
	if err != nil {
		return nil, err
	}
	switch {
	case marker == atomVector2 && arity == 3:
		f, err := d.floats(2)
		if err != nil {
			return nil, err
		}
		return Vector2{X: f[0], Y: f[1]}, nil

	case marker == atomVector3 && arity == 4:
		f, err := d.floats(3)
		if err != nil {
			return nil, err
		}
		return Vector3{X: f[0], Y: f[1], Z: f[2]}, nil

	case marker == atomColor && arity == 5:
		f, err := d.floats(4)
		if err != nil {
			return nil, err
		}
		return Color{R: f[0], G: f[1], B: f[2], A: f[3]}, nil

	case marker == atomDictionary && arity >= 2:
		return d.dictionary(arity, depth)

	case marker == atomObject && arity == 3:
		class, err := d.Text()
		if err != nil {
			return nil, err
		}
		id, err := d.uint()
		if err != nil {
			return nil, err
		}
		return ObjectRef{Class: class, ID: id}, nil

	default:
		return nil, d.failf("unsupported tuple shape {%s, ...} of arity %d", marker, arity)
	}
}

func (d *Decoder) dictionary(arity, depth int) (Value, error) {
	count, err := d.uint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(d.rest)) {
		return nil, d.failf("dictionary size %d exceeds input", count)
	} else if uint64(arity) != 2+2*count {
		return nil, d.failf("dictionary arity %d does not match size %d", arity, count)
	}
	out := make(Map, 0, count)
	for range count {
		key, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		val, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: key, Value: val})
	}
	return out, nil
}

// atomName decodes the name of an atom whose tag has been consumed.
func (d *Decoder) atomName(tag byte) (string, error) {
	var n int
	switch tag {
	case tagAtom, tagAtomUTF8:
		b, err := d.take(2)
		if err != nil {
			return "", err
		}
		n = int(binary.BigEndian.Uint16(b))
	case tagSmallAtom, tagSmallAtm8:
		b, err := d.take(1)
		if err != nil {
			return "", err
		}
		n = int(b[0])
	default:
		return "", d.failf("got tag %d, want an atom", tag)
	}
	name, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// floats decodes n numeric terms. Integers are accepted in float position,
// since remote peers spell whole coordinates without a decimal point.
func (d *Decoder) floats(n int) ([]float64, error) {
	out := make([]float64, n)
	for i := range out {
		v, err := d.value(maxDepth - 1)
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case Float:
			out[i] = float64(t)
		case Int:
			out[i] = float64(t)
		default:
			return nil, d.failf("got %T, want a number", v)
		}
	}
	return out, nil
}

// uint decodes a non-negative integer term.
func (d *Decoder) uint() (uint64, error) {
	tag, err := d.take(1)
	if err != nil {
		return 0, err
	}
	switch tag[0] {
	case tagSmallInteger:
		b, err := d.take(1)
		if err != nil {
			return 0, err
		}
		return uint64(b[0]), nil
	case tagInteger:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		v := int32(binary.BigEndian.Uint32(b))
		if v < 0 {
			return 0, d.failf("got %d, want a non-negative integer", v)
		}
		return uint64(v), nil
	case tagSmallBig:
		mag, sign, err := d.big()
		if err != nil {
			return 0, err
		}
		if sign != 0 {
			return 0, d.failf("got a negative integer, want non-negative")
		}
		return mag, nil
	default:
		return 0, d.failf("got tag %d, want an integer", tag[0])
	}
}

// big decodes the body of a small bignum whose tag has been consumed.
func (d *Decoder) big() (mag uint64, sign byte, _ error) {
	hdr, err := d.take(2)
	if err != nil {
		return 0, 0, err
	}
	n := int(hdr[0])
	body, err := d.take(n)
	if err != nil {
		return 0, 0, err
	}
	for i := n - 1; i >= 0; i-- {
		if i >= 8 {
			if body[i] != 0 {
				return 0, 0, d.failf("big integer exceeds 64 bits")
			}
			continue
		}
		mag = mag<<8 | uint64(body[i])
	}
	return mag, hdr[1], nil
}

// skip consumes one term of any recognized shape without interpreting it.
func (d *Decoder) skip(depth int) error {
	if depth >= maxDepth {
		return d.failf("term nesting exceeds %d levels", maxDepth)
	}
	tag, err := d.take(1)
	if err != nil {
		return err
	}
	switch tag[0] {
	case tagSmallInteger:
		_, err := d.take(1)
		return err
	case tagInteger:
		_, err := d.take(4)
		return err
	case tagNewFloat:
		_, err := d.take(8)
		return err
	case tagOldFloat:
		_, err := d.take(31)
		return err
	case tagNil:
		return nil
	case tagAtom, tagAtomUTF8, tagSmallAtom, tagSmallAtm8:
		_, err := d.atomName(tag[0])
		return err
	case tagString:
		b, err := d.take(2)
		if err != nil {
			return err
		}
		_, err = d.take(int(binary.BigEndian.Uint16(b)))
		return err
	case tagBinary:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return d.failf("truncated binary (%d < %d bytes)", len(d.rest), n)
		}
		_, err = d.take(int(n))
		return err
	case tagSmallBig:
		hdr, err := d.take(2)
		if err != nil {
			return err
		}
		_, err = d.take(int(hdr[0]))
		return err
	case tagLargeBig:
		b, err := d.take(5)
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return d.failf("truncated big integer (%d < %d bytes)", len(d.rest), n)
		}
		_, err = d.take(int(n))
		return err
	case tagSmallTuple:
		b, err := d.take(1)
		if err != nil {
			return err
		}
		return d.skipN(int(b[0]), depth)
	case tagLargeTuple:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return d.failf("tuple arity %d exceeds input", n)
		}
		return d.skipN(int(n), depth)
	case tagList:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return d.failf("list length %d exceeds input", n)
		}
		return d.skipN(int(n)+1, depth) // +1 for the tail
	case tagMap:
		b, err := d.take(4)
		if err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(b)
		if uint64(n) > uint64(len(d.rest)) {
			return d.failf("map size %d exceeds input", n)
		}
		return d.skipN(2*int(n), depth)
	case tagPid:
		return d.skipNode(depth, 9) // id:4, serial:4, creation:1
	case tagNewPid:
		return d.skipNode(depth, 12) // id:4, serial:4, creation:4
	case tagPort:
		return d.skipNode(depth, 5) // id:4, creation:1
	case tagNewPort:
		return d.skipNode(depth, 8) // id:4, creation:4
	case tagV4Port:
		return d.skipNode(depth, 12) // id:8, creation:4
	case tagNewRef:
		return d.skipRef(depth, 1)
	case tagNewerRef:
		return d.skipRef(depth, 4)
	case tagExport:
		return d.skipN(3, depth) // module, function, arity
	default:
		return d.failf("unsupported term tag %d", tag[0])
	}
}

// skipN skips n consecutive terms.
func (d *Decoder) skipN(n, depth int) error {
	for range n {
		if err := d.skip(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// skipNode skips a node atom followed by extra fixed bytes, the common layout
// of process identifiers and ports.
func (d *Decoder) skipNode(depth, extra int) error {
	if err := d.skip(depth + 1); err != nil {
		return err
	}
	_, err := d.take(extra)
	return err
}

// skipRef skips a reference: a 2-byte ID count, a node atom, a creation field
// of the given width, and 4 bytes per ID word.
func (d *Decoder) skipRef(depth, creation int) error {
	b, err := d.take(2)
	if err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint16(b))
	if err := d.skip(depth + 1); err != nil {
		return err
	}
	_, err = d.take(creation + 4*n)
	return err
}
