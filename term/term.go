// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package term implements the subset of the Erlang external term format
// exchanged with a remote distribution peer.
//
// Values are represented by the [Value] sum type. Encoding is infallible:
// a value the wire format cannot express is written as an "unsupported"
// tagged tuple. Decoding is strict, and never reads beyond the input slice
// regardless of how malformed the input is.
package term

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/creachadair/mds/value"
)

// Wire tags for the external term format. Only the tags listed here are
// understood by this package; see [Decoder] for how unknown tags are handled.
const (
	tagVersion      = 131
	tagNewFloat     = 70  // 8-byte IEEE 754 big-endian
	tagSmallInteger = 97  // 1-byte unsigned
	tagInteger      = 98  // 4-byte signed big-endian
	tagOldFloat     = 99  // 31-byte ASCII decimal
	tagAtom         = 100 // 2-byte length + name (Latin-1)
	tagPort         = 102
	tagPid          = 103
	tagSmallTuple   = 104 // 1-byte arity
	tagLargeTuple   = 105 // 4-byte arity
	tagNil          = 106 // the empty list
	tagString       = 107 // 2-byte length + bytes
	tagList         = 108 // 4-byte count + elements + tail
	tagBinary       = 109 // 4-byte length + bytes
	tagSmallBig     = 110 // 1-byte size + sign + magnitude (little-endian)
	tagLargeBig     = 111
	tagMap          = 116
	tagAtomUTF8     = 118 // 2-byte length + name (UTF-8)
	tagSmallAtom    = 119 // 1-byte length + name (UTF-8)

	tagNewPid    = 88
	tagNewPort   = 89
	tagNewerRef  = 90
	tagV4Port    = 120
	tagNewRef    = 114
	tagExport    = 113
	tagSmallAtm8 = 115 // legacy 1-byte Latin-1 atom
)

// Marker atoms for the tagged tuple shapes understood by this package.
const (
	atomNil         = "nil"
	atomTrue        = "true"
	atomFalse       = "false"
	atomVector2     = "vector2"
	atomVector3     = "vector3"
	atomColor       = "color"
	atomDictionary  = "dictionary"
	atomObject      = "object"
	atomUnsupported = "unsupported"
)

// A Value is one decoded term. The concrete types in this package are the
// only implementations: [Null], [Bool], [Int], [Float], [String], [List],
// [Map], [Vector2], [Vector3], [Color], [ObjectRef], and [Unsupported].
type Value interface {
	// appendTo appends the encoding of the value to buf.
	appendTo(buf []byte) []byte
}

// Null is the absence of a value, spelled as the atom "nil" on the wire.
type Null struct{}

// Bool is a Boolean value, spelled as the atoms "true" and "false".
type Bool bool

// Int is a signed 64-bit integer.
type Int int64

// Float is a 64-bit floating-point value.
type Float float64

// String is a UTF-8 string. Both the string and binary wire encodings decode
// to a String.
type String string

// List is an ordered sequence of values.
type List []Value

// A Pair is one key/value entry of a Map.
type Pair struct {
	Key, Value Value
}

// Map is an ordered sequence of key/value pairs. Keys are not required to be
// unique; callers should treat repeated keys as last-write-wins.
type Map []Pair

// Vector2 is a 2-component vector, spelled {vector2, X, Y}.
type Vector2 struct{ X, Y float64 }

// Vector3 is a 3-component vector, spelled {vector3, X, Y, Z}.
type Vector3 struct{ X, Y, Z float64 }

// Color is an RGBA color, spelled {color, R, G, B, A}.
type Color struct{ R, G, B, A float64 }

// An ObjectRef is an opaque reference to a host object, spelled
// {object, ClassName, ID}.
type ObjectRef struct {
	Class string
	ID    uint64
}

// Unsupported is a placeholder for a host value the codec cannot represent,
// spelled {unsupported, TypeName}. It is produced only by encoding; the
// decoder reports an error for this shape.
type Unsupported struct {
	TypeName string
}

func (Null) appendTo(buf []byte) []byte { return appendAtom(buf, atomNil) }

func (v Bool) appendTo(buf []byte) []byte {
	return appendAtom(buf, value.Cond(bool(v), atomTrue, atomFalse))
}

func (v Int) appendTo(buf []byte) []byte { return appendInt(buf, int64(v)) }

func (v Float) appendTo(buf []byte) []byte {
	buf = append(buf, tagNewFloat)
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(float64(v)))
}

func (v String) appendTo(buf []byte) []byte {
	if len(v) > math.MaxUint16 {
		buf = append(buf, tagBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		return append(buf, v...)
	}
	buf = append(buf, tagString)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(v)))
	return append(buf, v...)
}

func (v List) appendTo(buf []byte) []byte {
	if len(v) == 0 {
		return append(buf, tagNil)
	}
	buf = append(buf, tagList)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
	for _, elt := range v {
		buf = encodeValue(buf, elt)
	}
	return append(buf, tagNil) // proper list tail
}

func (v Map) appendTo(buf []byte) []byte {
	buf = appendTupleHeader(buf, 2+2*len(v))
	buf = appendAtom(buf, atomDictionary)
	buf = appendInt(buf, int64(len(v)))
	for _, p := range v {
		buf = encodeValue(buf, p.Key)
		buf = encodeValue(buf, p.Value)
	}
	return buf
}

func (v Vector2) appendTo(buf []byte) []byte {
	buf = appendTupleHeader(buf, 3)
	buf = appendAtom(buf, atomVector2)
	return appendFloats(buf, v.X, v.Y)
}

func (v Vector3) appendTo(buf []byte) []byte {
	buf = appendTupleHeader(buf, 4)
	buf = appendAtom(buf, atomVector3)
	return appendFloats(buf, v.X, v.Y, v.Z)
}

func (v Color) appendTo(buf []byte) []byte {
	buf = appendTupleHeader(buf, 5)
	buf = appendAtom(buf, atomColor)
	return appendFloats(buf, v.R, v.G, v.B, v.A)
}

func (v ObjectRef) appendTo(buf []byte) []byte {
	buf = appendTupleHeader(buf, 3)
	buf = appendAtom(buf, atomObject)
	buf = String(v.Class).appendTo(buf)
	return appendUint(buf, v.ID)
}

func (v Unsupported) appendTo(buf []byte) []byte {
	buf = appendTupleHeader(buf, 2)
	buf = appendAtom(buf, atomUnsupported)
	return String(v.TypeName).appendTo(buf)
}

// Raw is a verbatim copy of one encoded term, carried without
// interpretation. It is not a [Value]; use [Builder.Raw] to splice it into an
// encoded message.
type Raw []byte

// Encode encodes v in binary format, without a version marker.
func Encode(v Value) []byte { return encodeValue(nil, v) }

// Marshal encodes v in binary format with a leading version marker, suitable
// for use as a complete message payload.
func Marshal(v Value) []byte { return encodeValue([]byte{tagVersion}, v) }

func encodeValue(buf []byte, v Value) []byte {
	if v == nil {
		return Null{}.appendTo(buf)
	}
	return v.appendTo(buf)
}

// A Builder accumulates an encoded message from values and raw fragments.
// The zero value is ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// Version appends a version marker byte to b.
func (b *Builder) Version() { b.buf = append(b.buf, tagVersion) }

// Value appends the encoding of v to b.
func (b *Builder) Value(v Value) { b.buf = encodeValue(b.buf, v) }

// Atom appends an atom with the given name to b.
func (b *Builder) Atom(name string) { b.buf = appendAtom(b.buf, name) }

// Int appends an integer to b.
func (b *Builder) Int(v int64) { b.buf = appendInt(b.buf, v) }

// TupleHeader appends a tuple header of the given arity to b. The caller is
// responsible for appending exactly n subsequent terms.
func (b *Builder) TupleHeader(n int) {
	if n < 0 || n > math.MaxInt32 {
		panic(fmt.Sprintf("invalid tuple arity %d", n))
	}
	b.buf = appendTupleHeader(b.buf, n)
}

// Raw appends a previously encoded term verbatim to b.
func (b *Builder) Raw(raw Raw) { b.buf = append(b.buf, raw...) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the reported slice, and the caller must not modify its
// contents unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

func appendAtom(buf []byte, name string) []byte {
	if len(name) > math.MaxUint8 {
		buf = append(buf, tagAtomUTF8)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
		return append(buf, name...)
	}
	buf = append(buf, tagSmallAtom, byte(len(name)))
	return append(buf, name...)
}

func appendTupleHeader(buf []byte, n int) []byte {
	if n <= math.MaxUint8 {
		return append(buf, tagSmallTuple, byte(n))
	}
	buf = append(buf, tagLargeTuple)
	return binary.BigEndian.AppendUint32(buf, uint32(n))
}

func appendInt(buf []byte, v int64) []byte {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		return append(buf, tagSmallInteger, byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf = append(buf, tagInteger)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(v)))
	case v < 0:
		// Two's complement would flip the sign during magnitude extraction
		// for MinInt64; widen first.
		mag := uint64(-(v + 1)) + 1
		return appendBig(buf, mag, 1)
	default:
		return appendBig(buf, uint64(v), 0)
	}
}

func appendUint(buf []byte, v uint64) []byte {
	if v <= math.MaxInt64 {
		return appendInt(buf, int64(v))
	}
	return appendBig(buf, v, 0)
}

// appendBig encodes a small bignum with the given magnitude and sign.
func appendBig(buf []byte, mag uint64, sign byte) []byte {
	var m [8]byte
	binary.LittleEndian.PutUint64(m[:], mag)
	n := len(m)
	for n > 1 && m[n-1] == 0 {
		n--
	}
	buf = append(buf, tagSmallBig, byte(n), sign)
	return append(buf, m[:n]...)
}

func appendFloats(buf []byte, vs ...float64) []byte {
	for _, v := range vs {
		buf = Float(v).appendTo(buf)
	}
	return buf
}
