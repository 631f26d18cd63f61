// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package term_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/creachadair/cnode/term"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input term.Value
	}{
		{"null", term.Null{}},
		{"true", term.Bool(true)},
		{"false", term.Bool(false)},

		{"int-zero", term.Int(0)},
		{"int-byte", term.Int(255)},
		{"int-word", term.Int(256)},
		{"int-neg", term.Int(-1)},
		{"int-max32", term.Int(math.MaxInt32)},
		{"int-min32", term.Int(math.MinInt32)},
		{"int-big", term.Int(1 << 40)},
		{"int-negbig", term.Int(-(1 << 40))},
		{"int-max64", term.Int(math.MaxInt64)},
		{"int-min64", term.Int(math.MinInt64)},

		{"float", term.Float(3.25)},
		{"float-neg", term.Float(-2.0)},
		{"float-tiny", term.Float(5e-324)},

		{"string-empty", term.String("")},
		{"string", term.String("hello, world")},
		{"string-utf8", term.String("héllo wörld")},
		{"string-long", term.String(strings.Repeat("y", 70000))}, // binary encoding

		{"list-empty", term.List{}},
		{"list", term.List{term.Int(1), term.String("x"), term.Vector2{X: 1.5, Y: -2.0}}},
		{"list-nested", term.List{term.List{term.Bool(true)}, term.List{}}},

		{"map-empty", term.Map{}},
		{"map", term.Map{
			{Key: term.String("a"), Value: term.Int(1)},
			{Key: term.String("b"), Value: term.List{term.Null{}}},
		}},
		{"map-dup-keys", term.Map{
			{Key: term.String("k"), Value: term.Int(1)},
			{Key: term.String("k"), Value: term.Int(2)},
		}},

		{"vector2", term.Vector2{X: 1.5, Y: -2.0}},
		{"vector3", term.Vector3{X: 0, Y: -1, Z: 2.5}},
		{"color", term.Color{R: 0.25, G: 0.5, B: 0.75, A: 1}},

		{"object", term.ObjectRef{Class: "Node2D", ID: 1 << 40}},
		{"object-maxid", term.ObjectRef{Class: "Viewport", ID: math.MaxUint64}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc := term.Marshal(tc.input)
			got, n, err := term.Decode(enc)
			if err != nil {
				t.Fatalf("Decode: unexpected error: %v", err)
			}
			if n != len(enc) {
				t.Errorf("Decode consumed %d bytes, want %d", n, len(enc))
			}
			if diff := cmp.Diff(tc.input, got); diff != "" {
				t.Errorf("Decoded value (-want, +got):\n%s", diff)
			}

			// The same value without a version marker must decode identically.
			got2, _, err := term.Decode(term.Encode(tc.input))
			if err != nil {
				t.Fatalf("Decode unversioned: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.input, got2); diff != "" {
				t.Errorf("Decoded unversioned value (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestAtomMapping(t *testing.T) {
	// Atoms other than true/false/nil decode as strings.
	var b term.Builder
	b.Atom("wibble")
	got, _, err := term.Decode(b.Bytes())
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if diff := cmp.Diff(term.String("wibble"), got); diff != "" {
		t.Errorf("Decoded atom (-want, +got):\n%s", diff)
	}
}

func TestEmptyListSpellings(t *testing.T) {
	// The empty list has two legal wire spellings: the dedicated nil tag,
	// and an explicit list header with zero elements.
	for _, enc := range []string{"\x6a", "\x6c\x00\x00\x00\x00\x6a"} {
		got, n, err := term.Decode([]byte(enc))
		if err != nil {
			t.Fatalf("Decode %q: unexpected error: %v", enc, err)
		}
		if n != len(enc) {
			t.Errorf("Decode %q consumed %d bytes, want %d", enc, n, len(enc))
		}
		if diff := cmp.Diff(term.List{}, got); diff != "" {
			t.Errorf("Decode %q (-want, +got):\n%s", enc, diff)
		}
	}
}

func TestOldFloat(t *testing.T) {
	// The legacy float encoding is 31 bytes of NUL-padded ASCII.
	enc := make([]byte, 32)
	enc[0] = 99
	copy(enc[1:], "1.50000000000000000000e+00")
	got, _, err := term.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if diff := cmp.Diff(term.Float(1.5), got); diff != "" {
		t.Errorf("Decoded float (-want, +got):\n%s", diff)
	}
}

func TestUnsupportedEncoding(t *testing.T) {
	// Encoding an Unsupported value must succeed, but the result is not
	// decodable: the decoder never produces Unsupported.
	enc := term.Encode(term.Unsupported{TypeName: "RID"})
	if _, _, err := term.Decode(enc); err == nil {
		t.Error("Decode: got nil, want error")
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"version-only", "\x83"},
		{"unknown-tag", "\x00"},
		{"short-int", "\x62\x00\x00"},
		{"short-atom", "\x77\x05ab"},
		{"short-string", "\x6b\x00\x10abc"},
		{"short-float", "\x46\x01\x02"},
		{"huge-list", "\x6c\xff\xff\xff\xff\x61\x01"},
		{"huge-binary", "\x6d\xff\xff\xff\xff!"},
		{"improper-list", "\x6c\x00\x00\x00\x01\x61\x01\x61\x02"},
		{"empty-tuple", "\x68\x00"},
		{"generic-tuple", "\x68\x02\x61\x01\x61\x02"},
		{"unknown-marker", "\x68\x02\x77\x04quux\x61\x01"},
		{"vector2-arity", "\x68\x02\x77\x07vector2\x61\x01"},
		{"dict-count-mismatch", "\x68\x04\x77\x0adictionary\x61\x02\x61\x01\x61\x02"},
		{"big-overflow", "\x6e\x09\x00\x01\x02\x03\x04\x05\x06\x07\x08\x09"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, _, err := term.Decode([]byte(tc.input))
			if err == nil {
				t.Fatalf("Decode: got %+v, want error", v)
			}
			var de *term.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("Decode: got error %[1]T (%[1]v), want *DecodeError", err)
			}
		})
	}
}

func TestDeepNesting(t *testing.T) {
	// A tower of single-element lists must be rejected rather than
	// exhausting the stack.
	const depth = 500
	enc := bytes.Repeat([]byte{0x6c, 0, 0, 0, 1}, depth)
	enc = append(enc, 0x6a)
	enc = append(enc, bytes.Repeat([]byte{0x6a}, depth)...)
	if v, _, err := term.Decode(enc); err == nil {
		t.Errorf("Decode: got %+v, want error", v)
	}
}

func TestRawCapture(t *testing.T) {
	// A reference term has no Value representation but must be capturable
	// verbatim for reply addressing.
	ref := []byte{
		90,         // NEWER_REFERENCE
		0, 3,       // three ID words
		0x77, 0x01, 'n', // node atom "n"
		0, 0, 0, 1, // creation
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, // ID words
	}
	input := append(append([]byte{}, ref...), 0x61, 0x07) // trailing term

	d := term.NewDecoder(input)
	raw, err := d.Raw()
	if err != nil {
		t.Fatalf("Raw: unexpected error: %v", err)
	}
	if !bytes.Equal(raw, ref) {
		t.Errorf("Raw: got %v, want %v", []byte(raw), ref)
	}
	next, err := d.Value()
	if err != nil {
		t.Fatalf("Value after Raw: unexpected error: %v", err)
	}
	if diff := cmp.Diff(term.Int(7), next); diff != "" {
		t.Errorf("Value after Raw (-want, +got):\n%s", diff)
	}
}

func TestBuilderPanics(t *testing.T) {
	var b term.Builder
	mtest.MustPanic(t, func() { b.TupleHeader(-1) })
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x83, 0x6a})
	f.Add(term.Marshal(term.List{term.Int(1), term.String("x"), term.Vector2{X: 1.5, Y: -2.0}}))
	f.Add(term.Marshal(term.Map{{Key: term.String("k"), Value: term.Int(-5)}}))
	f.Fuzz(func(t *testing.T, data []byte) {
		v, n, err := term.Decode(data)
		if err != nil {
			return
		}
		if n > len(data) {
			t.Fatalf("Decode consumed %d of %d bytes", n, len(data))
		}
		term.Encode(v) // must not panic
	})
}
