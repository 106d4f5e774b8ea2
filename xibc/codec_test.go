// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import "testing"

func TestCodecRoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutU8(0xAB)
	w.PutI8(-5)
	w.PutU16(0x1234)
	w.PutI16(-1)
	w.PutU32(0xDEADBEEF)
	w.PutI32(-42)
	w.PutString("hello, xi")
	w.PutBlob([]byte{1, 2, 3, 4, 5})

	r := NewReader(w.Bytes())

	if v, err := r.U8(); err != nil || v != 0xAB {
		t.Fatalf("U8 = %v, %v", v, err)
	}
	if v, err := r.I8(); err != nil || v != -5 {
		t.Fatalf("I8 = %v, %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 0x1234 {
		t.Fatalf("U16 = %v, %v", v, err)
	}
	if v, err := r.I16(); err != nil || v != -1 {
		t.Fatalf("I16 = %v, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("U32 = %v, %v", v, err)
	}
	if v, err := r.I32(); err != nil || v != -42 {
		t.Fatalf("I32 = %v, %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello, xi" {
		t.Fatalf("String = %q, %v", v, err)
	}
	if v, err := r.Blob(); err != nil || string(v) != "\x01\x02\x03\x04\x05" {
		t.Fatalf("Blob = %v, %v", v, err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected stream fully consumed, %d bytes remain", r.Len())
	}
}

func TestCodecTruncatedStreamFails(t *testing.T) {
	r := NewReader([]byte{0x00, 0x01})
	if _, err := r.U32(); err == nil {
		t.Fatal("expected error decoding u32 from a 2-byte stream")
	}

	r2 := NewReader([]byte{0x00, 0x05, 'h', 'i'}) // string claims length 5, only 2 bytes follow
	if _, err := r2.String(); err == nil {
		t.Fatal("expected error decoding an over-long length-prefixed string")
	}

	r3 := NewReader([]byte{0, 0, 0, 100}) // blob claims 100 bytes, none follow
	if _, err := r3.Blob(); err == nil {
		t.Fatal("expected error decoding an over-long length-prefixed blob")
	}
}

func TestTokenTagIndexRoundTrip(t *testing.T) {
	for _, tag := range []Tag{TagMod, TagTypeDef, TagMethodDef, TagUserString} {
		tok := MakeToken(tag, 42)
		if tok.Tag() != tag {
			t.Fatalf("Tag() = %v, want %v", tok.Tag(), tag)
		}
		if tok.Index() != 42 {
			t.Fatalf("Index() = %v, want 42", tok.Index())
		}
		if tok.IsNil() {
			t.Fatal("token with index 42 reported IsNil")
		}
	}
	if !MakeToken(TagTypeDef, 0).IsNil() {
		t.Fatal("index-0 token should be nil")
	}
}
