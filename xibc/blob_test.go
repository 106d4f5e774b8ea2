// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import "testing"

func roundTripBlob(t *testing.T, b Blob) Blob {
	t.Helper()
	w := NewWriter()
	b.Encode(w)
	got, err := DecodeBlob(NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if !b.Equal(got) {
		t.Fatalf("round trip mismatch: got %s, want %s", got, b)
	}
	return got
}

func TestBlobRoundTripPrimitives(t *testing.T) {
	for _, k := range []BlobKind{BlobBool, BlobChar, BlobI1, BlobU1, BlobI4, BlobU4,
		BlobI8, BlobU8, BlobR4, BlobR8, BlobINative, BlobUNative, BlobString} {
		roundTripBlob(t, PrimitiveBlob(k))
	}
}

func TestBlobRoundTripComposite(t *testing.T) {
	classTok := MakeToken(TagTypeDef, 3)
	arr := SZArrayBlob(ClassBlob(classTok))
	roundTripBlob(t, arr)

	byref := ByRefBlob(PrimitiveBlob(BlobI4))
	roundTripBlob(t, byref)

	fieldSig := FieldSigBlob(ValueBlob(MakeToken(TagTypeRef, 1)))
	roundTripBlob(t, fieldSig)

	method := MethodSigBlob(CallConvDefault,
		[]Blob{PrimitiveBlob(BlobI4), arr},
		PrimitiveBlob(BlobBool))
	roundTripBlob(t, method)

	locals := LocalVarSigBlob([]Blob{PrimitiveBlob(BlobI4), byref, arr})
	roundTripBlob(t, locals)

	gi := GenericInstBlob(true, classTok, []Blob{PrimitiveBlob(BlobI4), fieldSig})
	roundTripBlob(t, gi)
}

func TestDecodeBlobUnknownKindFails(t *testing.T) {
	r := NewReader([]byte{0xFF})
	if _, err := DecodeBlob(r); err == nil {
		t.Fatal("expected error decoding an unknown blob kind byte")
	}
}

func TestBlobString(t *testing.T) {
	m := MethodSigBlob(CallConvDefault, []Blob{PrimitiveBlob(BlobI4)}, PrimitiveBlob(BlobBool))
	if got := m.String(); got != "(I4) -> Bool" {
		t.Fatalf("String() = %q", got)
	}
}
