// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import (
	"reflect"
	"testing"
)

func sampleModule() *Module {
	m := &Module{MinorVersion: CurrentMinorVersion, MajorVersion: CurrentMajorVersion}
	m.Heaps.Strings = []string{"sample", "Main", "run", "x"}
	m.Heaps.UserStrings = []string{"hello"}
	m.Heaps.Blobs = []Blob{
		MethodSigBlob(CallConvDefault, nil, PrimitiveBlob(BlobI4)),
		FieldSigBlob(PrimitiveBlob(BlobI4)),
	}
	m.Tables.Mod = []ModRow{{Name: 1, Entrypoint: MakeToken(TagMethodDef, 1)}}
	m.Tables.TypeDef = []TypeDefRow{
		{Flag: TypeAttrPublic, Name: 2, Extends: Token(0), FirstField: 1, FirstMethod: 1},
	}
	m.Tables.Field = []FieldRow{{Flag: FieldAttrStatic, Name: 4, Sig: 2}}
	m.Tables.MethodDef = []MethodDefRow{
		{Name: 3, Sig: 1, Body: 1, Flag: MethodAttrStatic | MethodAttrPublic, ImplFlag: MethodImplIL},
	}
	m.Tables.Code = []CodeRow{{MaxStack: 1, Locals: 0, Insts: []byte{0x20, 0, 0, 0, 42, 0x2A}}}
	return m
}

func TestModuleRoundTrip(t *testing.T) {
	m := sampleModule()
	data := m.Encode()

	got, err := DecodeModule(data, nil)
	if err != nil {
		t.Fatalf("DecodeModule: %v", err)
	}
	if !reflect.DeepEqual(m.Tables, got.Tables) {
		t.Fatalf("tables mismatch:\n got  %#v\n want %#v", got.Tables, m.Tables)
	}
	if !reflect.DeepEqual(m.Heaps.Strings, got.Heaps.Strings) {
		t.Fatalf("string heap mismatch: got %v want %v", got.Heaps.Strings, m.Heaps.Strings)
	}
	if !reflect.DeepEqual(m.Heaps.UserStrings, got.Heaps.UserStrings) {
		t.Fatalf("user-string heap mismatch: got %v want %v", got.Heaps.UserStrings, m.Heaps.UserStrings)
	}
	for i := range m.Heaps.Blobs {
		if !m.Heaps.Blobs[i].Equal(got.Heaps.Blobs[i]) {
			t.Fatalf("blob %d mismatch: got %s want %s", i, got.Heaps.Blobs[i], m.Heaps.Blobs[i])
		}
	}
	// Byte-for-byte: re-encoding the decoded module must reproduce data.
	if got2 := got.Encode(); string(got2) != string(data) {
		t.Fatal("re-encoding the decoded module did not reproduce the original bytes")
	}
}

func TestModuleVersionMismatchWarnsNotFatal(t *testing.T) {
	m := sampleModule()
	m.MajorVersion = CurrentMajorVersion + 1
	data := m.Encode()

	var warned string
	_, err := DecodeModule(data, func(msg string) { warned = msg })
	if err != nil {
		t.Fatalf("version mismatch must not be fatal, got %v", err)
	}
	if warned == "" {
		t.Fatal("expected a warning callback for the version mismatch")
	}
}

func TestDecodeModuleTruncatedFails(t *testing.T) {
	m := sampleModule()
	data := m.Encode()
	for _, cut := range []int{0, 1, 4, len(data) / 2} {
		if cut >= len(data) {
			continue
		}
		if _, err := DecodeModule(data[:cut], nil); err == nil {
			t.Fatalf("expected decode error for truncated module (%d of %d bytes)", cut, len(data))
		}
	}
}
