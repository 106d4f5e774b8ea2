// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package isa

import "testing"

func TestInstructionSizeAgreesWithEncodedLength(t *testing.T) {
	cases := []Inst{
		{Op: OpNop},
		{Op: OpLdArg0},
		{Op: OpLdArgS, U8: 7},
		{Op: OpLdcI4S, I8: -9},
		{Op: OpLdcI4, I32: 123456},
		{Op: OpCall, Token: 0x02000001},
		{Op: OpBr, I32: -8},
		{Op: OpCeq},
		{Op: OpLdLocW, U16: 300},
		{Op: OpInitObj, Token: 0x03000002},
	}
	for _, inst := range cases {
		buf := Encode(nil, inst)
		want, ok := Size(inst.Op)
		if !ok {
			t.Fatalf("Size(%v) not found", inst.Op)
		}
		if len(buf) != want {
			t.Fatalf("opcode %s: Encode produced %d bytes, Size formula says %d", inst.Op, len(buf), want)
		}
	}
}

func TestInstructionRoundTrip(t *testing.T) {
	insts := []Inst{
		{Op: OpLdcI4S, I8: -1},
		{Op: OpLdcI43},
		{Op: OpAdd},
		{Op: OpLdLocW, U16: 12},
		{Op: OpCeq},
		{Op: OpNewObj, Token: 0x02000005},
		{Op: OpStElem, Token: 0x01000002},
		{Op: OpRet},
	}
	buf := EncodeStream(insts)
	got, err := DecodeStream(buf)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(got) != len(insts) {
		t.Fatalf("decoded %d instructions, want %d", len(got), len(insts))
	}
	for i, want := range insts {
		g := got[i]
		if g.Op != want.Op || g.I8 != want.I8 || g.U16 != want.U16 || g.Token != want.Token {
			t.Fatalf("inst %d mismatch: got %+v want %+v", i, g, want)
		}
	}
}

func TestDecodeUnknownOpcodeFails(t *testing.T) {
	if _, err := DecodeStream([]byte{0x01}); err == nil {
		t.Fatal("expected error decoding unassigned primary opcode 0x01")
	}
	if _, err := DecodeStream([]byte{SecondaryEscape, 0xFF}); err == nil {
		t.Fatal("expected error decoding unassigned secondary opcode 0xFF")
	}
}

func TestDecodeTruncatedOperandFails(t *testing.T) {
	if _, err := DecodeStream([]byte{byte(OpCall), 0x00, 0x00}); err == nil {
		t.Fatal("expected error decoding a call with a truncated token operand")
	}
}
