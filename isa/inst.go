// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package isa

import (
	"encoding/binary"
	"fmt"
)

// Inst is one decoded instruction: an opcode plus whichever of its
// inline operand fields apply, per opTable's operand kind for Op.
type Inst struct {
	Op Op

	U8    uint8
	I8    int8
	U16   uint16
	I32   int32  // also used for branch offsets
	Token uint32 // raw token bits; wrap in xibc.Token at the call site

	// Offset is this instruction's byte offset within its owning
	// method's instruction stream, filled in by DecodeStream/DecodeOne.
	Offset int
}

// Encode appends inst's wire encoding to buf and returns the result.
func Encode(buf []byte, inst Inst) []byte {
	info, ok := opTable[inst.Op]
	if !ok {
		panic(fmt.Sprintf("isa: Encode: opcode %#x has no entry in opTable", uint16(inst.Op)))
	}
	buf = append(buf, inst.Op.primaryByte())
	if inst.Op.IsSecondary() {
		buf = append(buf, inst.Op.secondaryByte())
	}
	switch info.operand {
	case operandNone:
	case operandU8:
		buf = append(buf, inst.U8)
	case operandI8:
		buf = append(buf, byte(inst.I8))
	case operandU16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], inst.U16)
		buf = append(buf, b[:]...)
	case operandI32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(inst.I32))
		buf = append(buf, b[:]...)
	case operandToken:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], inst.Token)
		buf = append(buf, b[:]...)
	}
	return buf
}

// EncodeStream serializes a whole instruction list into the flat byte
// stream a CodeRow stores; the module encoder wraps the result in a
// length-prefixed byte sequence.
func EncodeStream(insts []Inst) []byte {
	var buf []byte
	for _, inst := range insts {
		buf = Encode(buf, inst)
	}
	return buf
}

// decodeAt decodes one instruction starting at buf[pos], returning the
// instruction and the offset just past it.
func decodeAt(buf []byte, pos int) (Inst, int, error) {
	start := pos
	if pos >= len(buf) {
		return Inst{}, pos, fmt.Errorf("isa: truncated instruction stream at offset %d", pos)
	}
	primary := buf[pos]
	pos++

	var op Op
	if primary == SecondaryEscape {
		if pos >= len(buf) {
			return Inst{}, pos, fmt.Errorf("isa: truncated 0xFE-prefixed opcode at offset %d", start)
		}
		op = secondaryBase | Op(buf[pos])
		pos++
	} else {
		op = Op(primary)
	}

	info, ok := opTable[op]
	if !ok {
		return Inst{}, pos, fmt.Errorf("isa: unknown opcode %#x at offset %d", uint16(op), start)
	}

	inst := Inst{Op: op, Offset: start}
	need := 0
	switch info.operand {
	case operandU8, operandI8:
		need = 1
	case operandU16:
		need = 2
	case operandI32, operandToken:
		need = 4
	}
	if len(buf)-pos < need {
		return Inst{}, pos, fmt.Errorf("isa: truncated operand for %s at offset %d", op, start)
	}
	switch info.operand {
	case operandU8:
		inst.U8 = buf[pos]
	case operandI8:
		inst.I8 = int8(buf[pos])
	case operandU16:
		inst.U16 = binary.BigEndian.Uint16(buf[pos : pos+2])
	case operandI32:
		inst.I32 = int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
	case operandToken:
		inst.Token = binary.BigEndian.Uint32(buf[pos : pos+4])
	}
	pos += need
	return inst, pos, nil
}

// DecodeStream decodes an entire instruction stream, as stored in a
// CodeRow. An unknown opcode or a truncated operand is a decode error,
// never silently skipped.
func DecodeStream(buf []byte) ([]Inst, error) {
	var insts []Inst
	pos := 0
	for pos < len(buf) {
		inst, next, err := decodeAt(buf, pos)
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
		pos = next
	}
	return insts, nil
}

// DecodeOne decodes a single instruction at offset pos, returning it
// and the offset immediately following it. Used by the interpreter's
// fetch step, which never materializes the whole method into an Inst
// slice up front.
func DecodeOne(buf []byte, pos int) (Inst, int, error) {
	return decodeAt(buf, pos)
}

// Len returns the encoded size of inst, matching Size(inst.Op).
func Len(inst Inst) int {
	n, _ := Size(inst.Op)
	return n
}
