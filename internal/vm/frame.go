// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

// SlotKind tags a Slot with the evaluation-stack type category every
// operand is verified against. Narrower integer kinds are promoted to
// I32 on push; only the widths below exist on the stack.
type SlotKind uint8

const (
	SUninit SlotKind = iota
	SI32
	SI64
	SF
	SINative
	SRef
	// SValue holds a value-typed field/local as a byte-for-byte copy:
	// ldfld/stfld on a Value-kind field always copies, never aliases.
	SValue
)

// Slot is one evaluation-stack entry or local/argument slot: a tagged
// union over the runtime value representations. Only the field
// matching Kind is meaningful, except Bytes which is exclusive to
// SValue.
type Slot struct {
	Kind  SlotKind
	I32   int32
	I64   int64
	F     float64
	INat  int64
	Ref   Address
	Bytes []byte
}

func i32Slot(v int32) Slot   { return Slot{Kind: SI32, I32: v} }
func i64Slot(v int64) Slot   { return Slot{Kind: SI64, I64: v} }
func fSlot(v float64) Slot   { return Slot{Kind: SF, F: v} }
func inatSlot(v int64) Slot  { return Slot{Kind: SINative, INat: v} }
func refSlot(a Address) Slot { return Slot{Kind: SRef, Ref: a} }

// valueSlot copies b into a fresh SValue slot, so the caller's buffer
// can be reused or mutated afterwards without aliasing the slot.
func valueSlot(b []byte) Slot {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Slot{Kind: SValue, Bytes: cp}
}

// slotFor zero-initializes a Slot matching t's verification kind, used
// to seed a fresh frame's locals.
func slotFor(t ValueType) Slot {
	switch t.Kind {
	case KI8, KU8, KR8:
		if t.Kind == KR8 {
			return fSlot(0)
		}
		return i64Slot(0)
	case KR4:
		return fSlot(0)
	case KINative, KUNative:
		return inatSlot(0)
	case KClass, KString, KSZArray:
		return refSlot(NullRef)
	case KValue:
		size := 0
		if t.Class != nil {
			size = t.Class.BasicInstanceSize
		}
		return valueSlot(make([]byte, size))
	default:
		return i32Slot(0)
	}
}

// Frame is one activation record: the interpreter's evaluation stack,
// this method's local variables and incoming arguments, and the
// fetch-decode cursor into its instruction stream.
type Frame struct {
	Method *MethodDescriptor
	Module *Module

	IP int

	Args   []Slot
	Locals []Slot

	stack []Slot
}

// NewFrame builds an activation record for method, with args already
// converted to tagged slots in declaration order.
func NewFrame(mod *Module, method *MethodDescriptor, args []Slot) *Frame {
	locals := make([]Slot, len(method.Locals))
	for i, t := range method.Locals {
		locals[i] = slotFor(t)
	}
	return &Frame{
		Method: method,
		Module: mod,
		Args:   args,
		Locals: locals,
		stack:  make([]Slot, 0, method.MaxStack),
	}
}

func (f *Frame) push(s Slot) { f.stack = append(f.stack, s) }

func (f *Frame) pop() (Slot, error) {
	if len(f.stack) == 0 {
		return Slot{}, verifyErrorf(f.Method.Name, f.IP, "stack underflow")
	}
	s := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return s, nil
}

func (f *Frame) depth() int { return len(f.stack) }
