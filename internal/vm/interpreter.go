// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xipotatonium/xivm/internal/log"
	"github.com/xipotatonium/xivm/isa"
	"github.com/xipotatonium/xivm/xibc"
)

// Interp is the fetch-dispatch loop. A call transfers control
// synchronously: invoke recurses on the host's own call stack rather
// than maintaining a separate frame stack, since execution is
// single-threaded and never suspends mid-method.
type Interp struct {
	statics  *StaticArea
	heap     *Heap
	resolver NativeResolver
	logger   log.Logger
}

// Run initializes every discovered .cctor in loader-discovery order,
// then invokes entry's entrypoint with no arguments, returning the
// bottom frame's return value (0 for void) as the process exit code.
func Run(l *Loader, entry *Module) (int32, error) {
	it := &Interp{
		statics:  l.Statics,
		heap:     l.Heap,
		resolver: l.opts.resolver(),
		logger:   l.opts.logger(),
	}

	for _, cctor := range l.CCtors {
		it.logger.Debugf("running class constructor %s.%s", cctor.Owner.Name, cctor.Name)
		if _, err := it.invoke(cctor.Owner.Module, cctor, nil); err != nil {
			return 0, err
		}
	}

	if entry.Entrypoint == nil {
		return 0, linkErrorf(entry.FullName, "module declares no entrypoint")
	}
	ret, err := it.invoke(entry, entry.Entrypoint, nil)
	if err != nil {
		return 0, err
	}
	return toExitCode(ret), nil
}

func toExitCode(ret *Slot) int32 {
	if ret == nil {
		return 0
	}
	switch ret.Kind {
	case SI32:
		return ret.I32
	case SI64:
		return int32(ret.I64)
	case SINative:
		return int32(ret.INat)
	case SF:
		return int32(ret.F)
	default:
		return 0
	}
}

// invoke calls md, owned by mod, with args already built into tagged
// slots. Returns nil for a Void return.
func (it *Interp) invoke(mod *Module, md *MethodDescriptor, args []Slot) (*Slot, error) {
	if md.IsNative() {
		return it.invokeNative(md, args)
	}
	f := NewFrame(mod, md, args)
	return it.run(f)
}

func (it *Interp) invokeNative(md *MethodDescriptor, args []Slot) (*Slot, error) {
	anyArgs := make([]any, len(args))
	for i, s := range args {
		v, err := slotToAny(s, md.Params[i])
		if err != nil {
			return nil, runtimeErrorf(md.Name, 0, "native call: %v", err)
		}
		anyArgs[i] = v
	}
	result, err := it.resolver.Invoke(md.Native, anyArgs)
	if err != nil {
		return nil, runtimeErrorf(md.Name, 0, "native call %q: %v", md.Native.Symbol, err)
	}
	if md.Ret.Kind == KVoid {
		return nil, nil
	}
	slot, err := anyToSlot(result, md.Ret)
	if err != nil {
		return nil, runtimeErrorf(md.Name, 0, "native call: %v", err)
	}
	return &slot, nil
}

// run drives the fetch-decode-execute loop for a single activation
// record until its ret instruction fires.
func (it *Interp) run(f *Frame) (*Slot, error) {
	for {
		if f.IP >= len(f.Method.Code) {
			return nil, verifyErrorf(f.Method.Name, f.IP, "fell off the end of the method body")
		}
		inst, next, err := isa.DecodeOne(f.Method.Code, f.IP)
		if err != nil {
			return nil, verifyErrorf(f.Method.Name, f.IP, "decode: %v", err)
		}
		f.IP = next
		ret, halt, err := it.step(f, inst)
		if err != nil {
			return nil, err
		}
		if halt {
			return ret, nil
		}
	}
}

// step executes one already-decoded instruction. halt reports whether
// this was the method's ret (ret is the returned value, nil for void).
func (it *Interp) step(f *Frame, inst isa.Inst) (ret *Slot, halt bool, err error) {
	switch inst.Op {
	case isa.OpNop:
		// no-op

	case isa.OpDup:
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		f.push(s)
		f.push(s)

	case isa.OpPop:
		if _, e := f.pop(); e != nil {
			return nil, false, e
		}

	case isa.OpLdNull:
		f.push(refSlot(NullRef))

	case isa.OpLdcI4M1, isa.OpLdcI40, isa.OpLdcI41, isa.OpLdcI42, isa.OpLdcI43,
		isa.OpLdcI44, isa.OpLdcI45, isa.OpLdcI46, isa.OpLdcI47, isa.OpLdcI48:
		f.push(i32Slot(int32(inst.Op) - int32(isa.OpLdcI40)))

	case isa.OpLdcI4S:
		f.push(i32Slot(int32(inst.I8)))

	case isa.OpLdcI4:
		f.push(i32Slot(inst.I32))

	case isa.OpLdArg0, isa.OpLdArg1, isa.OpLdArg2, isa.OpLdArg3:
		idx := int(inst.Op - isa.OpLdArg0)
		s, e := getArg(f, idx)
		if e != nil {
			return nil, false, e
		}
		f.push(s)

	case isa.OpLdArgS:
		s, e := getArg(f, int(inst.U8))
		if e != nil {
			return nil, false, e
		}
		f.push(s)

	case isa.OpStArgS:
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		if e := setArg(f, int(inst.U8), s); e != nil {
			return nil, false, e
		}

	case isa.OpLdLoc0, isa.OpLdLoc1, isa.OpLdLoc2, isa.OpLdLoc3:
		idx := int(inst.Op - isa.OpLdLoc0)
		s, e := getLocal(f, idx)
		if e != nil {
			return nil, false, e
		}
		f.push(s)

	case isa.OpStLoc0, isa.OpStLoc1, isa.OpStLoc2, isa.OpStLoc3:
		idx := int(inst.Op - isa.OpStLoc0)
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		if e := setLocal(f, idx, s); e != nil {
			return nil, false, e
		}

	case isa.OpLdLocS:
		s, e := getLocal(f, int(inst.U8))
		if e != nil {
			return nil, false, e
		}
		f.push(s)

	case isa.OpStLocS:
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		if e := setLocal(f, int(inst.U8), s); e != nil {
			return nil, false, e
		}

	case isa.OpLdLocW:
		s, e := getLocal(f, int(inst.U16))
		if e != nil {
			return nil, false, e
		}
		f.push(s)

	case isa.OpStLocW:
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		if e := setLocal(f, int(inst.U16), s); e != nil {
			return nil, false, e
		}

	case isa.OpLdLocAW:
		return nil, false, verifyErrorf(f.Method.Name, inst.Offset,
			"ldloca: frame-local addresses are not representable (only StaticMem/HeapMem regions exist)")

	case isa.OpAdd, isa.OpSub, isa.OpMul, isa.OpDiv, isa.OpRem, isa.OpNeg:
		if e := it.arith(f, inst); e != nil {
			return nil, false, e
		}

	case isa.OpCeq, isa.OpCgt, isa.OpClt:
		if e := it.compare(f, inst.Op); e != nil {
			return nil, false, e
		}

	case isa.OpBr:
		f.IP = inst.Offset + isa.Len(inst) + int(inst.I32)

	case isa.OpBrTrue, isa.OpBrFalse:
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		t, e := truthy(s)
		if e != nil {
			return nil, false, verifyErrorf(f.Method.Name, inst.Offset, "%v", e)
		}
		if (inst.Op == isa.OpBrTrue) == t {
			f.IP = inst.Offset + isa.Len(inst) + int(inst.I32)
		}

	case isa.OpBeq, isa.OpBge, isa.OpBgt, isa.OpBle, isa.OpBlt:
		taken, e := it.branchTest(f, inst.Op)
		if e != nil {
			return nil, false, e
		}
		if taken {
			f.IP = inst.Offset + isa.Len(inst) + int(inst.I32)
		}

	case isa.OpCall:
		if e := it.execCall(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	case isa.OpCallVirt:
		if e := it.execCallVirt(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	case isa.OpNewObj:
		if e := it.execNewObj(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	case isa.OpRet:
		if f.Method.Ret.Kind == KVoid {
			if d := f.depth(); d != 0 {
				return nil, false, verifyErrorf(f.Method.Name, inst.Offset,
					"void return with %d slots left on the stack", d)
			}
			return nil, true, nil
		}
		s, e := f.pop()
		if e != nil {
			return nil, false, e
		}
		if d := f.depth(); d != 0 {
			return nil, false, verifyErrorf(f.Method.Name, inst.Offset,
				"return with %d extra slots left on the stack", d)
		}
		return &s, true, nil

	case isa.OpLdFld, isa.OpLdFldA:
		if e := it.execLdFld(f, xibc.Token(inst.Token), inst.Op == isa.OpLdFldA); e != nil {
			return nil, false, e
		}

	case isa.OpStFld:
		if e := it.execStFld(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	case isa.OpLdSFld, isa.OpLdSFldA:
		if e := it.execLdSFld(f, xibc.Token(inst.Token), inst.Op == isa.OpLdSFldA); e != nil {
			return nil, false, e
		}

	case isa.OpStSFld:
		if e := it.execStSFld(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	case isa.OpNewArr:
		if e := it.execNewArr(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	case isa.OpLdLen:
		if e := it.execLdLen(f); e != nil {
			return nil, false, e
		}

	case isa.OpLdElemI4, isa.OpLdElemI8, isa.OpLdElemRef:
		if e := it.execLdElem(f, nil); e != nil {
			return nil, false, e
		}

	case isa.OpStElemI4, isa.OpStElemRef:
		if e := it.execStElem(f, nil); e != nil {
			return nil, false, e
		}

	case isa.OpLdElem:
		tok := xibc.Token(inst.Token)
		if e := it.execLdElem(f, &tok); e != nil {
			return nil, false, e
		}

	case isa.OpStElem:
		tok := xibc.Token(inst.Token)
		if e := it.execStElem(f, &tok); e != nil {
			return nil, false, e
		}

	case isa.OpInitObj:
		if e := it.execInitObj(f, xibc.Token(inst.Token)); e != nil {
			return nil, false, e
		}

	default:
		return nil, false, verifyErrorf(f.Method.Name, inst.Offset, "unimplemented opcode %s", inst.Op)
	}
	return nil, false, nil
}

func getArg(f *Frame, idx int) (Slot, error) {
	if idx < 0 || idx >= len(f.Args) {
		return Slot{}, verifyErrorf(f.Method.Name, f.IP, "arg index %d out of range", idx)
	}
	return f.Args[idx], nil
}

func setArg(f *Frame, idx int, s Slot) error {
	if idx < 0 || idx >= len(f.Args) {
		return verifyErrorf(f.Method.Name, f.IP, "arg index %d out of range", idx)
	}
	f.Args[idx] = s
	return nil
}

func getLocal(f *Frame, idx int) (Slot, error) {
	if idx < 0 || idx >= len(f.Locals) {
		return Slot{}, verifyErrorf(f.Method.Name, f.IP, "local index %d out of range", idx)
	}
	return f.Locals[idx], nil
}

func setLocal(f *Frame, idx int, s Slot) error {
	if idx < 0 || idx >= len(f.Locals) {
		return verifyErrorf(f.Method.Name, f.IP, "local index %d out of range", idx)
	}
	f.Locals[idx] = s
	return nil
}

// combineKind applies the binary-operand compatibility table:
// same-kind pairs keep their kind, an I32 widens against INative, and
// Ref/Value/Uninit operands never combine. I64 pairs only with itself,
// with no implicit I64<->I32 or I64<->INative widening (I64 only ever
// appears from an I8/U8 local, field or return value, never from a
// literal, so an exact-match-only rule loses no real program).
func combineKind(a, b SlotKind) (SlotKind, bool) {
	if a == SUninit || b == SUninit || a == SRef || b == SRef || a == SValue || b == SValue {
		return 0, false
	}
	if a == b {
		return a, true
	}
	if (a == SI32 && b == SINative) || (a == SINative && b == SI32) {
		return SINative, true
	}
	return 0, false
}

func asI64(s Slot) int64 {
	switch s.Kind {
	case SI32:
		return int64(s.I32)
	case SI64:
		return s.I64
	case SINative:
		return s.INat
	default:
		return 0
	}
}

func (it *Interp) arith(f *Frame, inst isa.Inst) error {
	if inst.Op == isa.OpNeg {
		a, err := f.pop()
		if err != nil {
			return err
		}
		switch a.Kind {
		case SI32:
			f.push(i32Slot(-a.I32))
		case SI64:
			f.push(i64Slot(-a.I64))
		case SINative:
			f.push(inatSlot(-a.INat))
		case SF:
			f.push(fSlot(-a.F))
		default:
			return verifyErrorf(f.Method.Name, inst.Offset, "neg: operand kind %d is not numeric", a.Kind)
		}
		return nil
	}

	b, err := f.pop()
	if err != nil {
		return err
	}
	a, err := f.pop()
	if err != nil {
		return err
	}
	kind, ok := combineKind(a.Kind, b.Kind)
	if !ok {
		return verifyErrorf(f.Method.Name, inst.Offset, "%s: incompatible operand kinds %d/%d", inst.Op, a.Kind, b.Kind)
	}
	switch kind {
	case SF:
		x, y := a.F, b.F
		r, err := applyArithF(inst.Op, x, y)
		if err != nil {
			return verifyErrorf(f.Method.Name, inst.Offset, "%v", err)
		}
		f.push(fSlot(r))
	case SI32:
		r, err := applyArith(inst.Op, int64(a.I32), int64(b.I32))
		if err != nil {
			return runtimeErrorf(f.Method.Name, inst.Offset, "%v", err)
		}
		f.push(i32Slot(int32(r)))
	case SI64:
		r, err := applyArith(inst.Op, a.I64, b.I64)
		if err != nil {
			return runtimeErrorf(f.Method.Name, inst.Offset, "%v", err)
		}
		f.push(i64Slot(r))
	case SINative:
		r, err := applyArith(inst.Op, asI64(a), asI64(b))
		if err != nil {
			return runtimeErrorf(f.Method.Name, inst.Offset, "%v", err)
		}
		f.push(inatSlot(r))
	default:
		return verifyErrorf(f.Method.Name, inst.Offset, "arithmetic on non-numeric slot kind %d", kind)
	}
	return nil
}

func applyArith(op isa.Op, x, y int64) (int64, error) {
	switch op {
	case isa.OpAdd:
		return x + y, nil
	case isa.OpSub:
		return x - y, nil
	case isa.OpMul:
		return x * y, nil
	case isa.OpDiv:
		if y == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case isa.OpRem:
		if y == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return x % y, nil
	default:
		return 0, fmt.Errorf("%s is not an arithmetic opcode", op)
	}
}

func applyArithF(op isa.Op, x, y float64) (float64, error) {
	switch op {
	case isa.OpAdd:
		return x + y, nil
	case isa.OpSub:
		return x - y, nil
	case isa.OpMul:
		return x * y, nil
	case isa.OpDiv:
		return x / y, nil
	case isa.OpRem:
		return math.Mod(x, y), nil
	default:
		return 0, fmt.Errorf("%s is not an arithmetic opcode", op)
	}
}

func boolResult(b bool) Slot {
	if b {
		return inatSlot(1)
	}
	return inatSlot(0)
}

func truthy(s Slot) (bool, error) {
	switch s.Kind {
	case SI32:
		return s.I32 != 0, nil
	case SI64:
		return s.I64 != 0, nil
	case SINative:
		return s.INat != 0, nil
	case SRef:
		return !s.Ref.Null, nil
	default:
		return false, fmt.Errorf("slot kind %d is not boolean-testable", s.Kind)
	}
}

// compare implements ceq/cgt/clt. ceq additionally accepts two Ref
// operands, comparing addresses for equality.
func (it *Interp) compare(f *Frame, op isa.Op) error {
	b, err := f.pop()
	if err != nil {
		return err
	}
	a, err := f.pop()
	if err != nil {
		return err
	}
	if a.Kind == SRef || b.Kind == SRef {
		if op != isa.OpCeq || a.Kind != SRef || b.Kind != SRef {
			return verifyErrorf(f.Method.Name, f.IP, "%s: reference operands are only valid for ceq", op)
		}
		f.push(boolResult(a.Ref == b.Ref))
		return nil
	}
	kind, ok := combineKind(a.Kind, b.Kind)
	if !ok {
		return verifyErrorf(f.Method.Name, f.IP, "%s: incompatible operand kinds %d/%d", op, a.Kind, b.Kind)
	}
	var result bool
	if kind == SF {
		result = cmpFloat(op, a.F, b.F)
	} else {
		result = cmpInt(op, asI64(a), asI64(b))
	}
	f.push(boolResult(result))
	return nil
}

func cmpInt(op isa.Op, x, y int64) bool {
	switch op {
	case isa.OpCeq, isa.OpBeq:
		return x == y
	case isa.OpCgt, isa.OpBgt:
		return x > y
	case isa.OpClt, isa.OpBlt:
		return x < y
	case isa.OpBge:
		return x >= y
	case isa.OpBle:
		return x <= y
	default:
		return false
	}
}

func cmpFloat(op isa.Op, x, y float64) bool {
	switch op {
	case isa.OpCeq, isa.OpBeq:
		return x == y
	case isa.OpCgt, isa.OpBgt:
		return x > y
	case isa.OpClt, isa.OpBlt:
		return x < y
	case isa.OpBge:
		return x >= y
	case isa.OpBle:
		return x <= y
	default:
		return false
	}
}

func (it *Interp) branchTest(f *Frame, op isa.Op) (bool, error) {
	b, err := f.pop()
	if err != nil {
		return false, err
	}
	a, err := f.pop()
	if err != nil {
		return false, err
	}
	kind, ok := combineKind(a.Kind, b.Kind)
	if !ok {
		return false, verifyErrorf(f.Method.Name, f.IP, "%s: incompatible operand kinds %d/%d", op, a.Kind, b.Kind)
	}
	if kind == SF {
		return cmpFloat(op, a.F, b.F), nil
	}
	return cmpInt(op, asI64(a), asI64(b)), nil
}

// popArgs pops n slots, returning them in declaration (push) order: the
// stack's top holds the last-pushed argument, so this reverses as it
// pops.
func (it *Interp) popArgs(f *Frame, n int) ([]Slot, error) {
	args := make([]Slot, n)
	for i := n - 1; i >= 0; i-- {
		s, err := f.pop()
		if err != nil {
			return nil, err
		}
		args[i] = s
	}
	return args, nil
}

// execCall implements plain call: it pops exactly one slot per
// declared parameter — no implicit receiver. callvirt is the only
// opcode that adds the extra receiver slot, even when it degenerates
// to a non-virtual dispatch.
func (it *Interp) execCall(f *Frame, tok xibc.Token) error {
	md, err := f.Module.ResolveMethodToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "call: %v", err)
	}
	args, err := it.popArgs(f, len(md.Params))
	if err != nil {
		return err
	}
	ret, err := it.invoke(md.Owner.Module, md, args)
	if err != nil {
		return err
	}
	if ret != nil {
		f.push(*ret)
	}
	return nil
}

func (it *Interp) execCallVirt(f *Frame, tok xibc.Token) error {
	md, err := f.Module.ResolveMethodToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "callvirt: %v", err)
	}
	n := len(md.Params) + 1
	args, err := it.popArgs(f, n)
	if err != nil {
		return err
	}
	receiver := args[0]
	if receiver.Kind != SRef {
		return verifyErrorf(f.Method.Name, f.IP, "callvirt: receiver is not a reference")
	}
	if receiver.Ref.Null {
		return runtimeErrorf(f.Method.Name, f.IP, "callvirt: null reference")
	}
	target := md
	if md.IsVirtual {
		hdr, ok := it.heap.Header(receiver.Ref)
		if !ok || hdr.Type == nil {
			return runtimeErrorf(f.Method.Name, f.IP, "callvirt: receiver has no object header")
		}
		if ov := hdr.Type.VirtualOverride(md.Name, md.Params); ov != nil {
			target = ov
		}
	}
	ret, err := it.invoke(target.Owner.Module, target, args)
	if err != nil {
		return err
	}
	if ret != nil {
		f.push(*ret)
	}
	return nil
}

func (it *Interp) execNewObj(f *Frame, tok xibc.Token) error {
	md, err := f.Module.ResolveMethodToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "newobj: %v", err)
	}
	if !md.IsCtor {
		return verifyErrorf(f.Method.Name, f.IP, "newobj: token does not denote a .ctor")
	}
	n := len(md.Params)
	ctorArgs, err := it.popArgs(f, n)
	if err != nil {
		return err
	}
	objAddr := it.heap.NewObj(md.Owner)
	args := make([]Slot, n+1)
	args[0] = refSlot(objAddr)
	copy(args[1:], ctorArgs)
	if _, err := it.invoke(md.Owner.Module, md, args); err != nil {
		return err
	}
	f.push(refSlot(objAddr))
	return nil
}

func (it *Interp) execLdFld(f *Frame, tok xibc.Token, addrOnly bool) error {
	fd, err := f.Module.ResolveFieldToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "ldfld: %v", err)
	}
	obj, err := f.pop()
	if err != nil {
		return err
	}
	if obj.Kind != SRef {
		return verifyErrorf(f.Method.Name, f.IP, "ldfld: operand is not a reference")
	}
	if obj.Ref.Null {
		return runtimeErrorf(f.Method.Name, f.IP, "ldfld: null reference")
	}
	if addrOnly {
		addr := Address{Region: HeapMem, Offset: it.heap.instanceDataOffset(obj.Ref) + fd.Addr.Offset}
		f.push(refSlot(addr))
		return nil
	}
	bytes := it.heap.ReadInstanceField(obj.Ref, int(fd.Addr.Offset), fd.Type.Size())
	s, err := bytesToSlot(bytes, fd.Type)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "ldfld: %v", err)
	}
	f.push(s)
	return nil
}

func (it *Interp) execStFld(f *Frame, tok xibc.Token) error {
	fd, err := f.Module.ResolveFieldToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "stfld: %v", err)
	}
	val, err := f.pop()
	if err != nil {
		return err
	}
	obj, err := f.pop()
	if err != nil {
		return err
	}
	if obj.Kind != SRef {
		return verifyErrorf(f.Method.Name, f.IP, "stfld: operand is not a reference")
	}
	if obj.Ref.Null {
		return runtimeErrorf(f.Method.Name, f.IP, "stfld: null reference")
	}
	bytes, err := slotBytes(val, fd.Type)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "stfld: %v", err)
	}
	it.heap.WriteInstanceField(obj.Ref, int(fd.Addr.Offset), bytes)
	return nil
}

func (it *Interp) execLdSFld(f *Frame, tok xibc.Token, addrOnly bool) error {
	fd, err := f.Module.ResolveFieldToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "ldsfld: %v", err)
	}
	if addrOnly {
		f.push(refSlot(fd.Addr))
		return nil
	}
	bytes := it.statics.read(fd.Addr.Offset, fd.Type.Size())
	s, err := bytesToSlot(bytes, fd.Type)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "ldsfld: %v", err)
	}
	f.push(s)
	return nil
}

func (it *Interp) execStSFld(f *Frame, tok xibc.Token) error {
	fd, err := f.Module.ResolveFieldToken(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "stsfld: %v", err)
	}
	val, err := f.pop()
	if err != nil {
		return err
	}
	bytes, err := slotBytes(val, fd.Type)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "stsfld: %v", err)
	}
	it.statics.write(fd.Addr.Offset, bytes)
	return nil
}

func (it *Interp) execNewArr(f *Frame, tok xibc.Token) error {
	elemTy, err := f.Module.ResolveElemType(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "newarr: %v", err)
	}
	lenSlot, err := f.pop()
	if err != nil {
		return err
	}
	length := int(asI64(lenSlot))
	if length < 0 {
		return runtimeErrorf(f.Method.Name, f.IP, "newarr: negative length %d", length)
	}
	addr := it.heap.NewArr(elemTy, length)
	f.push(refSlot(addr))
	return nil
}

func (it *Interp) execLdLen(f *Frame) error {
	arr, err := f.pop()
	if err != nil {
		return err
	}
	if arr.Kind != SRef {
		return verifyErrorf(f.Method.Name, f.IP, "ldlen: operand is not a reference")
	}
	if arr.Ref.Null {
		return runtimeErrorf(f.Method.Name, f.IP, "ldlen: null reference")
	}
	hdr, ok := it.heap.Header(arr.Ref)
	if !ok || !hdr.IsArray {
		return runtimeErrorf(f.Method.Name, f.IP, "ldlen: reference is not an array")
	}
	f.push(i32Slot(int32(hdr.Length)))
	return nil
}

// arrayElemAccess resolves the array reference, index and element type
// common to both the typed and token-qualified ldelem/stelem variants.
// tok overrides the runtime element type when non-nil.
func (it *Interp) arrayElemAccess(f *Frame, tok *xibc.Token, popIndex bool) (Address, int, ValueType, error) {
	var idx int
	if popIndex {
		idxSlot, err := f.pop()
		if err != nil {
			return Address{}, 0, ValueType{}, err
		}
		idx = int(asI64(idxSlot))
	}
	arr, err := f.pop()
	if err != nil {
		return Address{}, 0, ValueType{}, err
	}
	if arr.Kind != SRef {
		return Address{}, 0, ValueType{}, verifyErrorf(f.Method.Name, f.IP, "array operand is not a reference")
	}
	if arr.Ref.Null {
		return Address{}, 0, ValueType{}, runtimeErrorf(f.Method.Name, f.IP, "null array reference")
	}
	hdr, ok := it.heap.Header(arr.Ref)
	if !ok || !hdr.IsArray {
		return Address{}, 0, ValueType{}, runtimeErrorf(f.Method.Name, f.IP, "reference is not an array")
	}
	elemTy := hdr.ElemType
	if tok != nil {
		t, err := f.Module.ResolveElemType(*tok)
		if err != nil {
			return Address{}, 0, ValueType{}, verifyErrorf(f.Method.Name, f.IP, "%v", err)
		}
		elemTy = t
	}
	if idx < 0 || idx >= hdr.Length {
		return Address{}, 0, ValueType{}, runtimeErrorf(f.Method.Name, f.IP, "array index %d out of range [0,%d)", idx, hdr.Length)
	}
	return arr.Ref, idx, elemTy, nil
}

func (it *Interp) execLdElem(f *Frame, tok *xibc.Token) error {
	arr, idx, elemTy, err := it.arrayElemAccess(f, tok, true)
	if err != nil {
		return err
	}
	bytes := it.heap.ReadElem(arr, idx, elemTy.Size())
	s, err := bytesToSlot(bytes, elemTy)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "ldelem: %v", err)
	}
	f.push(s)
	return nil
}

func (it *Interp) execStElem(f *Frame, tok *xibc.Token) error {
	val, err := f.pop()
	if err != nil {
		return err
	}
	arr, idx, elemTy, err := it.arrayElemAccess(f, tok, true)
	if err != nil {
		return err
	}
	bytes, err := slotBytes(val, elemTy)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "stelem: %v", err)
	}
	it.heap.WriteElem(arr, idx, elemTy.Size(), bytes)
	return nil
}

func (it *Interp) execInitObj(f *Frame, tok xibc.Token) error {
	t, err := f.Module.ResolveElemType(tok)
	if err != nil {
		return verifyErrorf(f.Method.Name, f.IP, "initobj: %v", err)
	}
	addr, err := f.pop()
	if err != nil {
		return err
	}
	if addr.Kind != SRef {
		return verifyErrorf(f.Method.Name, f.IP, "initobj: operand is not an address")
	}
	zero := make([]byte, t.Size())
	switch addr.Ref.Region {
	case HeapMem:
		it.heap.write(addr.Ref.Offset, zero)
	case StaticMem:
		it.statics.write(addr.Ref.Offset, zero)
	}
	return nil
}

// slotBytes serializes a stack slot into a field/array element's
// storage representation. A Value-kind field is copied byte-for-byte
// from the slot's own payload, never aliased.
func slotBytes(s Slot, t ValueType) ([]byte, error) {
	switch t.Kind {
	case KValue:
		if s.Kind != SValue {
			return nil, fmt.Errorf("expected a value-type slot, got kind %d", s.Kind)
		}
		return s.Bytes, nil
	case KBool, KI1, KU1:
		return []byte{byte(s.I32)}, nil
	case KChar:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(s.I32))
		return b, nil
	case KI4, KU4:
		return encodeI32(s.I32), nil
	case KR4:
		return encodeI32(int32(math.Float32bits(float32(s.F)))), nil
	case KI8, KU8:
		return encodeI64(s.I64), nil
	case KR8:
		return encodeI64(int64(math.Float64bits(s.F))), nil
	case KINative, KUNative:
		return encodeI64(s.INat), nil
	case KClass, KString, KSZArray:
		return encodeAddress(s.Ref), nil
	default:
		return nil, fmt.Errorf("type %s is not stack-representable", kindName(t))
	}
}

func bytesToSlot(b []byte, t ValueType) (Slot, error) {
	switch t.Kind {
	case KValue:
		return valueSlot(b), nil
	case KBool, KI1:
		return i32Slot(int32(int8(b[0]))), nil
	case KU1:
		return i32Slot(int32(b[0])), nil
	case KChar:
		return i32Slot(int32(binary.BigEndian.Uint16(b))), nil
	case KI4:
		return i32Slot(decodeI32(b)), nil
	case KU4:
		return i32Slot(int32(binary.BigEndian.Uint32(b))), nil
	case KR4:
		return fSlot(float64(math.Float32frombits(binary.BigEndian.Uint32(b)))), nil
	case KI8, KU8:
		return i64Slot(decodeI64(b)), nil
	case KR8:
		return fSlot(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case KINative, KUNative:
		return inatSlot(decodeI64(b)), nil
	case KClass, KString, KSZArray:
		return refSlot(decodeAddress(b)), nil
	default:
		return Slot{}, fmt.Errorf("type %s is not stack-representable", kindName(t))
	}
}

// slotToAny/anyToSlot cross the native-call boundary: a NativeResolver
// sees and returns plain Go values keyed to the method's declared
// parameter/return ValueTypes.
func slotToAny(s Slot, t ValueType) (any, error) {
	switch t.Kind {
	case KBool:
		return s.I32 != 0, nil
	case KChar:
		return rune(s.I32), nil
	case KI1:
		return int8(s.I32), nil
	case KU1:
		return uint8(s.I32), nil
	case KI4:
		return s.I32, nil
	case KU4:
		return uint32(s.I32), nil
	case KI8:
		return s.I64, nil
	case KU8:
		return uint64(s.I64), nil
	case KR4:
		return float32(s.F), nil
	case KR8:
		return s.F, nil
	case KINative:
		return s.INat, nil
	case KUNative:
		return uint64(s.INat), nil
	case KClass, KString, KSZArray:
		return s.Ref, nil
	default:
		return nil, fmt.Errorf("type %s cannot cross the native boundary", kindName(t))
	}
}

func anyToSlot(v any, t ValueType) (Slot, error) {
	switch t.Kind {
	case KBool:
		b, ok := v.(bool)
		if !ok {
			return Slot{}, fmt.Errorf("expected bool, got %T", v)
		}
		return boolResult(b), nil
	case KChar:
		r, ok := v.(rune)
		if !ok {
			return Slot{}, fmt.Errorf("expected rune, got %T", v)
		}
		return i32Slot(int32(r)), nil
	case KI1:
		n, ok := v.(int8)
		if !ok {
			return Slot{}, fmt.Errorf("expected int8, got %T", v)
		}
		return i32Slot(int32(n)), nil
	case KU1:
		n, ok := v.(uint8)
		if !ok {
			return Slot{}, fmt.Errorf("expected uint8, got %T", v)
		}
		return i32Slot(int32(n)), nil
	case KI4:
		n, ok := v.(int32)
		if !ok {
			return Slot{}, fmt.Errorf("expected int32, got %T", v)
		}
		return i32Slot(n), nil
	case KU4:
		n, ok := v.(uint32)
		if !ok {
			return Slot{}, fmt.Errorf("expected uint32, got %T", v)
		}
		return i32Slot(int32(n)), nil
	case KI8:
		n, ok := v.(int64)
		if !ok {
			return Slot{}, fmt.Errorf("expected int64, got %T", v)
		}
		return i64Slot(n), nil
	case KU8:
		n, ok := v.(uint64)
		if !ok {
			return Slot{}, fmt.Errorf("expected uint64, got %T", v)
		}
		return i64Slot(int64(n)), nil
	case KR4:
		n, ok := v.(float32)
		if !ok {
			return Slot{}, fmt.Errorf("expected float32, got %T", v)
		}
		return fSlot(float64(n)), nil
	case KR8:
		n, ok := v.(float64)
		if !ok {
			return Slot{}, fmt.Errorf("expected float64, got %T", v)
		}
		return fSlot(n), nil
	case KINative:
		n, ok := v.(int64)
		if !ok {
			return Slot{}, fmt.Errorf("expected int64, got %T", v)
		}
		return inatSlot(n), nil
	case KUNative:
		n, ok := v.(uint64)
		if !ok {
			return Slot{}, fmt.Errorf("expected uint64, got %T", v)
		}
		return inatSlot(int64(n)), nil
	case KClass, KString, KSZArray:
		a, ok := v.(Address)
		if !ok {
			return Slot{}, fmt.Errorf("expected Address, got %T", v)
		}
		return refSlot(a), nil
	default:
		return Slot{}, fmt.Errorf("type %s cannot cross the native boundary", kindName(t))
	}
}
