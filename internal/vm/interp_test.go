// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/xipotatonium/xivm/internal/log"
	"github.com/xipotatonium/xivm/isa"
	"github.com/xipotatonium/xivm/xibc"
)

func TestScenarioS1HelloInteger(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdcI4S, I8: 42},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 42)
}

func TestScenarioS2Add(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdcI43},
		{Op: isa.OpLdcI44},
		{Op: isa.OpAdd},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 7)
}

func TestScenarioS3Conditional(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	// ldc.i4.0; brtrue L1; ldc.i4.1; ret; L1: ldc.i4.2; ret
	// brtrue ends at offset 6, L1 sits at offset 8.
	main := b.method(staticPub, "Main", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdcI40},
		{Op: isa.OpBrTrue, I32: 2},
		{Op: isa.OpLdcI41},
		{Op: isa.OpRet},
		{Op: isa.OpLdcI42},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 1)
}

func TestScenarioS4InstanceFieldRoundTrip(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Box", 0)
	fld := b.field(uint16(xibc.FieldAttrPublic), "value", sigI4)
	ctor := b.method(ctorPub, ".ctor", nil, sigVoid, 0, nil, []isa.Inst{
		{Op: isa.OpRet},
	})
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 3, nil, []isa.Inst{
		{Op: isa.OpNewObj, Token: uint32(ctor)},
		{Op: isa.OpDup},
		{Op: isa.OpLdcI4, I32: 99},
		{Op: isa.OpStFld, Token: uint32(fld)},
		{Op: isa.OpLdFld, Token: uint32(fld)},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 99)
}

func TestScenarioS5StaticFieldAcrossModules(t *testing.T) {
	libDir := t.TempDir()

	lib := newModBuilder("lib")
	lib.beginType(xibc.TypeAttrPublic, "Cfg", 0)
	x := lib.field(uint16(xibc.FieldAttrStatic), "X", sigI4)
	lib.method(staticPub|xibc.MethodAttrCCtor, ".cctor", nil, sigVoid, 1, nil, []isa.Inst{
		{Op: isa.OpLdcI47},
		{Op: isa.OpStSFld, Token: uint32(x)},
		{Op: isa.OpRet},
	})
	lib.write(t, filepath.Join(libDir, "lib.xibc"))

	app := newModBuilder("app")
	mr := app.modRef("lib")
	tr := app.typeRef(mr, "Cfg")
	xref := app.memberRef(tr, "X", xibc.FieldSigBlob(sigI4))
	app.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := app.method(staticPub, "Main", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdSFld, Token: uint32(xref)},
		{Op: isa.OpRet},
	})
	app.entrypoint(main)

	got, err := runModule(t, app, Options{SearchPaths: []string{libDir}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 7 {
		t.Fatalf("exit code = %d, want 7", got)
	}
}

func TestScenarioS6VirtualCall(t *testing.T) {
	b := newModBuilder("main")
	baseTok := b.beginType(xibc.TypeAttrPublic, "Base", 0)
	baseM := b.method(xibc.MethodAttrVirtual|xibc.MethodAttrPublic, "M", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdcI41},
		{Op: isa.OpRet},
	})
	b.beginType(xibc.TypeAttrPublic, "Derived", baseTok)
	dctor := b.method(ctorPub, ".ctor", nil, sigVoid, 0, nil, []isa.Inst{
		{Op: isa.OpRet},
	})
	b.method(xibc.MethodAttrVirtual|xibc.MethodAttrPublic, "M", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdcI42},
		{Op: isa.OpRet},
	})
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpNewObj, Token: uint32(dctor)},
		{Op: isa.OpCallVirt, Token: uint32(baseM)},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 2)
}

func TestBackwardBranchLoop(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	// i = 1; sum = 0; while i <= 5 { sum += i; i++ }; return sum
	main := b.method(staticPub, "Main", nil, sigI4, 2,
		[]xibc.Blob{sigI4, sigI4}, []isa.Inst{
			{Op: isa.OpLdcI41}, // 0
			{Op: isa.OpStLoc0}, // 1
			{Op: isa.OpLdcI40}, // 2
			{Op: isa.OpStLoc1}, // 3
			{Op: isa.OpLdLoc0}, // 4 (loop head)
			{Op: isa.OpLdcI45}, // 5
			{Op: isa.OpBgt, I32: 13}, // 6..10, exits to 24
			{Op: isa.OpLdLoc1},       // 11
			{Op: isa.OpLdLoc0},       // 12
			{Op: isa.OpAdd},          // 13
			{Op: isa.OpStLoc1},       // 14
			{Op: isa.OpLdLoc0},       // 15
			{Op: isa.OpLdcI41},       // 16
			{Op: isa.OpAdd},          // 17
			{Op: isa.OpStLoc0},       // 18
			{Op: isa.OpBr, I32: -20}, // 19..23, back to 4
			{Op: isa.OpLdLoc1},       // 24
			{Op: isa.OpRet},
		})
	b.entrypoint(main)
	mustRun(t, b, 15)
}

func TestStaticCallWithArguments(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Math", 0)
	sub := b.method(staticPub, "Sub", []xibc.Blob{sigI4, sigI4}, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdArg0},
		{Op: isa.OpLdArg1},
		{Op: isa.OpSub},
		{Op: isa.OpRet},
	})
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdcI48},
		{Op: isa.OpLdcI43},
		{Op: isa.OpCall, Token: uint32(sub)},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 5)
}

func TestDerivedInstanceEmbedsBaseFields(t *testing.T) {
	b := newModBuilder("main")
	baseTok := b.beginType(xibc.TypeAttrPublic, "Base", 0)
	fa := b.field(uint16(xibc.FieldAttrPublic), "a", sigI4)
	derivedTok := b.beginType(xibc.TypeAttrPublic, "Derived", baseTok)
	fb := b.field(uint16(xibc.FieldAttrPublic), "b", sigI4)
	dctor := b.method(ctorPub, ".ctor", nil, sigVoid, 0, nil, []isa.Inst{
		{Op: isa.OpRet},
	})
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 3,
		[]xibc.Blob{xibc.ClassBlob(derivedTok)}, []isa.Inst{
			{Op: isa.OpNewObj, Token: uint32(dctor)},
			{Op: isa.OpStLoc0},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdcI45},
			{Op: isa.OpStFld, Token: uint32(fa)},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdcI46},
			{Op: isa.OpStFld, Token: uint32(fb)},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdFld, Token: uint32(fa)},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdFld, Token: uint32(fb)},
			{Op: isa.OpAdd},
			{Op: isa.OpRet},
		})
	b.entrypoint(main)
	mustRun(t, b, 11)
}

func TestArrayStoreLoadAndLength(t *testing.T) {
	b := newModBuilder("main")
	i4Spec := b.typeSpec(sigI4)
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 3,
		[]xibc.Blob{xibc.SZArrayBlob(sigI4)}, []isa.Inst{
			{Op: isa.OpLdcI43},
			{Op: isa.OpNewArr, Token: uint32(i4Spec)},
			{Op: isa.OpStLoc0},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdcI40},
			{Op: isa.OpLdcI4S, I8: 77},
			{Op: isa.OpStElemI4},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdLen},
			{Op: isa.OpPop},
			{Op: isa.OpLdLoc0},
			{Op: isa.OpLdcI40},
			{Op: isa.OpLdElemI4},
			{Op: isa.OpRet},
		})
	b.entrypoint(main)
	mustRun(t, b, 77)
}

func TestComparisonPushesNativeInt(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	// (3 < 4) + (4 < 3) over INative slots, returned as the exit code.
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdcI43},
		{Op: isa.OpLdcI44},
		{Op: isa.OpClt},
		{Op: isa.OpLdcI44},
		{Op: isa.OpLdcI43},
		{Op: isa.OpClt},
		{Op: isa.OpAdd},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	mustRun(t, b, 1)
}

func TestNativeMethodInvocation(t *testing.T) {
	b := newModBuilder("main")
	mr := b.modRef("host/mathlib")
	b.beginType(xibc.TypeAttrPublic, "Native", 0)
	nadd := b.nativeMethod(staticPub, "Add", []xibc.Blob{sigI4, sigI4}, sigI4,
		xibc.TableIdx(mr.Index()), "xi_add")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdcI42},
		{Op: isa.OpLdcI43},
		{Op: isa.OpCall, Token: uint32(nadd)},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)

	got, err := runModule(t, b, Options{Resolver: addResolver{}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 5 {
		t.Fatalf("exit code = %d, want 5", got)
	}
}

// addResolver backs the native-interop test: one library, one symbol.
type addResolver struct{}

func (addResolver) Resolve(name string) (NativeHandle, error) {
	return namedHandle(name), nil
}

func (addResolver) Invoke(binding *NativeBinding, args []any) (any, error) {
	if binding.Symbol != "xi_add" {
		return nil, fmt.Errorf("unknown symbol %q", binding.Symbol)
	}
	return args[0].(int32) + args[1].(int32), nil
}

func TestDivisionByZeroIsRuntimeError(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdcI41},
		{Op: isa.OpLdcI40},
		{Op: isa.OpDiv},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	_, err := runModule(t, b, Options{})
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected ErrRuntime, got %v", err)
	}
}

func TestStackUnderflowIsVerifyError(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpAdd},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	_, err := runModule(t, b, Options{})
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("expected ErrVerify, got %v", err)
	}
}

func TestArithmeticTagMismatchIsVerifyError(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdNull},
		{Op: isa.OpLdcI41},
		{Op: isa.OpAdd},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	_, err := runModule(t, b, Options{})
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("expected ErrVerify, got %v", err)
	}
}

func TestNullFieldAccessIsRuntimeError(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Box", 0)
	fld := b.field(uint16(xibc.FieldAttrPublic), "value", sigI4)
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdNull},
		{Op: isa.OpLdFld, Token: uint32(fld)},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	_, err := runModule(t, b, Options{})
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected ErrRuntime, got %v", err)
	}
}

func TestArrayIndexOutOfBoundsIsRuntimeError(t *testing.T) {
	b := newModBuilder("main")
	i4Spec := b.typeSpec(sigI4)
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	main := b.method(staticPub, "Main", nil, sigI4, 2, nil, []isa.Inst{
		{Op: isa.OpLdcI42},
		{Op: isa.OpNewArr, Token: uint32(i4Spec)},
		{Op: isa.OpLdcI45},
		{Op: isa.OpLdElemI4},
		{Op: isa.OpRet},
	})
	b.entrypoint(main)
	_, err := runModule(t, b, Options{})
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected ErrRuntime, got %v", err)
	}
}

func TestMissingEntrypointFailsToRun(t *testing.T) {
	b := newModBuilder("main")
	b.beginType(xibc.TypeAttrPublic, "Program", 0)
	b.method(staticPub, "Main", nil, sigI4, 1, nil, []isa.Inst{
		{Op: isa.OpLdcI40},
		{Op: isa.OpRet},
	})
	// no entrypoint set
	path := filepath.Join(t.TempDir(), "main.xibc")
	b.write(t, path)
	l, entry, err := Load(path, Options{Logger: log.Nop})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Run(l, entry); !errors.Is(err, ErrLink) {
		t.Fatalf("expected ErrLink for a missing entrypoint, got %v", err)
	}
}
