// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xipotatonium/xivm/internal/log"
	"github.com/xipotatonium/xivm/isa"
	"github.com/xipotatonium/xivm/xibc"
)

// modBuilder assembles an xibc.Module programmatically, standing in for
// the external Xi compiler the toolchain normally receives files from.
// Every test scenario builds its module through the real encoder and
// feeds the byte image through the real loader and interpreter.
type modBuilder struct {
	m *xibc.Module
}

func newModBuilder(name string) *modBuilder {
	b := &modBuilder{m: &xibc.Module{
		MinorVersion: xibc.CurrentMinorVersion,
		MajorVersion: xibc.CurrentMajorVersion,
	}}
	b.m.Tables.Mod = []xibc.ModRow{{Name: b.str(name)}}
	return b
}

func (b *modBuilder) str(s string) xibc.StrIdx {
	for i, v := range b.m.Heaps.Strings {
		if v == s {
			return xibc.StrIdx(i + 1)
		}
	}
	b.m.Heaps.Strings = append(b.m.Heaps.Strings, s)
	return xibc.StrIdx(len(b.m.Heaps.Strings))
}

func (b *modBuilder) blob(bl xibc.Blob) xibc.BlobIdx {
	b.m.Heaps.Blobs = append(b.m.Heaps.Blobs, bl)
	return xibc.BlobIdx(len(b.m.Heaps.Blobs))
}

func (b *modBuilder) modRef(name string) xibc.Token {
	b.m.Tables.ModRef = append(b.m.Tables.ModRef, xibc.ModRefRow{Name: b.str(name)})
	return xibc.MakeToken(xibc.TagModRef, uint32(len(b.m.Tables.ModRef)))
}

func (b *modBuilder) typeRef(parent xibc.Token, name string) xibc.Token {
	b.m.Tables.TypeRef = append(b.m.Tables.TypeRef, xibc.TypeRefRow{Parent: parent, Name: b.str(name)})
	return xibc.MakeToken(xibc.TagTypeRef, uint32(len(b.m.Tables.TypeRef)))
}

func (b *modBuilder) typeSpec(sig xibc.Blob) xibc.Token {
	b.m.Tables.TypeSpec = append(b.m.Tables.TypeSpec, xibc.TypeSpecRow{Sig: b.blob(sig)})
	return xibc.MakeToken(xibc.TagTypeSpec, uint32(len(b.m.Tables.TypeSpec)))
}

// beginType opens a new TypeDef owning every Field and MethodDef row
// appended until the next beginType call (the implicit-ownership-by-
// range rule).
func (b *modBuilder) beginType(flag uint32, name string, extends xibc.Token) xibc.Token {
	b.m.Tables.TypeDef = append(b.m.Tables.TypeDef, xibc.TypeDefRow{
		Flag:        flag,
		Name:        b.str(name),
		Extends:     extends,
		FirstField:  xibc.TableIdx(len(b.m.Tables.Field) + 1),
		FirstMethod: xibc.TableIdx(len(b.m.Tables.MethodDef) + 1),
	})
	return xibc.MakeToken(xibc.TagTypeDef, uint32(len(b.m.Tables.TypeDef)))
}

func (b *modBuilder) field(flag uint16, name string, typ xibc.Blob) xibc.Token {
	b.m.Tables.Field = append(b.m.Tables.Field, xibc.FieldRow{
		Flag: flag,
		Name: b.str(name),
		Sig:  b.blob(xibc.FieldSigBlob(typ)),
	})
	return xibc.MakeToken(xibc.TagField, uint32(len(b.m.Tables.Field)))
}

func (b *modBuilder) method(flag uint32, name string, params []xibc.Blob, ret xibc.Blob,
	maxStack int, locals []xibc.Blob, insts []isa.Inst) xibc.Token {

	var localsIdx xibc.TableIdx
	if len(locals) > 0 {
		b.m.Tables.StandAloneSig = append(b.m.Tables.StandAloneSig,
			xibc.StandAloneSigRow{Sig: b.blob(xibc.LocalVarSigBlob(locals))})
		localsIdx = xibc.TableIdx(len(b.m.Tables.StandAloneSig))
	}
	b.m.Tables.Code = append(b.m.Tables.Code, xibc.CodeRow{
		MaxStack: uint16(maxStack),
		Locals:   localsIdx,
		Insts:    isa.EncodeStream(insts),
	})
	b.m.Tables.MethodDef = append(b.m.Tables.MethodDef, xibc.MethodDefRow{
		Name:     b.str(name),
		Sig:      b.blob(xibc.MethodSigBlob(xibc.CallConvDefault, params, ret)),
		Body:     xibc.CodeIdx(len(b.m.Tables.Code)),
		Flag:     flag,
		ImplFlag: xibc.MethodImplIL,
	})
	return xibc.MakeToken(xibc.TagMethodDef, uint32(len(b.m.Tables.MethodDef)))
}

// nativeMethod appends a bodiless native-impl MethodDef plus the
// ImplMap row binding it to symbol in the ModRef at scope.
func (b *modBuilder) nativeMethod(flag uint32, name string, params []xibc.Blob, ret xibc.Blob,
	scope xibc.TableIdx, symbol string) xibc.Token {

	b.m.Tables.MethodDef = append(b.m.Tables.MethodDef, xibc.MethodDefRow{
		Name:     b.str(name),
		Sig:      b.blob(xibc.MethodSigBlob(xibc.CallConvNative, params, ret)),
		Flag:     flag,
		ImplFlag: xibc.MethodImplNative,
	})
	tok := xibc.MakeToken(xibc.TagMethodDef, uint32(len(b.m.Tables.MethodDef)))
	b.m.Tables.ImplMap = append(b.m.Tables.ImplMap, xibc.ImplMapRow{
		Member: tok,
		Name:   b.str(symbol),
		Scope:  scope,
	})
	return tok
}

func (b *modBuilder) memberRef(parent xibc.Token, name string, sig xibc.Blob) xibc.Token {
	b.m.Tables.MemberRef = append(b.m.Tables.MemberRef, xibc.MemberRefRow{
		Parent: parent,
		Name:   b.str(name),
		Sig:    b.blob(sig),
	})
	return xibc.MakeToken(xibc.TagMemberRef, uint32(len(b.m.Tables.MemberRef)))
}

func (b *modBuilder) entrypoint(tok xibc.Token) {
	b.m.Tables.Mod[0].Entrypoint = tok
}

func (b *modBuilder) write(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, b.m.Encode(), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// Common signature blobs.
var (
	sigI4   = xibc.PrimitiveBlob(xibc.BlobI4)
	sigVoid = xibc.PrimitiveBlob(xibc.BlobVoid)
)

const (
	staticPub = xibc.MethodAttrStatic | xibc.MethodAttrPublic
	ctorPub   = xibc.MethodAttrCtor | xibc.MethodAttrPublic
)

// runModule writes b to a temp dir and drives it through Load and Run.
func runModule(t *testing.T, b *modBuilder, opts Options) (int32, error) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.Nop
	}
	path := filepath.Join(t.TempDir(), "main.xibc")
	b.write(t, path)
	l, entry, err := Load(path, opts)
	if err != nil {
		return 0, err
	}
	return Run(l, entry)
}

// mustRun fails the test unless the module runs to completion with the
// expected exit code.
func mustRun(t *testing.T, b *modBuilder, want int32) {
	t.Helper()
	got, err := runModule(t, b, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != want {
		t.Fatalf("exit code = %d, want %d", got, want)
	}
}
