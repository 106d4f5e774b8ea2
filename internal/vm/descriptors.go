// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"

	"github.com/xipotatonium/xivm/xibc"
)

// WordSize is the machine-word size this implementation assumes for
// INative/UNative/reference/array/string values.
const WordSize = 8

// ValueKind is the resolved, pointer-bearing counterpart of
// xibc.BlobKind: every Class/Value token has been replaced by a direct
// *TypeDescriptor, so resolving the same token twice always yields the
// same pointer.
type ValueKind uint8

const (
	KBool ValueKind = iota
	KChar
	KI1
	KU1
	KI4
	KU4
	KI8
	KU8
	KR4
	KR8
	KINative
	KUNative
	KString
	KClass
	KValue
	KSZArray
	KByRef
	KVoid // only valid as a method's return type
)

// ValueType is a resolved field/parameter/return/local/array-element
// type: a ValueKind plus, for Class/Value/SZArray/ByRef, the
// descriptor or element type it refers to.
type ValueType struct {
	Kind  ValueKind
	Class *TypeDescriptor // KClass, KValue
	Elem  *ValueType      // KSZArray, KByRef
}

// Size returns this type's storage size in bytes.
func (v ValueType) Size() int {
	switch v.Kind {
	case KBool, KI1, KU1:
		return 1
	case KChar:
		return 2
	case KI4, KU4, KR4:
		return 4
	case KI8, KU8, KR8:
		return 8
	case KINative, KUNative, KString, KSZArray, KByRef:
		return WordSize
	case KClass:
		return WordSize // reference
	case KValue:
		if v.Class != nil {
			return v.Class.BasicInstanceSize
		}
		return 0
	default:
		return 0
	}
}

// IsReference reports whether a value of this type is heap-allocated
// and passed/stored by reference.
func (v ValueType) IsReference() bool {
	return v.Kind == KClass || v.Kind == KString || v.Kind == KSZArray
}

// Equal reports whether two resolved types are the same type, used for
// overload resolution (MemberRef signature matching) and for stack
// verification.
func (v ValueType) Equal(o ValueType) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KClass, KValue:
		return v.Class == o.Class
	case KSZArray, KByRef:
		if v.Elem == nil || o.Elem == nil {
			return v.Elem == o.Elem
		}
		return v.Elem.Equal(*o.Elem)
	default:
		return true
	}
}

// FieldDescriptor is the resolved form of an xibc.FieldRow.
type FieldDescriptor struct {
	Owner    *TypeDescriptor
	Name     string
	Type     ValueType
	Flag     uint32
	IsStatic bool

	// Addr is valid only once the loader has laid out the owning
	// type: absolute for statics (an address into the static area),
	// a byte offset within the instance otherwise.
	Addr Address
}

// NativeBinding is a native (P/Invoke-style) method's binding: a
// dynamic-library handle and the symbol name to invoke.
type NativeBinding struct {
	Library NativeHandle
	Symbol  string
}

// MethodDescriptor is the resolved form of an xibc.MethodDefRow.
type MethodDescriptor struct {
	Owner *TypeDescriptor
	Name  string

	ParamNames []string
	Params     []ValueType
	Ret        ValueType

	Flag     uint32
	ImplFlag uint16

	IsStatic  bool
	IsCtor    bool
	IsCCtor   bool
	IsVirtual bool

	// IL body. Locals is the resolved local-variable array; Code is
	// the raw instruction stream (decoded lazily, instruction by
	// instruction, by the interpreter).
	Locals   []ValueType
	Code     []byte
	MaxStack int

	// Native binding; nil for IL methods.
	Native *NativeBinding

	// VSlot is this method's virtual-dispatch slot index within its
	// owning type's vtable, or -1 if the method is never called
	// through callvirt virtual dispatch.
	VSlot int
}

// IsNative reports whether this method has no IL body and must be
// invoked through its NativeBinding instead.
func (m *MethodDescriptor) IsNative() bool { return m.Native != nil }

// Signature renders "(params) -> ret" for diagnostics.
func (m *MethodDescriptor) Signature() string {
	s := "("
	for i, p := range m.Params {
		if i > 0 {
			s += ", "
		}
		s += kindName(p)
	}
	return s + ") -> " + kindName(m.Ret)
}

func kindName(v ValueType) string {
	switch v.Kind {
	case KClass, KValue:
		if v.Class != nil {
			return v.Class.Name
		}
		return "?"
	case KSZArray:
		return kindName(*v.Elem) + "[]"
	case KByRef:
		return "&" + kindName(*v.Elem)
	default:
		names := [...]string{
			KBool: "bool", KChar: "char", KI1: "i1", KU1: "u1", KI4: "i4", KU4: "u4",
			KI8: "i8", KU8: "u8", KR4: "r4", KR8: "r8", KINative: "inative",
			KUNative: "unative", KString: "string", KVoid: "void",
		}
		if int(v.Kind) < len(names) {
			return names[v.Kind]
		}
		return "?"
	}
}

// TypeDescriptor is the resolved form of an xibc.TypeDefRow.
type TypeDescriptor struct {
	Module  *Module
	Name    string
	Flag    uint32
	Extends *TypeDescriptor

	Fields []*FieldDescriptor
	// Methods is keyed by name, because overloading by signature is
	// allowed.
	Methods map[string][]*MethodDescriptor

	BasicInstanceSize int
	VtblAddr          Address
	VSlotCount        int
}

// IsValueType reports whether instances of t are stored inline rather
// than by reference.
func (t *TypeDescriptor) IsValueType() bool { return t.Flag&xibc.TypeAttrValueType != 0 }

// FindMethod returns the method named name whose parameter types match
// params exactly — the overload-resolution rule MemberRef linking
// uses.
func (t *TypeDescriptor) FindMethod(name string, params []ValueType) *MethodDescriptor {
	for _, m := range t.Methods[name] {
		if len(m.Params) != len(params) {
			continue
		}
		ok := true
		for i := range params {
			if !m.Params[i].Equal(params[i]) {
				ok = false
				break
			}
		}
		if ok {
			return m
		}
	}
	return nil
}

// FindField returns the field named name whose type matches typ.
func (t *TypeDescriptor) FindField(name string, typ ValueType) *FieldDescriptor {
	for _, f := range t.Fields {
		if f.Name == name && f.Type.Equal(typ) {
			return f
		}
	}
	return nil
}

// VirtualOverride walks the extends chain starting at t looking for a
// virtual method named name whose parameter types match params,
// returning the most-derived one (t's own, if t declares it), or nil
// if no type in the chain declares one.
func (t *TypeDescriptor) VirtualOverride(name string, params []ValueType) *MethodDescriptor {
	for cur := t; cur != nil; cur = cur.Extends {
		if m := cur.FindMethod(name, params); m != nil && m.IsVirtual {
			return m
		}
	}
	return nil
}

// MemberRefResolution is what an xibc.MemberRefRow resolves to:
// exactly one of Field or Method.
type MemberRefResolution struct {
	Field  *FieldDescriptor
	Method *MethodDescriptor
}

// ModRefEntry is the resolved form of an xibc.ModRefRow: either a
// loaded Module, or a native (dynamic-library) handle.
type ModRefEntry struct {
	Name   string
	Module *Module // nil if Native
	Native bool
	Handle NativeHandle
}

// Module is a fully loaded and partially-or-fully linked module: its
// own type/method/field descriptors plus the resolved form of every
// token table.
type Module struct {
	FullName string
	File     *xibc.Module

	Types      []*TypeDescriptor
	ModRefs    []*ModRefEntry
	TypeRefs   []*TypeDescriptor
	MemberRefs []MemberRefResolution

	// MethodDefs mirrors the file's MethodDef table 1:1 (index i is
	// the descriptor for MethodDef row i+1), so a MethodDef token can
	// be resolved directly without re-deriving owning ranges.
	MethodDefs []*MethodDescriptor

	// FieldDefs mirrors the file's Field table 1:1, same rationale.
	FieldDefs []*FieldDescriptor

	Entrypoint *MethodDescriptor

	// CCtors lists this module's own .cctor methods in declaration
	// order; the Loader concatenates these across every module it
	// visits, in discovery order, to build the global init list.
	CCtors []*MethodDescriptor
}

// typeDefByIndex returns the resolved *TypeDescriptor for a TagTypeDef
// token's index, or nil if it is out of range.
func (m *Module) typeDefByIndex(idx uint32) *TypeDescriptor {
	if idx == 0 || int(idx) > len(m.Types) {
		return nil
	}
	return m.Types[idx-1]
}

// ResolveTypeDefOrRef resolves a TypeDef|TypeRef|TypeSpec token within
// this module to a *TypeDescriptor. TypeSpec (constructed types) is
// resolved to the underlying element's descriptor for Class/Value
// array-of element lookups; SZArray/ByRef TypeSpecs have no single
// owning TypeDescriptor and return nil (callers needing an SZArray's
// element type should use ResolveElemType instead).
func (m *Module) ResolveTypeDefOrRef(tok xibc.Token) *TypeDescriptor {
	if tok.IsNil() {
		return nil
	}
	switch tok.Tag() {
	case xibc.TagTypeDef:
		return m.typeDefByIndex(tok.Index())
	case xibc.TagTypeRef:
		idx := tok.Index()
		if idx == 0 || int(idx) > len(m.TypeRefs) {
			return nil
		}
		return m.TypeRefs[idx-1]
	case xibc.TagTypeSpec:
		idx := tok.Index()
		if idx == 0 || int(idx) > len(m.File.Tables.TypeSpec) {
			return nil
		}
		blob, ok := m.File.Heaps.BlobAt(m.File.Tables.TypeSpec[idx-1].Sig)
		if !ok {
			return nil
		}
		if blob.Kind == xibc.BlobClass || blob.Kind == xibc.BlobValue {
			return m.ResolveTypeDefOrRef(blob.Tok)
		}
		return nil
	default:
		return nil
	}
}

// ResolveFieldToken resolves a Field or MemberRef token within this
// module to the field it denotes.
func (m *Module) ResolveFieldToken(tok xibc.Token) (*FieldDescriptor, error) {
	switch tok.Tag() {
	case xibc.TagField:
		idx := int(tok.Index())
		if idx == 0 || idx > len(m.FieldDefs) {
			return nil, fmt.Errorf("Field token index %d out of range", idx)
		}
		return m.FieldDefs[idx-1], nil
	case xibc.TagMemberRef:
		idx := int(tok.Index())
		if idx == 0 || idx > len(m.MemberRefs) {
			return nil, fmt.Errorf("MemberRef token index %d out of range", idx)
		}
		res := m.MemberRefs[idx-1]
		if res.Field == nil {
			return nil, fmt.Errorf("MemberRef[%d] does not resolve to a field", idx)
		}
		return res.Field, nil
	default:
		return nil, fmt.Errorf("token %s cannot be used where a field is required", tok)
	}
}

// ResolveMethodToken resolves a MethodDef or MemberRef token within
// this module to the method it denotes.
func (m *Module) ResolveMethodToken(tok xibc.Token) (*MethodDescriptor, error) {
	switch tok.Tag() {
	case xibc.TagMethodDef:
		idx := int(tok.Index())
		if idx == 0 || idx > len(m.MethodDefs) {
			return nil, fmt.Errorf("MethodDef token index %d out of range", idx)
		}
		return m.MethodDefs[idx-1], nil
	case xibc.TagMemberRef:
		idx := int(tok.Index())
		if idx == 0 || idx > len(m.MemberRefs) {
			return nil, fmt.Errorf("MemberRef token index %d out of range", idx)
		}
		res := m.MemberRefs[idx-1]
		if res.Method == nil {
			return nil, fmt.Errorf("MemberRef[%d] does not resolve to a method", idx)
		}
		return res.Method, nil
	default:
		return nil, fmt.Errorf("token %s cannot be used where a method is required", tok)
	}
}

// ResolveElemType resolves a TypeDef/TypeRef/TypeSpec token to the
// ValueType it denotes — used by newarr (array element type) and
// initobj (value-type target).
func (m *Module) ResolveElemType(tok xibc.Token) (ValueType, error) {
	switch tok.Tag() {
	case xibc.TagTypeDef, xibc.TagTypeRef:
		td := m.ResolveTypeDefOrRef(tok)
		if td == nil {
			return ValueType{}, fmt.Errorf("unresolved type token %s", tok)
		}
		if td.IsValueType() {
			return ValueType{Kind: KValue, Class: td}, nil
		}
		return ValueType{Kind: KClass, Class: td}, nil
	case xibc.TagTypeSpec:
		idx := int(tok.Index())
		if idx == 0 || idx > len(m.File.Tables.TypeSpec) {
			return ValueType{}, fmt.Errorf("TypeSpec token index %d out of range", idx)
		}
		blob, ok := m.File.Heaps.BlobAt(m.File.Tables.TypeSpec[idx-1].Sig)
		if !ok {
			return ValueType{}, fmt.Errorf("TypeSpec[%d] has no signature blob", idx)
		}
		return resolveValueType(m, blob)
	default:
		return ValueType{}, fmt.Errorf("token %s cannot be used where a type is required", tok)
	}
}
