// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

// StrIdx is a 1-based index into a module's string heap; 0 means empty.
type StrIdx uint32

// BlobIdx is a 1-based index into a module's blob heap; 0 means absent.
type BlobIdx uint32

// CodeIdx is a 1-based index into a module's Code table; 0 means "no
// body" (the member is native or abstract).
type CodeIdx uint32

// TableIdx is a 1-based row index into one of the plain (non-token)
// owning-range fields of TypeDef (first-field, first-method).
type TableIdx uint32

// ModRow is the Mod table's single row: every well-formed module has
// exactly one.
type ModRow struct {
	Name       StrIdx
	Entrypoint Token // MethodDef token, or nil
}

func (r ModRow) Encode(w *Writer) {
	w.PutU32(uint32(r.Name))
	w.PutU32(uint32(r.Entrypoint))
}

func decodeModRow(r *Reader) (ModRow, error) {
	name, err := r.U32()
	if err != nil {
		return ModRow{}, err
	}
	ep, err := r.U32()
	if err != nil {
		return ModRow{}, err
	}
	return ModRow{Name: StrIdx(name), Entrypoint: Token(ep)}, nil
}

// ModRefRow names an externally referenced module, by its fully
// qualified slash-separated path.
type ModRefRow struct {
	Name StrIdx
}

func (r ModRefRow) Encode(w *Writer) { w.PutU32(uint32(r.Name)) }

func decodeModRefRow(r *Reader) (ModRefRow, error) {
	name, err := r.U32()
	return ModRefRow{Name: StrIdx(name)}, err
}

// TypeDef attribute flags.
const (
	TypeAttrPublic    uint32 = 0x0001
	TypeAttrAbstract  uint32 = 0x0002
	TypeAttrSealed    uint32 = 0x0004
	TypeAttrInterface uint32 = 0x0008
	TypeAttrValueType uint32 = 0x0010
)

// TypeDefRow owns a contiguous range of Field rows and a contiguous
// range of MethodDef rows, implicitly: the range runs from this row's
// First* index up to (but excluding) the next TypeDef row's First*
// index, or the table end for the last row.
type TypeDefRow struct {
	Flag        uint32
	Name        StrIdx
	Extends     Token // TypeDef|TypeRef token, or nil
	FirstField  TableIdx
	FirstMethod TableIdx
}

func (r TypeDefRow) Encode(w *Writer) {
	w.PutU32(r.Flag)
	w.PutU32(uint32(r.Name))
	w.PutU32(uint32(r.Extends))
	w.PutU32(uint32(r.FirstField))
	w.PutU32(uint32(r.FirstMethod))
}

func decodeTypeDefRow(r *Reader) (TypeDefRow, error) {
	flag, err := r.U32()
	if err != nil {
		return TypeDefRow{}, err
	}
	name, err := r.U32()
	if err != nil {
		return TypeDefRow{}, err
	}
	extends, err := r.U32()
	if err != nil {
		return TypeDefRow{}, err
	}
	ff, err := r.U32()
	if err != nil {
		return TypeDefRow{}, err
	}
	fm, err := r.U32()
	if err != nil {
		return TypeDefRow{}, err
	}
	return TypeDefRow{
		Flag: flag, Name: StrIdx(name), Extends: Token(extends),
		FirstField: TableIdx(ff), FirstMethod: TableIdx(fm),
	}, nil
}

// TypeRefRow references an externally defined type. Parent is a
// ResolutionScope token (Mod, ModRef or, for nested types, TypeRef).
type TypeRefRow struct {
	Parent Token
	Name   StrIdx
}

func (r TypeRefRow) Encode(w *Writer) {
	w.PutU32(uint32(r.Parent))
	w.PutU32(uint32(r.Name))
}

func decodeTypeRefRow(r *Reader) (TypeRefRow, error) {
	parent, err := r.U32()
	if err != nil {
		return TypeRefRow{}, err
	}
	name, err := r.U32()
	return TypeRefRow{Parent: Token(parent), Name: StrIdx(name)}, err
}

// Field attribute flags.
const (
	FieldAttrStatic uint16 = 0x0001
	FieldAttrPublic uint16 = 0x0002
)

// FieldRow is owned by the TypeDef whose first-field/next-first-field
// range contains it.
type FieldRow struct {
	Flag uint16
	Name StrIdx
	Sig  BlobIdx // must decode to BlobField
}

func (r FieldRow) Encode(w *Writer) {
	w.PutU16(r.Flag)
	w.PutU32(uint32(r.Name))
	w.PutU32(uint32(r.Sig))
}

func decodeFieldRow(r *Reader) (FieldRow, error) {
	flag, err := r.U16()
	if err != nil {
		return FieldRow{}, err
	}
	name, err := r.U32()
	if err != nil {
		return FieldRow{}, err
	}
	sig, err := r.U32()
	return FieldRow{Flag: flag, Name: StrIdx(name), Sig: BlobIdx(sig)}, err
}

// MethodDef attribute flags.
const (
	MethodAttrStatic  uint32 = 0x0001
	MethodAttrPublic  uint32 = 0x0002
	MethodAttrCtor    uint32 = 0x0004 // instance constructor (.ctor)
	MethodAttrCCtor   uint32 = 0x0008 // type constructor (.cctor)
	MethodAttrVirtual uint32 = 0x0010
)

// MethodDef impl-attribute flags: how the body is provided.
const (
	MethodImplIL     uint16 = 0x0000
	MethodImplNative uint16 = 0x0001 // body is 0; bound via an ImplMap row
)

// MethodDefRow is owned by the TypeDef whose method range contains it.
// A method with a native impl-attribute has Body == 0 and is resolved
// through the module's ImplMap table instead.
type MethodDefRow struct {
	Name     StrIdx
	Sig      BlobIdx // must decode to BlobMethod
	Body     CodeIdx
	Flag     uint32
	ImplFlag uint16
}

func (r MethodDefRow) Encode(w *Writer) {
	w.PutU32(uint32(r.Name))
	w.PutU32(uint32(r.Sig))
	w.PutU32(uint32(r.Body))
	w.PutU32(r.Flag)
	w.PutU16(r.ImplFlag)
}

func decodeMethodDefRow(r *Reader) (MethodDefRow, error) {
	name, err := r.U32()
	if err != nil {
		return MethodDefRow{}, err
	}
	sig, err := r.U32()
	if err != nil {
		return MethodDefRow{}, err
	}
	body, err := r.U32()
	if err != nil {
		return MethodDefRow{}, err
	}
	flag, err := r.U32()
	if err != nil {
		return MethodDefRow{}, err
	}
	implFlag, err := r.U16()
	if err != nil {
		return MethodDefRow{}, err
	}
	return MethodDefRow{
		Name: StrIdx(name), Sig: BlobIdx(sig), Body: CodeIdx(body),
		Flag: flag, ImplFlag: implFlag,
	}, nil
}

// ParamRow describes a formal parameter (Sequence > 0) or a method's
// return value (Sequence == 0).
type ParamRow struct {
	Sequence uint16
	Name     StrIdx
	Flag     uint16
}

func (r ParamRow) Encode(w *Writer) {
	w.PutU16(r.Sequence)
	w.PutU32(uint32(r.Name))
	w.PutU16(r.Flag)
}

func decodeParamRow(r *Reader) (ParamRow, error) {
	seq, err := r.U16()
	if err != nil {
		return ParamRow{}, err
	}
	name, err := r.U32()
	if err != nil {
		return ParamRow{}, err
	}
	flag, err := r.U16()
	return ParamRow{Sequence: seq, Name: StrIdx(name), Flag: flag}, err
}

// MemberRefRow is an external field or method, bound to a
// MemberRefParent token (TypeRef or ModRef).
type MemberRefRow struct {
	Parent Token
	Name   StrIdx
	Sig    BlobIdx // BlobField or BlobMethod
}

func (r MemberRefRow) Encode(w *Writer) {
	w.PutU32(uint32(r.Parent))
	w.PutU32(uint32(r.Name))
	w.PutU32(uint32(r.Sig))
}

func decodeMemberRefRow(r *Reader) (MemberRefRow, error) {
	parent, err := r.U32()
	if err != nil {
		return MemberRefRow{}, err
	}
	name, err := r.U32()
	if err != nil {
		return MemberRefRow{}, err
	}
	sig, err := r.U32()
	return MemberRefRow{Parent: Token(parent), Name: StrIdx(name), Sig: BlobIdx(sig)}, err
}

// ImplMap PInvoke attribute flags.
const (
	PInvokeAttrNoMangle uint16 = 0x0001
)

// ImplMapRow binds a native MethodDef to a symbol name exported by a
// ModRef that is itself a native (dynamic-library) handle.
type ImplMapRow struct {
	Member Token // MethodDef token
	Name   StrIdx
	Scope  TableIdx // ModRef index
	Flag   uint16
}

func (r ImplMapRow) Encode(w *Writer) {
	w.PutU32(uint32(r.Member))
	w.PutU32(uint32(r.Name))
	w.PutU32(uint32(r.Scope))
	w.PutU16(r.Flag)
}

func decodeImplMapRow(r *Reader) (ImplMapRow, error) {
	member, err := r.U32()
	if err != nil {
		return ImplMapRow{}, err
	}
	name, err := r.U32()
	if err != nil {
		return ImplMapRow{}, err
	}
	scope, err := r.U32()
	if err != nil {
		return ImplMapRow{}, err
	}
	flag, err := r.U16()
	return ImplMapRow{Member: Token(member), Name: StrIdx(name), Scope: TableIdx(scope), Flag: flag}, err
}

// TypeSpecRow is a constructed-type reference (array, byref, generic
// instantiation) addressed by a TypeSpec token.
type TypeSpecRow struct {
	Sig BlobIdx // must be a type signature
}

func (r TypeSpecRow) Encode(w *Writer) { w.PutU32(uint32(r.Sig)) }

func decodeTypeSpecRow(r *Reader) (TypeSpecRow, error) {
	sig, err := r.U32()
	return TypeSpecRow{Sig: BlobIdx(sig)}, err
}

// StandAloneSigRow holds a method body's local-variable-array
// signature.
type StandAloneSigRow struct {
	Sig BlobIdx // must decode to BlobLocalVar
}

func (r StandAloneSigRow) Encode(w *Writer) { w.PutU32(uint32(r.Sig)) }

func decodeStandAloneSigRow(r *Reader) (StandAloneSigRow, error) {
	sig, err := r.U32()
	return StandAloneSigRow{Sig: BlobIdx(sig)}, err
}

// CodeRow is a method body: its declared max evaluation-stack depth, an
// optional locals signature, and its encoded instruction stream.
type CodeRow struct {
	MaxStack uint16
	Locals   TableIdx // StandAloneSig index, or 0
	Insts    []byte   // serialized instruction stream (Vec<Inst> encoding)
}

func (r CodeRow) Encode(w *Writer) {
	w.PutU16(r.MaxStack)
	w.PutU32(uint32(r.Locals))
	w.PutBlob(r.Insts)
}

func decodeCodeRow(r *Reader) (CodeRow, error) {
	maxStack, err := r.U16()
	if err != nil {
		return CodeRow{}, err
	}
	locals, err := r.U32()
	if err != nil {
		return CodeRow{}, err
	}
	insts, err := r.Blob()
	if err != nil {
		return CodeRow{}, err
	}
	return CodeRow{MaxStack: maxStack, Locals: TableIdx(locals), Insts: insts}, nil
}
