// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import "fmt"

// BlobKind discriminates the signature-blob union: primitive element
// types, reference/value class references, arrays, byrefs, generic
// instantiations and the three composite signature shapes (method,
// field, local-var array).
type BlobKind uint8

// Blob kinds. Primitive kinds carry no payload; the remaining kinds use
// the Tok/Inner/Args/Params/Ret/Locals fields as documented on Blob.
const (
	BlobBool BlobKind = iota
	BlobChar
	BlobI1
	BlobU1
	BlobI4
	BlobU4
	BlobI8
	BlobU8
	BlobR4
	BlobR8
	BlobINative
	BlobUNative
	BlobString
	BlobVoid        // only valid as a method's return type
	BlobClass       // Tok: TypeDef|TypeRef|TypeSpec
	BlobValue       // Tok: TypeDef|TypeRef|TypeSpec
	BlobSZArray     // Inner: element type
	BlobByRef       // Inner: pointee type
	BlobGenericInst // IsClass, Tok, Args
	BlobMethod      // CallConv, Params, Ret
	BlobField       // Inner: field type
	BlobLocalVar    // Locals
)

var blobKindNames = [...]string{
	BlobBool: "Bool", BlobChar: "Char", BlobI1: "I1", BlobU1: "U1",
	BlobI4: "I4", BlobU4: "U4", BlobI8: "I8", BlobU8: "U8",
	BlobR4: "R4", BlobR8: "R8", BlobINative: "INative", BlobUNative: "UNative",
	BlobString: "String", BlobVoid: "Void", BlobClass: "Class", BlobValue: "Value",
	BlobSZArray: "SZArray", BlobByRef: "ByRef", BlobGenericInst: "GenericInst",
	BlobMethod: "Method", BlobField: "Field", BlobLocalVar: "LocalVar",
}

func (k BlobKind) String() string {
	if int(k) < len(blobKindNames) {
		return blobKindNames[k]
	}
	return "BlobKind(?)"
}

// IsPrimitive reports whether k is one of the fixed-size scalar kinds
// that carries no further payload.
func (k BlobKind) IsPrimitive() bool {
	return k <= BlobString
}

// Blob is a signature blob: a tagged discriminated union describing a
// field type, a method signature, a local-variable array or a
// constructed type. Every Token it stores refers to tables of the same
// module the blob was read from.
type Blob struct {
	Kind BlobKind

	// Class / Value / GenericInst.
	Tok Token

	// SZArray / ByRef / Field: the single wrapped type.
	Inner *Blob

	// GenericInst.
	IsClass bool
	Args    []Blob

	// Method.
	CallConv uint8
	Params   []Blob
	Ret      *Blob

	// LocalVar.
	Locals []Blob
}

// Method calling-convention bits, mirroring the ImplMap PInvoke-adjacent
// attribute bytes used elsewhere in the format.
const (
	CallConvDefault uint8 = 0
	CallConvVarArg  uint8 = 1
	CallConvNative  uint8 = 2 // native (P/Invoke) binding, no IL body
)

// Primitive blob constructors, for callers building signatures in code
// (the encoder tests, the vm tests' module builder).
func PrimitiveBlob(k BlobKind) Blob { return Blob{Kind: k} }

// ClassBlob builds a Class(tok) blob.
func ClassBlob(tok Token) Blob { return Blob{Kind: BlobClass, Tok: tok} }

// ValueBlob builds a Value(tok) blob.
func ValueBlob(tok Token) Blob { return Blob{Kind: BlobValue, Tok: tok} }

// SZArrayBlob builds an SZArray(inner) blob.
func SZArrayBlob(inner Blob) Blob { return Blob{Kind: BlobSZArray, Inner: &inner} }

// ByRefBlob builds a ByRef(inner) blob.
func ByRefBlob(inner Blob) Blob { return Blob{Kind: BlobByRef, Inner: &inner} }

// FieldSigBlob builds a Field(type_sig) blob.
func FieldSigBlob(fieldType Blob) Blob { return Blob{Kind: BlobField, Inner: &fieldType} }

// MethodSigBlob builds a Method(callconv, params, ret) blob.
func MethodSigBlob(callConv uint8, params []Blob, ret Blob) Blob {
	return Blob{Kind: BlobMethod, CallConv: callConv, Params: params, Ret: &ret}
}

// LocalVarSigBlob builds a LocalVar(locals) blob.
func LocalVarSigBlob(locals []Blob) Blob { return Blob{Kind: BlobLocalVar, Locals: locals} }

// GenericInstBlob builds a GenericInst(isClass, tok, args) blob. Never
// consumed by the runtime; kept only so it round-trips through the
// codec.
func GenericInstBlob(isClass bool, tok Token, args []Blob) Blob {
	return Blob{Kind: BlobGenericInst, IsClass: isClass, Tok: tok, Args: args}
}

// Encode appends the blob's tagged-union encoding to w.
func (b *Blob) Encode(w *Writer) {
	w.PutU8(uint8(b.Kind))
	switch b.Kind {
	case BlobClass, BlobValue:
		w.PutU32(uint32(b.Tok))
	case BlobSZArray, BlobByRef, BlobField:
		b.Inner.Encode(w)
	case BlobGenericInst:
		if b.IsClass {
			w.PutU8(1)
		} else {
			w.PutU8(0)
		}
		w.PutU32(uint32(b.Tok))
		w.PutU32(uint32(len(b.Args)))
		for i := range b.Args {
			b.Args[i].Encode(w)
		}
	case BlobMethod:
		w.PutU8(b.CallConv)
		w.PutU32(uint32(len(b.Params)))
		for i := range b.Params {
			b.Params[i].Encode(w)
		}
		b.Ret.Encode(w)
	case BlobLocalVar:
		w.PutU32(uint32(len(b.Locals)))
		for i := range b.Locals {
			b.Locals[i].Encode(w)
		}
	default:
		// primitive kinds carry no payload
	}
}

// DecodeBlob decodes one signature blob from r.
func DecodeBlob(r *Reader) (Blob, error) {
	kindByte, err := r.U8()
	if err != nil {
		return Blob{}, err
	}
	kind := BlobKind(kindByte)
	if kind > BlobLocalVar {
		return Blob{}, fmt.Errorf("%w: unknown blob kind %d at offset %d", ErrDecode, kindByte, r.Pos())
	}
	b := Blob{Kind: kind}
	switch kind {
	case BlobClass, BlobValue:
		tok, err := r.U32()
		if err != nil {
			return Blob{}, err
		}
		b.Tok = Token(tok)
	case BlobSZArray, BlobByRef, BlobField:
		inner, err := DecodeBlob(r)
		if err != nil {
			return Blob{}, err
		}
		b.Inner = &inner
	case BlobGenericInst:
		flag, err := r.U8()
		if err != nil {
			return Blob{}, err
		}
		b.IsClass = flag != 0
		tok, err := r.U32()
		if err != nil {
			return Blob{}, err
		}
		b.Tok = Token(tok)
		n, err := r.U32()
		if err != nil {
			return Blob{}, err
		}
		args := make([]Blob, n)
		for i := range args {
			args[i], err = DecodeBlob(r)
			if err != nil {
				return Blob{}, err
			}
		}
		b.Args = args
	case BlobMethod:
		cc, err := r.U8()
		if err != nil {
			return Blob{}, err
		}
		b.CallConv = cc
		n, err := r.U32()
		if err != nil {
			return Blob{}, err
		}
		params := make([]Blob, n)
		for i := range params {
			params[i], err = DecodeBlob(r)
			if err != nil {
				return Blob{}, err
			}
		}
		b.Params = params
		ret, err := DecodeBlob(r)
		if err != nil {
			return Blob{}, err
		}
		b.Ret = &ret
	case BlobLocalVar:
		n, err := r.U32()
		if err != nil {
			return Blob{}, err
		}
		locals := make([]Blob, n)
		for i := range locals {
			locals[i], err = DecodeBlob(r)
			if err != nil {
				return Blob{}, err
			}
		}
		b.Locals = locals
	default:
		// primitive kinds carry no payload
	}
	return b, nil
}

// Equal reports deep structural equality, used by the round-trip tests.
func (b Blob) Equal(o Blob) bool {
	if b.Kind != o.Kind {
		return false
	}
	switch b.Kind {
	case BlobClass, BlobValue:
		return b.Tok == o.Tok
	case BlobSZArray, BlobByRef, BlobField:
		return b.Inner.Equal(*o.Inner)
	case BlobGenericInst:
		if b.IsClass != o.IsClass || b.Tok != o.Tok || len(b.Args) != len(o.Args) {
			return false
		}
		for i := range b.Args {
			if !b.Args[i].Equal(o.Args[i]) {
				return false
			}
		}
		return true
	case BlobMethod:
		if b.CallConv != o.CallConv || len(b.Params) != len(o.Params) {
			return false
		}
		for i := range b.Params {
			if !b.Params[i].Equal(o.Params[i]) {
				return false
			}
		}
		return b.Ret.Equal(*o.Ret)
	case BlobLocalVar:
		if len(b.Locals) != len(o.Locals) {
			return false
		}
		for i := range b.Locals {
			if !b.Locals[i].Equal(o.Locals[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders a human-readable signature, used by cmd/xidump and by
// the xibc tests' failure messages.
func (b Blob) String() string {
	switch b.Kind {
	case BlobClass:
		return "class " + b.Tok.String()
	case BlobValue:
		return "value " + b.Tok.String()
	case BlobSZArray:
		return b.Inner.String() + "[]"
	case BlobByRef:
		return "&" + b.Inner.String()
	case BlobField:
		return b.Inner.String()
	case BlobGenericInst:
		s := b.Tok.String() + "<"
		for i := range b.Args {
			if i > 0 {
				s += ", "
			}
			s += b.Args[i].String()
		}
		return s + ">"
	case BlobMethod:
		s := "("
		for i := range b.Params {
			if i > 0 {
				s += ", "
			}
			s += b.Params[i].String()
		}
		return s + ") -> " + b.Ret.String()
	case BlobLocalVar:
		s := "locals("
		for i := range b.Locals {
			if i > 0 {
				s += ", "
			}
			s += b.Locals[i].String()
		}
		return s + ")"
	default:
		return b.Kind.String()
	}
}
