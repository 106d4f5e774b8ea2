// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

import "fmt"

// Version constants written into every module file's two leading u16
// fields. A mismatch on load is a warning, never a fatal error.
const (
	CurrentMinorVersion uint16 = 0
	CurrentMajorVersion uint16 = 1
)

// Tables groups every metadata table in a module, in the fixed on-disk
// order.
type Tables struct {
	Mod           []ModRow
	ModRef        []ModRefRow
	TypeDef       []TypeDefRow
	TypeRef       []TypeRefRow
	Field         []FieldRow
	MethodDef     []MethodDefRow
	MemberRef     []MemberRefRow
	ImplMap       []ImplMapRow
	Param         []ParamRow
	TypeSpec      []TypeSpecRow
	StandAloneSig []StandAloneSigRow
	Code          []CodeRow
}

// Heaps groups the three append-only heaps that follow the tables in a
// module file.
type Heaps struct {
	Strings     []string // string heap, 1-based: Strings[i-1] is StrIdx(i)
	UserStrings []string // user-string heap, same indexing
	Blobs       []Blob   // blob heap, same indexing
}

// Module is the full decoded contents of a .xibc file: version, tables
// and heaps.
type Module struct {
	MinorVersion uint16
	MajorVersion uint16
	Tables       Tables
	Heaps        Heaps
}

// Str resolves a 1-based string-heap index; index 0 is the empty
// string.
func (h *Heaps) Str(idx StrIdx) string {
	if idx == 0 {
		return ""
	}
	i := int(idx) - 1
	if i < 0 || i >= len(h.Strings) {
		return ""
	}
	return h.Strings[i]
}

// UserStr resolves a 1-based user-string-heap index via a UserString
// token.
func (h *Heaps) UserStr(tok Token) string {
	if tok.Tag() != TagUserString || tok.IsNil() {
		return ""
	}
	i := int(tok.Index()) - 1
	if i < 0 || i >= len(h.UserStrings) {
		return ""
	}
	return h.UserStrings[i]
}

// BlobAt resolves a 1-based blob-heap index.
func (h *Heaps) BlobAt(idx BlobIdx) (Blob, bool) {
	if idx == 0 {
		return Blob{}, false
	}
	i := int(idx) - 1
	if i < 0 || i >= len(h.Blobs) {
		return Blob{}, false
	}
	return h.Blobs[i], true
}

func encodeVec[T any](w *Writer, rows []T, put func(T, *Writer)) {
	w.PutU32(uint32(len(rows)))
	for _, row := range rows {
		put(row, w)
	}
}

func decodeVec[T any](r *Reader, decode func(*Reader) (T, error)) ([]T, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if r.Len() < int(n) {
		// every row is at least one byte; a declared count that can't
		// possibly fit in what remains is a truncated stream.
		return nil, ErrLengthPrefixOverrun
	}
	if n == 0 {
		return nil, nil
	}
	rows := make([]T, n)
	for i := range rows {
		rows[i], err = decode(r)
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Encode serializes the module to its on-disk byte image.
func (m *Module) Encode() []byte {
	w := NewWriter()
	w.PutU16(m.MinorVersion)
	w.PutU16(m.MajorVersion)

	encodeVec(w, m.Tables.Mod, ModRow.Encode)
	encodeVec(w, m.Tables.ModRef, ModRefRow.Encode)
	encodeVec(w, m.Tables.TypeDef, TypeDefRow.Encode)
	encodeVec(w, m.Tables.TypeRef, TypeRefRow.Encode)
	encodeVec(w, m.Tables.Field, FieldRow.Encode)
	encodeVec(w, m.Tables.MethodDef, MethodDefRow.Encode)
	encodeVec(w, m.Tables.MemberRef, MemberRefRow.Encode)
	encodeVec(w, m.Tables.ImplMap, ImplMapRow.Encode)
	encodeVec(w, m.Tables.Param, ParamRow.Encode)
	encodeVec(w, m.Tables.TypeSpec, TypeSpecRow.Encode)
	encodeVec(w, m.Tables.StandAloneSig, StandAloneSigRow.Encode)
	encodeVec(w, m.Tables.Code, CodeRow.Encode)

	encodeVec(w, m.Heaps.Strings, func(s string, w *Writer) { w.PutString(s) })
	encodeVec(w, m.Heaps.UserStrings, func(s string, w *Writer) { w.PutString(s) })
	encodeVec(w, m.Heaps.Blobs, func(b Blob, w *Writer) { b.Encode(w) })

	return w.Bytes()
}

// DecodeModule parses a .xibc byte image. A version mismatch is
// reported through warn (never fatal); pass a nil warn to ignore it.
func DecodeModule(data []byte, warn func(string)) (*Module, error) {
	r := NewReader(data)
	minor, err := r.U16()
	if err != nil {
		return nil, err
	}
	major, err := r.U16()
	if err != nil {
		return nil, err
	}
	if warn != nil && (minor != CurrentMinorVersion || major != CurrentMajorVersion) {
		warn(fmt.Sprintf("xibc: module version %d.%d does not match reader version %d.%d",
			major, minor, CurrentMajorVersion, CurrentMinorVersion))
	}

	m := &Module{MinorVersion: minor, MajorVersion: major}

	if m.Tables.Mod, err = decodeVec(r, decodeModRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding Mod table: %w", err)
	}
	if m.Tables.ModRef, err = decodeVec(r, decodeModRefRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding ModRef table: %w", err)
	}
	if m.Tables.TypeDef, err = decodeVec(r, decodeTypeDefRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding TypeDef table: %w", err)
	}
	if m.Tables.TypeRef, err = decodeVec(r, decodeTypeRefRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding TypeRef table: %w", err)
	}
	if m.Tables.Field, err = decodeVec(r, decodeFieldRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding Field table: %w", err)
	}
	if m.Tables.MethodDef, err = decodeVec(r, decodeMethodDefRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding MethodDef table: %w", err)
	}
	if m.Tables.MemberRef, err = decodeVec(r, decodeMemberRefRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding MemberRef table: %w", err)
	}
	if m.Tables.ImplMap, err = decodeVec(r, decodeImplMapRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding ImplMap table: %w", err)
	}
	if m.Tables.Param, err = decodeVec(r, decodeParamRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding Param table: %w", err)
	}
	if m.Tables.TypeSpec, err = decodeVec(r, decodeTypeSpecRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding TypeSpec table: %w", err)
	}
	if m.Tables.StandAloneSig, err = decodeVec(r, decodeStandAloneSigRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding StandAloneSig table: %w", err)
	}
	if m.Tables.Code, err = decodeVec(r, decodeCodeRow); err != nil {
		return nil, fmt.Errorf("xibc: decoding Code table: %w", err)
	}

	if m.Heaps.Strings, err = decodeVec(r, (*Reader).String); err != nil {
		return nil, fmt.Errorf("xibc: decoding string heap: %w", err)
	}
	if m.Heaps.UserStrings, err = decodeVec(r, (*Reader).String); err != nil {
		return nil, fmt.Errorf("xibc: decoding user-string heap: %w", err)
	}
	if m.Heaps.Blobs, err = decodeVec(r, DecodeBlob); err != nil {
		return nil, fmt.Errorf("xibc: decoding blob heap: %w", err)
	}

	return m, nil
}
