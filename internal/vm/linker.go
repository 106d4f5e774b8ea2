// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"

	"github.com/xipotatonium/xivm/xibc"
)

// allocateDescriptors builds every owned type/field/method descriptor
// and lays out static and instance storage. Field and method signature
// blobs are stashed on the loader (fieldSig/methodSig/localsSig)
// rather than translated here: translating a Class/Value(tok)
// reference needs TypeRefs resolved first, and MemberRef matching in
// turn needs the *target* module's signatures already translated — so
// Load runs resolveTypeRefs, then populateSignatures, then
// resolveMemberRefs, over every module.
func (l *Loader) allocateDescriptors(mod *Module) error {
	file := mod.File
	types := make([]*TypeDescriptor, len(file.Tables.TypeDef))
	for i, row := range file.Tables.TypeDef {
		types[i] = &TypeDescriptor{
			Module:  mod,
			Name:    file.Heaps.Str(row.Name),
			Flag:    row.Flag,
			Methods: make(map[string][]*MethodDescriptor),
		}
	}
	mod.Types = types
	mod.MethodDefs = make([]*MethodDescriptor, len(file.Tables.MethodDef))
	mod.FieldDefs = make([]*FieldDescriptor, len(file.Tables.Field))

	laidOut := make([]bool, len(types))
	inProgress := make([]bool, len(types))

	var layout func(idx int) error
	layout = func(idx int) error {
		if idx < 0 || idx >= len(types) {
			return fmt.Errorf("value-type field references out-of-range TypeDef index %d", idx+1)
		}
		if laidOut[idx] {
			return nil
		}
		if inProgress[idx] {
			return fmt.Errorf("cyclic value-type layout involving %s", types[idx].Name)
		}
		inProgress[idx] = true
		defer func() { inProgress[idx] = false }()
		if err := l.layoutOne(mod, idx, layout); err != nil {
			return err
		}
		laidOut[idx] = true
		return nil
	}

	for i := range types {
		if err := layout(i); err != nil {
			return linkErrorf(mod.FullName, "laying out type %s: %v", types[i].Name, err)
		}
	}
	return nil
}

// ownedRange converts a TypeDef row's 1-based First*/next-First* pair
// into a 0-based, half-open [start, end) slice bound. A First* of 0
// means "owns nothing"; the owning range for the last TypeDef row runs
// to the table's end.
func ownedRange(first, nextFirst xibc.TableIdx, hasNext bool, tableLen int) (start, end int) {
	if first == 0 {
		start = tableLen
	} else {
		start = int(first) - 1
	}
	if !hasNext || nextFirst == 0 {
		end = tableLen
	} else {
		end = int(nextFirst) - 1
	}
	if end < start {
		end = start
	}
	return
}

// layoutOne lays out the single type at idx: its fields (accumulating
// instance and static offsets), its methods, and its static-area slot.
// layoutSame is called to recursively lay out another same-module
// TypeDef a Value-kind field depends on.
func (l *Loader) layoutOne(mod *Module, idx int, layoutSame func(int) error) error {
	file := mod.File
	td := mod.Types[idx]
	row := file.Tables.TypeDef[idx]
	hasNext := idx+1 < len(file.Tables.TypeDef)
	var nextField, nextMethod xibc.TableIdx
	if hasNext {
		nextField = file.Tables.TypeDef[idx+1].FirstField
		nextMethod = file.Tables.TypeDef[idx+1].FirstMethod
	}
	fStart, fEnd := ownedRange(row.FirstField, nextField, hasNext, len(file.Tables.Field))
	mStart, mEnd := ownedRange(row.FirstMethod, nextMethod, hasNext, len(file.Tables.MethodDef))

	instOff := 0
	staticOff := 0
	for fi := fStart; fi < fEnd; fi++ {
		frow := file.Tables.Field[fi]
		blob, ok := file.Heaps.BlobAt(frow.Sig)
		if !ok || blob.Kind != xibc.BlobField {
			return fmt.Errorf("field %q: signature is not a Field blob", file.Heaps.Str(frow.Name))
		}
		size, err := l.blobFieldSize(mod, *blob.Inner, layoutSame)
		if err != nil {
			return fmt.Errorf("field %q: %v", file.Heaps.Str(frow.Name), err)
		}
		fd := &FieldDescriptor{
			Owner:    td,
			Name:     file.Heaps.Str(frow.Name),
			Flag:     uint32(frow.Flag),
			IsStatic: frow.Flag&xibc.FieldAttrStatic != 0,
		}
		l.fieldSig[fd] = *blob.Inner
		if fd.IsStatic {
			fd.Addr = Address{Offset: uint64(staticOff)}
			staticOff += size
		} else {
			fd.Addr = Address{Offset: uint64(instOff)}
			instOff += size
		}
		td.Fields = append(td.Fields, fd)
		mod.FieldDefs[fi] = fd
	}
	td.BasicInstanceSize = instOff

	for mi := mStart; mi < mEnd; mi++ {
		mrow := file.Tables.MethodDef[mi]
		name := file.Heaps.Str(mrow.Name)
		sigBlob, ok := file.Heaps.BlobAt(mrow.Sig)
		if !ok || sigBlob.Kind != xibc.BlobMethod {
			return fmt.Errorf("method %q: signature is not a Method blob", name)
		}
		md := &MethodDescriptor{
			Owner:     td,
			Name:      name,
			Flag:      mrow.Flag,
			ImplFlag:  mrow.ImplFlag,
			IsStatic:  mrow.Flag&xibc.MethodAttrStatic != 0,
			IsCtor:    mrow.Flag&xibc.MethodAttrCtor != 0,
			IsCCtor:   mrow.Flag&xibc.MethodAttrCCtor != 0,
			IsVirtual: mrow.Flag&xibc.MethodAttrVirtual != 0,
			VSlot:     -1,
		}
		l.methodSig[md] = sigBlob
		if mrow.ImplFlag == xibc.MethodImplNative {
			// The ImplMap row's Scope ModRef does not exist yet at this
			// point in loadFile; bindNativeMethods finishes the job once
			// the ModRef table is resolved.
		} else {
			if mrow.Body == 0 || int(mrow.Body) > len(file.Tables.Code) {
				return fmt.Errorf("method %q: IL method has no Code row", name)
			}
			code := file.Tables.Code[mrow.Body-1]
			md.MaxStack = int(code.MaxStack)
			md.Code = code.Insts
			if code.Locals != 0 {
				if int(code.Locals) > len(file.Tables.StandAloneSig) {
					return fmt.Errorf("method %q: locals signature index out of range", name)
				}
				saRow := file.Tables.StandAloneSig[code.Locals-1]
				lv, ok := file.Heaps.BlobAt(saRow.Sig)
				if !ok || lv.Kind != xibc.BlobLocalVar {
					return fmt.Errorf("method %q: StandAloneSig is not a LocalVar blob", name)
				}
				l.localsSig[md] = lv
			}
		}
		td.Methods[name] = append(td.Methods[name], md)
		mod.MethodDefs[mi] = md
	}
	if cctors := td.Methods[".cctor"]; len(cctors) > 0 {
		mod.CCtors = append(mod.CCtors, cctors...)
		l.CCtors = append(l.CCtors, cctors...)
	}

	td.VtblAddr = l.Statics.AddClass(td, staticOff)
	for _, fd := range td.Fields {
		if fd.IsStatic {
			fd.Addr = td.VtblAddr.Add(uint64(vtblHeaderSize) + fd.Addr.Offset)
		}
	}
	return nil
}

// bindNativeMethods resolves every native-impl method's ImplMap row to
// a NativeBinding. Runs from loadFile after the ModRef table is
// resolved, because the Scope index points into it.
func (l *Loader) bindNativeMethods(mod *Module) error {
	for mi, md := range mod.MethodDefs {
		if md == nil || mod.File.Tables.MethodDef[mi].ImplFlag != xibc.MethodImplNative {
			continue
		}
		binding, err := l.resolveImplMap(mod, xibc.MakeToken(xibc.TagMethodDef, uint32(mi+1)))
		if err != nil {
			return linkErrorf(mod.FullName, "method %q: %v", md.Name, err)
		}
		md.Native = binding
	}
	return nil
}

// resolveImplMap finds the ImplMap row binding MethodDef token member
// and resolves its Scope ModRef to a NativeBinding.
func (l *Loader) resolveImplMap(mod *Module, member xibc.Token) (*NativeBinding, error) {
	for _, row := range mod.File.Tables.ImplMap {
		if row.Member != member {
			continue
		}
		if int(row.Scope) == 0 || int(row.Scope) > len(mod.ModRefs) {
			return nil, fmt.Errorf("ImplMap scope index out of range")
		}
		ref := mod.ModRefs[row.Scope-1]
		if !ref.Native {
			return nil, fmt.Errorf("ImplMap scope %q is not a native module", ref.Name)
		}
		return &NativeBinding{Library: ref.Handle, Symbol: mod.File.Heaps.Str(row.Name)}, nil
	}
	return nil, fmt.Errorf("no ImplMap row binds this native method")
}

// blobFieldSize returns the storage size of a field's type blob. Class
// kinds are always reference-sized; Value kinds require the referenced
// type's own layout, and must name a TypeDef in the same module since
// layout runs before cross-module references resolve.
func (l *Loader) blobFieldSize(mod *Module, blob xibc.Blob, layoutSame func(int) error) (int, error) {
	switch blob.Kind {
	case xibc.BlobBool, xibc.BlobI1, xibc.BlobU1:
		return 1, nil
	case xibc.BlobChar:
		return 2, nil
	case xibc.BlobI4, xibc.BlobU4, xibc.BlobR4:
		return 4, nil
	case xibc.BlobI8, xibc.BlobU8, xibc.BlobR8:
		return 8, nil
	case xibc.BlobINative, xibc.BlobUNative, xibc.BlobString, xibc.BlobSZArray, xibc.BlobByRef:
		return WordSize, nil
	case xibc.BlobClass:
		return WordSize, nil
	case xibc.BlobValue:
		if blob.Tok.Tag() != xibc.TagTypeDef {
			return 0, fmt.Errorf("value-type field must reference a TypeDef in the same module, got %s", blob.Tok)
		}
		idx := int(blob.Tok.Index()) - 1
		if idx < 0 || idx >= len(mod.Types) {
			return 0, fmt.Errorf("value-type field TypeDef index %d out of range", blob.Tok.Index())
		}
		if err := layoutSame(idx); err != nil {
			return 0, err
		}
		return mod.Types[idx].BasicInstanceSize, nil
	default:
		return 0, fmt.Errorf("type %s cannot be used as a field type", blob.Kind)
	}
}

// resolveTypeRefs dereferences every TypeRef row to the type
// descriptor it names in its parent scope's module.
func (l *Loader) resolveTypeRefs(mod *Module) error {
	file := mod.File
	mod.TypeRefs = make([]*TypeDescriptor, len(file.Tables.TypeRef))
	for i, row := range file.Tables.TypeRef {
		name := file.Heaps.Str(row.Name)
		var owner *Module
		switch row.Parent.Tag() {
		case xibc.TagMod:
			owner = mod
		case xibc.TagModRef:
			idx := row.Parent.Index()
			if idx == 0 || int(idx) > len(mod.ModRefs) {
				return linkErrorf(mod.FullName, "TypeRef %q: ModRef index out of range", name)
			}
			ref := mod.ModRefs[idx-1]
			if ref.Native {
				return linkErrorf(mod.FullName, "TypeRef %q: parent ModRef %q is a native module", name, ref.Name)
			}
			owner = ref.Module
		case xibc.TagTypeRef:
			return linkErrorf(mod.FullName, "TypeRef %q: nested-type parents are not supported", name)
		default:
			return linkErrorf(mod.FullName, "TypeRef %q: unsupported parent tag %s", name, row.Parent.Tag())
		}
		td := l.findType(owner, name)
		if td == nil {
			return linkErrorf(mod.FullName, "TypeRef %q: no matching type in module %q", name, owner.FullName)
		}
		mod.TypeRefs[i] = td
	}
	return nil
}

// findType looks up a type by name in mod, through the loader's
// fully-qualified-name cache.
func (l *Loader) findType(mod *Module, name string) *TypeDescriptor {
	key := mod.FullName + "/" + name
	if td, ok := l.classPool[key]; ok {
		return td
	}
	for _, td := range mod.Types {
		if td.Name == name {
			l.classPool[key] = td
			return td
		}
	}
	return nil
}

// resolveValueType translates a raw signature blob, read from mod, to
// its resolved ValueType form. Class(tok) and Value(tok) tokens are
// resolved through mod's own tables, which is why this must run after
// resolveTypeRefs for mod.
func resolveValueType(mod *Module, blob xibc.Blob) (ValueType, error) {
	switch blob.Kind {
	case xibc.BlobBool:
		return ValueType{Kind: KBool}, nil
	case xibc.BlobChar:
		return ValueType{Kind: KChar}, nil
	case xibc.BlobI1:
		return ValueType{Kind: KI1}, nil
	case xibc.BlobU1:
		return ValueType{Kind: KU1}, nil
	case xibc.BlobI4:
		return ValueType{Kind: KI4}, nil
	case xibc.BlobU4:
		return ValueType{Kind: KU4}, nil
	case xibc.BlobI8:
		return ValueType{Kind: KI8}, nil
	case xibc.BlobU8:
		return ValueType{Kind: KU8}, nil
	case xibc.BlobR4:
		return ValueType{Kind: KR4}, nil
	case xibc.BlobR8:
		return ValueType{Kind: KR8}, nil
	case xibc.BlobINative:
		return ValueType{Kind: KINative}, nil
	case xibc.BlobUNative:
		return ValueType{Kind: KUNative}, nil
	case xibc.BlobString:
		return ValueType{Kind: KString}, nil
	case xibc.BlobVoid:
		return ValueType{Kind: KVoid}, nil
	case xibc.BlobClass:
		td := mod.ResolveTypeDefOrRef(blob.Tok)
		if td == nil {
			return ValueType{}, fmt.Errorf("unresolved class token %s", blob.Tok)
		}
		return ValueType{Kind: KClass, Class: td}, nil
	case xibc.BlobValue:
		td := mod.ResolveTypeDefOrRef(blob.Tok)
		if td == nil {
			return ValueType{}, fmt.Errorf("unresolved value token %s", blob.Tok)
		}
		return ValueType{Kind: KValue, Class: td}, nil
	case xibc.BlobSZArray:
		inner, err := resolveValueType(mod, *blob.Inner)
		if err != nil {
			return ValueType{}, err
		}
		return ValueType{Kind: KSZArray, Elem: &inner}, nil
	case xibc.BlobByRef:
		inner, err := resolveValueType(mod, *blob.Inner)
		if err != nil {
			return ValueType{}, err
		}
		return ValueType{Kind: KByRef, Elem: &inner}, nil
	default:
		return ValueType{}, fmt.Errorf("signature kind %s is not a value type", blob.Kind)
	}
}

// populateSignatures translates every field/method/locals blob stashed
// during allocateDescriptors to its resolved ValueType form.
func (l *Loader) populateSignatures(mod *Module) error {
	for _, td := range mod.Types {
		for _, fd := range td.Fields {
			blob, ok := l.fieldSig[fd]
			if !ok {
				continue
			}
			vt, err := resolveValueType(mod, blob)
			if err != nil {
				return linkErrorf(mod.FullName, "field %s.%s: %v", td.Name, fd.Name, err)
			}
			fd.Type = vt
		}
		for _, ms := range td.Methods {
			for _, md := range ms {
				if sig, ok := l.methodSig[md]; ok {
					params := make([]ValueType, len(sig.Params))
					for i, pb := range sig.Params {
						pt, err := resolveValueType(mod, pb)
						if err != nil {
							return linkErrorf(mod.FullName, "method %s.%s param %d: %v", td.Name, md.Name, i, err)
						}
						params[i] = pt
					}
					md.Params = params
					ret, err := resolveValueType(mod, *sig.Ret)
					if err != nil {
						return linkErrorf(mod.FullName, "method %s.%s return: %v", td.Name, md.Name, err)
					}
					md.Ret = ret
				}
				if lv, ok := l.localsSig[md]; ok {
					locals := make([]ValueType, len(lv.Locals))
					for i, lb := range lv.Locals {
						t, err := resolveValueType(mod, lb)
						if err != nil {
							return linkErrorf(mod.FullName, "method %s.%s local %d: %v", td.Name, md.Name, i, err)
						}
						locals[i] = t
					}
					md.Locals = locals
				}
			}
		}
	}
	return nil
}

// memberRefParentType resolves a MemberRef row's parent token (TypeRef
// or TypeDef) to the *TypeDescriptor whose field/method table the
// member must be found in. A ModRef parent is not supported and is
// reported as an error.
func (l *Loader) memberRefParentType(mod *Module, parent xibc.Token) (*TypeDescriptor, error) {
	switch parent.Tag() {
	case xibc.TagTypeRef:
		idx := parent.Index()
		if idx == 0 || int(idx) > len(mod.TypeRefs) {
			return nil, fmt.Errorf("parent TypeRef index out of range")
		}
		return mod.TypeRefs[idx-1], nil
	case xibc.TagTypeDef:
		idx := parent.Index()
		if idx == 0 || int(idx) > len(mod.Types) {
			return nil, fmt.Errorf("parent TypeDef index out of range")
		}
		return mod.Types[idx-1], nil
	default:
		return nil, fmt.Errorf("unsupported MemberRef parent tag %s", parent.Tag())
	}
}

// resolveMemberRefs binds every MemberRef row to the field or method
// its name and signature select on the parent type: a field by name
// and field type, a method by name and parameter types (the return
// type is not compared). A missing match is fatal; where more than one
// member matches, the first one declared is bound.
func (l *Loader) resolveMemberRefs(mod *Module) error {
	file := mod.File
	mod.MemberRefs = make([]MemberRefResolution, len(file.Tables.MemberRef))
	for i, row := range file.Tables.MemberRef {
		name := file.Heaps.Str(row.Name)
		blob, ok := file.Heaps.BlobAt(row.Sig)
		if !ok {
			return linkErrorf(mod.FullName, "MemberRef %q: missing signature blob", name)
		}
		parentType, err := l.memberRefParentType(mod, row.Parent)
		if err != nil {
			return linkErrorf(mod.FullName, "MemberRef %q: %v", name, err)
		}
		switch blob.Kind {
		case xibc.BlobField:
			ft, err := resolveValueType(mod, *blob.Inner)
			if err != nil {
				return linkErrorf(mod.FullName, "MemberRef %q: %v", name, err)
			}
			fd := parentType.FindField(name, ft)
			if fd == nil {
				return linkErrorf(mod.FullName, "MemberRef %q: no matching field on %s", name, parentType.Name)
			}
			mod.MemberRefs[i] = MemberRefResolution{Field: fd}
		case xibc.BlobMethod:
			params := make([]ValueType, len(blob.Params))
			for pi, pb := range blob.Params {
				pt, err := resolveValueType(mod, pb)
				if err != nil {
					return linkErrorf(mod.FullName, "MemberRef %q: %v", name, err)
				}
				params[pi] = pt
			}
			md := parentType.FindMethod(name, params)
			if md == nil {
				return linkErrorf(mod.FullName, "MemberRef %q: no matching method on %s", name, parentType.Name)
			}
			mod.MemberRefs[i] = MemberRefResolution{Method: md}
		default:
			return linkErrorf(mod.FullName, "MemberRef %q: signature must be Field or Method, got %s", name, blob.Kind)
		}
	}
	return nil
}

// linkExtends dereferences every type's extends token to a type
// descriptor pointer.
func (l *Loader) linkExtends(mod *Module) error {
	file := mod.File
	for i, row := range file.Tables.TypeDef {
		if row.Extends.IsNil() {
			continue
		}
		base := mod.ResolveTypeDefOrRef(row.Extends)
		if base == nil {
			return linkErrorf(mod.FullName, "type %s: unresolved extends token %s", mod.Types[i].Name, row.Extends)
		}
		if mod.Types[i].IsValueType() {
			return linkErrorf(mod.FullName, "value type %s may not extend another type", mod.Types[i].Name)
		}
		mod.Types[i].Extends = base
	}
	return nil
}

// finalizeInstanceLayout rebases every type's instance fields behind
// its base chain's storage, parent-first: a derived instance embeds
// the base fields ahead of its own, and BasicInstanceSize grows to the
// sum of the whole chain. layoutOne assigned each type's field offsets
// starting at 0, so the rebase is a single shift per type.
func (l *Loader) finalizeInstanceLayout() error {
	done := make(map[*TypeDescriptor]bool)
	visiting := make(map[*TypeDescriptor]bool)

	var visit func(t *TypeDescriptor) error
	visit = func(t *TypeDescriptor) error {
		if t == nil || done[t] {
			return nil
		}
		if visiting[t] {
			return fmt.Errorf("cyclic extends chain at type %s", t.Name)
		}
		visiting[t] = true
		if err := visit(t.Extends); err != nil {
			return err
		}
		visiting[t] = false
		done[t] = true

		if t.Extends != nil && t.Extends.BasicInstanceSize > 0 {
			shift := uint64(t.Extends.BasicInstanceSize)
			for _, fd := range t.Fields {
				if !fd.IsStatic {
					fd.Addr.Offset += shift
				}
			}
			t.BasicInstanceSize += t.Extends.BasicInstanceSize
		}
		return nil
	}

	for _, name := range l.Modules.Names() {
		mod, _ := l.Modules.get(name)
		for _, t := range mod.Types {
			if err := visit(t); err != nil {
				return linkErrorf(mod.FullName, "%v", err)
			}
		}
	}
	return nil
}

// assignVSlots walks every loaded module's types, parent-first, giving
// each virtual method a vtable slot: an override of a base virtual
// inherits that slot, anything else gets the next free one. This runs
// once, after every module's extends chain and signatures are final.
func (l *Loader) assignVSlots() error {
	done := make(map[*TypeDescriptor]bool)
	visiting := make(map[*TypeDescriptor]bool)

	var visit func(t *TypeDescriptor) error
	visit = func(t *TypeDescriptor) error {
		if t == nil || done[t] {
			return nil
		}
		if visiting[t] {
			return fmt.Errorf("cyclic extends chain at type %s", t.Name)
		}
		visiting[t] = true
		if t.Extends != nil {
			if err := visit(t.Extends); err != nil {
				return err
			}
		}
		visiting[t] = false
		done[t] = true

		base := 0
		if t.Extends != nil {
			base = t.Extends.VSlotCount
		}
		t.VSlotCount = base
		for _, ms := range t.Methods {
			for _, m := range ms {
				if !m.IsVirtual || m.VSlot >= 0 {
					continue
				}
				if t.Extends != nil {
					if baseM := t.Extends.VirtualOverride(m.Name, m.Params); baseM != nil {
						m.VSlot = baseM.VSlot
						continue
					}
				}
				m.VSlot = t.VSlotCount
				t.VSlotCount++
			}
		}
		return nil
	}

	for _, name := range l.Modules.Names() {
		mod, _ := l.Modules.get(name)
		for _, t := range mod.Types {
			if err := visit(t); err != nil {
				return linkErrorf(mod.FullName, "%v", err)
			}
		}
	}
	return nil
}
