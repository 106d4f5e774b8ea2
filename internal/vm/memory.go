// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package vm

import "encoding/binary"

// Region tags an Address with which of the two byte-addressable memory
// regions it lives in: the static area, or the heap. Stack slots are
// not addressed this way; they live in a Frame's own tagged-slot
// arrays.
type Region uint8

const (
	StaticMem Region = iota
	HeapMem
)

// Address is a region-tagged byte offset. Within a region it is a
// plain relative offset, never a host pointer.
type Address struct {
	Region Region
	Offset uint64
	Null   bool // true only for a HeapMem reference slot holding null
}

// NullRef is the null heap reference.
var NullRef = Address{Region: HeapMem, Null: true}

// Add returns the address offset by delta bytes, preserving region.
func (a Address) Add(delta uint64) Address {
	return Address{Region: a.Region, Offset: a.Offset + delta}
}

// vtblHeaderSize is the width reserved for the VTbl header ahead of
// every type's static-field block: two machine words. The header
// record itself (VTblHeader) is kept in StaticArea.headers, keyed by
// the slot's base offset; the reserved bytes stay zero.
const vtblHeaderSize = 2 * WordSize

// objHeaderSize is the width of the header every heap allocation
// carries ahead of its zeroed payload: a vtable-pointer word for an
// object, a length word for an array.
const objHeaderSize = WordSize

// VTblHeader is the static-area record `StaticArea.AddClass` installs
// for a type: the back-pointer virtual dispatch starts from. The slot
// count itself lives on the type (VSlotCount), finalized only after
// the linker's extends chain and virtual-override pass run, well after
// AddClass is first called, so the header only carries the pointer.
type VTblHeader struct {
	Type *TypeDescriptor
}

// StaticArea is the per-process static storage region: it never
// shrinks, and every type gets exactly one contiguous slot (a VTbl
// header followed by that type's static field bytes), allocated the
// first time the loader lays the type out.
type StaticArea struct {
	buf     []byte
	headers map[uint64]*VTblHeader
}

// NewStaticArea returns an empty static area.
func NewStaticArea() *StaticArea {
	return &StaticArea{headers: make(map[uint64]*VTblHeader)}
}

// alignUp pads buf to a WordSize boundary and returns the aligned base
// offset. Every allocation base in both regions is word-aligned, which
// keeps the low bit free for encodeAddress's region tag.
func alignUp(buf []byte) ([]byte, uint64) {
	if rem := len(buf) % WordSize; rem != 0 {
		buf = append(buf, make([]byte, WordSize-rem)...)
	}
	return buf, uint64(len(buf))
}

// AddClass reserves a vtblHeaderSize+staticBytes slot for t, installs
// its VTbl header, and returns the slot's absolute address — this is
// t.VtblAddr. Static field addresses are vtblAddr+vtblHeaderSize+offset.
func (s *StaticArea) AddClass(t *TypeDescriptor, staticBytes int) Address {
	var base uint64
	s.buf, base = alignUp(s.buf)
	s.buf = append(s.buf, make([]byte, vtblHeaderSize+staticBytes)...)
	s.headers[base] = &VTblHeader{Type: t}
	return Address{Region: StaticMem, Offset: base}
}

// Header returns the VTbl header installed at addr (addr must be a
// type's VtblAddr).
func (s *StaticArea) Header(addr Address) *VTblHeader { return s.headers[addr.Offset] }

func (s *StaticArea) read(off uint64, n int) []byte {
	return s.buf[off : off+uint64(n)]
}

func (s *StaticArea) write(off uint64, data []byte) {
	copy(s.buf[off:off+uint64(len(data))], data)
}

// ObjHeader is the metadata a heap allocation carries: either an
// object's type, or an array's element type and length.
type ObjHeader struct {
	Type     *TypeDescriptor // object: owning type; nil for arrays
	IsArray  bool
	ElemType ValueType
	Length   int
}

// Heap is the bump-allocated object/array store. It never frees; a
// future collector would hook in at the allocation headers, which
// already record every live object's type and extent.
type Heap struct {
	buf     []byte
	headers map[uint64]*ObjHeader
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{headers: make(map[uint64]*ObjHeader)}
}

// NewObj allocates a new instance of t: a header word followed by
// t.BasicInstanceSize zero bytes. Returns the object's base address —
// the reference value `newobj` pushes.
func (h *Heap) NewObj(t *TypeDescriptor) Address {
	var base uint64
	h.buf, base = alignUp(h.buf)
	h.buf = append(h.buf, make([]byte, objHeaderSize+t.BasicInstanceSize)...)
	copy(h.buf[base:], encodeAddress(t.VtblAddr))
	h.headers[base] = &ObjHeader{Type: t}
	return Address{Region: HeapMem, Offset: base}
}

// NewArr allocates a new length-element array of elemTy, zero
// initialized.
func (h *Heap) NewArr(elemTy ValueType, length int) Address {
	var base uint64
	h.buf, base = alignUp(h.buf)
	h.buf = append(h.buf, make([]byte, objHeaderSize+length*elemTy.Size())...)
	copy(h.buf[base:], encodeI64(int64(length)))
	h.headers[base] = &ObjHeader{IsArray: true, ElemType: elemTy, Length: length}
	return Address{Region: HeapMem, Offset: base}
}

// Header returns the allocation header for the object/array at addr.
func (h *Heap) Header(addr Address) (*ObjHeader, bool) {
	hdr, ok := h.headers[addr.Offset]
	return hdr, ok
}

func (h *Heap) instanceDataOffset(addr Address) uint64 { return addr.Offset + objHeaderSize }

func (h *Heap) read(off uint64, n int) []byte {
	return h.buf[off : off+uint64(n)]
}

func (h *Heap) write(off uint64, data []byte) {
	copy(h.buf[off:off+uint64(len(data))], data)
}

// ReadInstanceField reads fieldOffset bytes of length fieldSize from
// the instance at objAddr.
func (h *Heap) ReadInstanceField(objAddr Address, fieldOffset, fieldSize int) []byte {
	off := h.instanceDataOffset(objAddr) + uint64(fieldOffset)
	return h.read(off, fieldSize)
}

// WriteInstanceField writes data at fieldOffset within the instance at
// objAddr.
func (h *Heap) WriteInstanceField(objAddr Address, fieldOffset int, data []byte) {
	off := h.instanceDataOffset(objAddr) + uint64(fieldOffset)
	h.write(off, data)
}

// elemDataOffset returns the byte offset of array element index within the
// array at addr, given its element size.
func (h *Heap) elemDataOffset(addr Address, index, elemSize int) uint64 {
	return h.instanceDataOffset(addr) + uint64(index*elemSize)
}

// ReadElem reads the elemSize bytes of element index from the array at
// addr.
func (h *Heap) ReadElem(addr Address, index, elemSize int) []byte {
	return h.read(h.elemDataOffset(addr, index, elemSize), elemSize)
}

// WriteElem writes data into element index of the array at addr.
func (h *Heap) WriteElem(addr Address, index, elemSize int, data []byte) {
	h.write(h.elemDataOffset(addr, index, elemSize), data)
}

// --- byte <-> primitive helpers shared by StaticArea and Heap field access ---

func encodeI32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func decodeI32(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) }

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeI64(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

func encodeAddress(a Address) []byte {
	b := make([]byte, WordSize)
	if !a.Null {
		binary.BigEndian.PutUint64(b, a.Offset|regionBit(a.Region))
	}
	return b
}

func decodeAddress(b []byte) Address {
	raw := binary.BigEndian.Uint64(b)
	if raw == 0 {
		return NullRef
	}
	region := StaticMem
	if raw&1 != 0 {
		region = HeapMem
	}
	return Address{Region: region, Offset: raw &^ 1}
}

// regionBit packs the region into the low bit of an encoded address.
// Both regions word-align every allocation base (alignUp), so the bit
// is always free in any address a program can store.
func regionBit(r Region) uint64 {
	if r == HeapMem {
		return 1
	}
	return 0
}
