// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package xibc implements the xibc binary module format: the metadata
// tables, heaps and signature blobs a compiled Xi module is made of, and
// the primitive codec every one of those pieces is built out of.
package xibc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decode errors. A truncated stream or an out-of-range length prefix must
// never silently produce zero-filled data; every pull accessor below
// returns one of these sentinels as is (Pos gives the offset reached).
var (
	// ErrDecode is the sentinel every decode-time failure wraps.
	ErrDecode = errors.New("xibc: decode error")

	// ErrUnexpectedEOF is returned when a read runs past the end of the
	// underlying byte stream.
	ErrUnexpectedEOF = fmt.Errorf("%w: unexpected end of stream", ErrDecode)

	// ErrLengthPrefixOverrun is returned when a length-prefixed sequence
	// declares more bytes or elements than remain in the stream.
	ErrLengthPrefixOverrun = fmt.Errorf("%w: length prefix exceeds remaining bytes", ErrDecode)

	// ErrUnknownOpcode names an unassigned primary opcode or
	// 0xFE-prefixed secondary opcode. The isa instruction decoder does
	// not wrap it: it reports unknown opcodes with its own plain error.
	ErrUnknownOpcode = fmt.Errorf("%w: unknown opcode", ErrDecode)
)

// Reader is a pull stream over a byte buffer. It never panics on a
// malformed stream; every accessor returns ErrUnexpectedEOF instead of
// reading past the end of buf, and a length-prefixed read (String,
// Blob) whose prefix exceeds the remaining bytes returns
// ErrLengthPrefixOverrun.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current read offset, useful for error context.
func (r *Reader) Pos() int { return r.pos }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

// TakeByte reads and returns a single byte.
func (r *Reader) TakeByte() (byte, error) {
	if r.Len() < 1 {
		return 0, ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// TakeBytes reads n raw bytes.
func (r *Reader) TakeBytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// TakeBytes2 reads a big-endian u16 worth of bytes, raw.
func (r *Reader) TakeBytes2() ([]byte, error) { return r.TakeBytes(2) }

// TakeBytes4 reads a big-endian u32 worth of bytes, raw.
func (r *Reader) TakeBytes4() ([]byte, error) { return r.TakeBytes(4) }

// U8 decodes an unsigned 8-bit integer.
func (r *Reader) U8() (uint8, error) { return r.TakeByte() }

// I8 decodes a signed 8-bit integer.
func (r *Reader) I8() (int8, error) {
	b, err := r.TakeByte()
	return int8(b), err
}

// U16 decodes a big-endian unsigned 16-bit integer.
func (r *Reader) U16() (uint16, error) {
	b, err := r.TakeBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// I16 decodes a big-endian signed 16-bit integer.
func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

// U32 decodes a big-endian unsigned 32-bit integer.
func (r *Reader) U32() (uint32, error) {
	b, err := r.TakeBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// I32 decodes a big-endian signed 32-bit integer.
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// String decodes a u16-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	b, err := r.TakeBytes(int(n))
	if err != nil {
		return "", ErrLengthPrefixOverrun
	}
	return string(b), nil
}

// Blob decodes a u32-length-prefixed raw byte sequence (the Vec<u8>
// encoding).
func (r *Reader) Blob() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if r.Len() < int(n) {
		return nil, ErrLengthPrefixOverrun
	}
	b, _ := r.TakeBytes(int(n))
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

// Writer accumulates an encoded byte stream.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutByte appends a single byte.
func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

// PutBytes appends raw bytes.
func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

// PutU8 encodes an unsigned 8-bit integer.
func (w *Writer) PutU8(v uint8) { w.PutByte(v) }

// PutI8 encodes a signed 8-bit integer.
func (w *Writer) PutI8(v int8) { w.PutByte(byte(v)) }

// PutU16 encodes a big-endian unsigned 16-bit integer.
func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.PutBytes(b[:])
}

// PutI16 encodes a big-endian signed 16-bit integer.
func (w *Writer) PutI16(v int16) { w.PutU16(uint16(v)) }

// PutU32 encodes a big-endian unsigned 32-bit integer.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.PutBytes(b[:])
}

// PutI32 encodes a big-endian signed 32-bit integer.
func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }

// PutString encodes a u16-length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) {
	w.PutU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBlob encodes a u32-length-prefixed raw byte sequence.
func (w *Writer) PutBlob(b []byte) {
	w.PutU32(uint32(len(b)))
	w.PutBytes(b)
}
