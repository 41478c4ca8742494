// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the reserved head room for fixed-size header injection.
	CheapPrepend = 8
	// InitialBufferSize is the starting capacity of the readable+writable area.
	InitialBufferSize = 1024
)

var crlf = []byte("\r\n")

// Buffer is a growable byte buffer shaped as
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=     size
//
// Readable bytes are the buffered payload; the prepend area lets a codec
// stamp a length header in front of the body without copying it.
// Not goroutine safe; a Buffer belongs to its connection's loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+InitialBufferSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int    { return b.writerIndex - b.readerIndex }
func (b *Buffer) WritableBytes() int    { return len(b.buf) - b.writerIndex }
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable bytes without consuming them.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// Retrieve consumes n readable bytes.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveUntil consumes up to the index of end within the readable bytes.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// ReadAll consumes and returns a copy of all readable bytes.
func (b *Buffer) ReadAll() []byte {
	out := append([]byte(nil), b.Peek()...)
	b.RetrieveAll()
	return out
}

// Append adds data after the current readable bytes, growing if needed.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

func (b *Buffer) AppendString(s string) {
	b.ensureWritable(len(s))
	copy(b.buf[b.writerIndex:], s)
	b.writerIndex += len(s)
}

// Prepend stamps data immediately in front of the readable bytes.
// len(data) must not exceed PrependableBytes.
func (b *Buffer) Prepend(data []byte) {
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// FindCRLF returns the index of the first "\r\n" in the readable bytes, or -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindEOL returns the index of the first '\n' in the readable bytes, or -1.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

func (b *Buffer) AppendInt32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.Append(tmp[:])
}

func (b *Buffer) AppendInt16(v int16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	b.Append(tmp[:])
}

func (b *Buffer) AppendInt8(v int8) {
	b.Append([]byte{byte(v)})
}

func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.Peek()))
}

func (b *Buffer) PeekInt16() int16 {
	return int16(binary.BigEndian.Uint16(b.Peek()))
}

func (b *Buffer) PeekInt8() int8 {
	return int8(b.Peek()[0])
}

func (b *Buffer) ReadInt32() int32 {
	v := b.PeekInt32()
	b.Retrieve(4)
	return v
}

func (b *Buffer) ReadInt16() int16 {
	v := b.PeekInt16()
	b.Retrieve(2)
	return v
}

func (b *Buffer) ReadInt8() int8 {
	v := b.PeekInt8()
	b.Retrieve(1)
	return v
}

// PrependInt32 stamps a big-endian length/type header before the body.
func (b *Buffer) PrependInt32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.Prepend(tmp[:])
}

// Shrink drops spare capacity, keeping the readable bytes plus reserve.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	buf := make([]byte, CheapPrepend+readable+reserve)
	copy(buf[CheapPrepend:], b.Peek())
	b.buf = buf
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		buf := make([]byte, b.writerIndex+n)
		copy(buf, b.buf[:b.writerIndex])
		b.buf = buf
		return
	}
	// compact: move readable bytes to the front, reader back at CheapPrepend
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// spillSize bounds the per-read stack block used by ReadFd.
const spillSize = 64 * 1024

// ReadFd drains the socket with one readv into the writable area plus a
// stack spill block, so a mostly-idle connection carries a small buffer
// while a busy one still empties the kernel queue in one syscall.
// Relies on level-triggered polling: leftover kernel bytes re-fire.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var spill [spillSize]byte
	writable := b.WritableBytes()

	iovs := [][]byte{b.buf[b.writerIndex:]}
	if writable < spillSize {
		iovs = append(iovs, spill[:])
	}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}
