// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package nev

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendRetrieve(t *testing.T) {
	b := NewBuffer()
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, InitialBufferSize, b.WritableBytes())
	assert.Equal(t, CheapPrepend, b.PrependableBytes())

	payload := bytes.Repeat([]byte("x"), 200)
	b.Append(payload)
	assert.Equal(t, 200, b.ReadableBytes())
	assert.Equal(t, InitialBufferSize-200, b.WritableBytes())

	got := b.RetrieveAsString(50)
	assert.Equal(t, string(payload[:50]), got)
	assert.Equal(t, 150, b.ReadableBytes())
	assert.Equal(t, CheapPrepend+50, b.PrependableBytes())

	b.Append(payload)
	assert.Equal(t, 350, b.ReadableBytes())

	assert.Equal(t, string(payload[50:])+string(payload), b.RetrieveAllAsString())
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, CheapPrepend, b.PrependableBytes())
}

func TestBufferSplitAppendReadAll(t *testing.T) {
	left, right := []byte("hello, "), []byte("world")
	b := NewBuffer()
	b.Append(left)
	b.Append(right)
	assert.Equal(t, []byte("hello, world"), b.ReadAll())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBufferGrowth(t *testing.T) {
	b := NewBuffer()
	payload := bytes.Repeat([]byte("y"), 400)
	for i := 0; i < 10; i++ {
		b.Append(payload)
	}
	assert.Equal(t, 4000, b.ReadableBytes())

	// growth preserved the content in order
	want := bytes.Repeat([]byte("y"), 4000)
	assert.Equal(t, want, b.Peek())

	b.Retrieve(3800)
	b.Append([]byte("tail"))
	assert.Equal(t, append(bytes.Repeat([]byte("y"), 200), []byte("tail")...), b.ReadAll())
}

func TestBufferCompactionReusesPrependSpace(t *testing.T) {
	b := NewBuffer()
	b.Append(bytes.Repeat([]byte("a"), InitialBufferSize-100))
	b.Retrieve(InitialBufferSize - 200)
	// 100 readable left; appending 200 fits after compaction without growth
	b.Append(bytes.Repeat([]byte("b"), 200))
	assert.Equal(t, 300, b.ReadableBytes())
	assert.Equal(t,
		append(bytes.Repeat([]byte("a"), 100), bytes.Repeat([]byte("b"), 200)...),
		b.Peek())
}

func TestBufferPrepend(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("body"))
	b.Prepend([]byte("HD"))
	assert.Equal(t, "HDbody", b.RetrieveAllAsString())

	b.Append([]byte("payload"))
	b.PrependInt32(int32(len("payload")))
	assert.Equal(t, int32(7), b.ReadInt32())
	assert.Equal(t, "payload", b.RetrieveAllAsString())
}

func TestBufferIntHelpers(t *testing.T) {
	b := NewBuffer()
	b.AppendInt32(0x01020304)
	b.AppendInt16(0x0506)
	b.AppendInt8(0x07)
	assert.Equal(t, 7, b.ReadableBytes())

	assert.Equal(t, int32(0x01020304), b.PeekInt32())
	assert.Equal(t, int32(0x01020304), b.ReadInt32())
	assert.Equal(t, int16(0x0506), b.ReadInt16())
	assert.Equal(t, int8(0x07), b.ReadInt8())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBufferFindCRLF(t *testing.T) {
	b := NewBuffer()
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n")
	assert.Equal(t, 14, b.FindCRLF())
	assert.Equal(t, 15, b.FindEOL())
	b.Retrieve(16)
	assert.Equal(t, 7, b.FindCRLF())

	b.RetrieveAll()
	assert.Equal(t, -1, b.FindCRLF())
	assert.Equal(t, -1, b.FindEOL())
}

func TestBufferShrink(t *testing.T) {
	b := NewBuffer()
	b.Append(bytes.Repeat([]byte("z"), 20000))
	b.Retrieve(19000)
	b.Shrink(0)
	assert.Equal(t, 1000, b.ReadableBytes())
	assert.Equal(t, bytes.Repeat([]byte("z"), 1000), b.Peek())
	assert.Equal(t, 0, b.WritableBytes())
}

func TestBufferReadFd(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := bytes.Repeat([]byte("0123456789"), 5000) // 50 KB: forces the spill path
	go func() {
		rest := payload
		for len(rest) > 0 {
			n, err := unix.Write(fds[1], rest)
			if err != nil {
				return
			}
			rest = rest[n:]
		}
		unix.Shutdown(fds[1], unix.SHUT_WR)
	}()

	b := NewBuffer()
	for {
		n, err := b.ReadFd(fds[0])
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	assert.Equal(t, payload, b.Peek())
}
