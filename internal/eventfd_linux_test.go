// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package internal

import (
	"testing"
)

func TestNewEventFd(t *testing.T) {
	efd, err := NewEventFd()
	if err != nil {
		t.Error("Could not create EventFd")
		return
	}
	defer efd.Close()

	if efd.Fd() < 0 {
		t.Errorf("invalid FD %d", efd.Fd())
		return
	}
}

func TestReadWriteEvent(t *testing.T) {
	efd, err := NewEventFd()
	if err != nil {
		t.Error(err)
	}
	defer efd.Close()

	var good uint64 = 0x78
	if err := efd.WriteEvent(good); err != nil {
		t.Error(err)
	}

	if actual, err := efd.ReadEvent(); err != nil {
		t.Error(err)
	} else if actual != good {
		t.Errorf("error reading from eventfd, expected: %q, actual: %q", good, actual)
	}
}

func TestReadEventAccumulates(t *testing.T) {
	efd, err := NewEventFd()
	if err != nil {
		t.Fatal(err)
	}
	defer efd.Close()

	// multiple wakeups before a read drain into one token
	for i := 0; i < 3; i++ {
		if err := efd.WriteEvent(1); err != nil {
			t.Fatal(err)
		}
	}
	if v, err := efd.ReadEvent(); err != nil {
		t.Fatal(err)
	} else if v != 3 {
		t.Errorf("expected accumulated value 3, got %d", v)
	}
}

func BenchmarkReadWriteEvent(b *testing.B) {
	const event = 15
	efd, err := NewEventFd()
	if err != nil {
		b.Fatal(err)
	}
	defer efd.Close()

	for i := 0; i < b.N; i++ {
		if err := efd.WriteEvent(event); err != nil {
			b.Fatal(err)
		}
		val, err := efd.ReadEvent()
		if err != nil {
			b.Fatal(err)
		} else if val != event {
			b.Fail()
		}
	}
}
